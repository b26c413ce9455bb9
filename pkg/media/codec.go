package media

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// Codec аудио кодек для SDP
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
	Channels    uint16
}

var (
	CodecPCMU = Codec{PayloadType: 0, Name: "PCMU", ClockRate: 8000}
	CodecPCMA = Codec{PayloadType: 8, Name: "PCMA", ClockRate: 8000}
	CodecG722 = Codec{PayloadType: 9, Name: "G722", ClockRate: 8000}
)

// CodecByName ищет статический кодек по имени без учета регистра
func CodecByName(name string) (Codec, bool) {
	for _, c := range []Codec{CodecPCMU, CodecPCMA, CodecG722} {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Codec{}, false
}

func (c Codec) rtpmap() string {
	v := c.Name + "/" + strconv.FormatUint(uint64(c.ClockRate), 10)
	if c.Channels > 1 {
		v += "/" + strconv.Itoa(int(c.Channels))
	}
	return strconv.Itoa(int(c.PayloadType)) + " " + v
}

// matches сравнивает кодек с форматом из m= строки
func (c Codec) matches(format string, rtpmaps map[string]string) bool {
	if rtpmap, ok := rtpmaps[format]; ok {
		name, rest, _ := strings.Cut(rtpmap, "/")
		clock, _, _ := strings.Cut(rest, "/")
		rate, err := strconv.ParseUint(clock, 10, 32)
		if err != nil {
			return false
		}
		return strings.EqualFold(name, c.Name) && uint32(rate) == c.ClockRate
	}
	pt, err := strconv.Atoi(format)
	if err != nil {
		return false
	}
	// статические payload type без rtpmap
	return pt < 96 && uint8(pt) == c.PayloadType
}

func rtpmapsOf(md *sdp.MediaDescription) map[string]string {
	out := make(map[string]string)
	for _, attr := range md.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		if pt, codec, ok := strings.Cut(attr.Value, " "); ok {
			out[pt] = codec
		}
	}
	return out
}

// negotiateCodecs пересечение в порядке предпочтения удаленной стороны.
// remoteFormats сохраняются как есть, чтобы ответ использовал их payload type.
func negotiateCodecs(supported []Codec, md *sdp.MediaDescription) []Codec {
	rtpmaps := rtpmapsOf(md)
	var out []Codec
	for _, format := range md.MediaName.Formats {
		for _, c := range supported {
			if c.matches(format, rtpmaps) {
				pt, err := strconv.Atoi(format)
				if err != nil {
					break
				}
				c.PayloadType = uint8(pt)
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// telephoneEvent payload type telephone-event, если он предложен
func telephoneEvent(md *sdp.MediaDescription) (uint8, bool) {
	for pt, codec := range rtpmapsOf(md) {
		if strings.HasPrefix(strings.ToLower(codec), "telephone-event/") {
			v, err := strconv.Atoi(pt)
			if err == nil {
				return uint8(v), true
			}
		}
	}
	return 0, false
}
