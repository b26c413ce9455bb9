package media

import (
	"regexp"
	"strings"

	"github.com/pion/sdp/v3"
)

var (
	directionAttr = regexp.MustCompile(`a=(sendrecv|sendonly|recvonly|inactive)`)
	holdAttr      = regexp.MustCompile(`a=(sendonly|inactive)`)
	mediaLine     = regexp.MustCompile(`(m=[^\r]*\r\n)`)
)

// MangleHold переписывает направление потоков для постановки на удержание:
// sendrecv -> sendonly, recvonly -> inactive. Если атрибутов направления нет,
// после каждой m= строки добавляется a=sendonly.
func MangleHold(body []byte) []byte {
	s := string(body)
	if !directionAttr.MatchString(s) {
		return []byte(mediaLine.ReplaceAllString(s, "${1}a=sendonly\r\n"))
	}
	s = strings.ReplaceAll(s, "a=sendrecv\r\n", "a=sendonly\r\n")
	s = strings.ReplaceAll(s, "a=recvonly\r\n", "a=inactive\r\n")
	return []byte(s)
}

// IsHold сообщает, ставит ли описание удаленной стороны нас на удержание
func IsHold(body []byte) bool {
	return holdAttr.Match(body)
}

// RepairConnection добавляет c=IN IP4 0.0.0.0 к m= строкам без адреса,
// когда в описании нет адреса уровня сессии. Такие описания приходят
// от реализаций, отключающих видео поток. Неразбираемое тело
// возвращается без изменений.
func RepairConnection(body []byte) []byte {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return body
	}
	if desc.ConnectionInformation != nil {
		return body
	}
	changed := false
	for _, md := range desc.MediaDescriptions {
		if md.ConnectionInformation == nil {
			md.ConnectionInformation = &sdp.ConnectionInformation{
				NetworkType: "IN",
				AddressType: "IP4",
				Address:     &sdp.Address{Address: "0.0.0.0"},
			}
			changed = true
		}
	}
	if !changed {
		return body
	}
	out, err := desc.Marshal()
	if err != nil {
		return body
	}
	return out
}
