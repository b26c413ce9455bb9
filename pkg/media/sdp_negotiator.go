package media

import (
	"strconv"
	"sync"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

// SDPConfig параметры локального SDP
type SDPConfig struct {
	Address     string
	Port        int
	SessionName string
	Codecs      []Codec
	// DTMFPayloadType payload type telephone-event (RFC 4733), 0 отключает
	DTMFPayloadType uint8
	Ptime           time.Duration
}

// DefaultSDPConfig конфигурация по умолчанию: PCMU/PCMA и telephone-event
func DefaultSDPConfig() SDPConfig {
	return SDPConfig{
		Address:         "127.0.0.1",
		Port:            4000,
		SessionName:     "sip_session",
		Codecs:          []Codec{CodecPCMU, CodecPCMA},
		DTMFPayloadType: 101,
		Ptime:           20 * time.Millisecond,
	}
}

// Validate проверяет конфигурацию
func (c SDPConfig) Validate() error {
	if c.Address == "" {
		return errors.New("media address is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("invalid media port %d", c.Port)
	}
	if len(c.Codecs) == 0 {
		return errors.New("at least one codec is required")
	}
	return nil
}

// SDPNegotiator Negotiator, создающий и разбирающий SDP (RFC 3264).
// Медиа транспорт не создается: описание отражает конфигурацию.
type SDPNegotiator struct {
	cfg SDPConfig

	mu        sync.Mutex
	sessionID uint64
	version   uint64

	// offerSent наш offer ожидает answer
	offerSent bool
	// remoteOffer удаленный offer ожидает наш answer
	remoteOffer *sdp.SessionDescription
	remote      *sdp.SessionDescription
	selected    []Codec

	muted        Tracks
	onHold       bool
	localCreated bool
	stopped      bool
	closed       bool
}

func NewSDPNegotiator(cfg SDPConfig) *SDPNegotiator {
	now := uint64(time.Now().Unix())
	return &SDPNegotiator{
		cfg:       cfg,
		sessionID: now,
		version:   now,
	}
}

// SDPFactory фабрика для сессий
func SDPFactory(cfg SDPConfig) Factory {
	return func() Negotiator {
		return NewSDPNegotiator(cfg)
	}
}

func (n *SDPNegotiator) LocalDescription(hint Hint, done func([]byte, error)) {
	body, err := n.localDescription(hint)
	done(body, err)
}

func (n *SDPNegotiator) localDescription(hint Hint) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, ErrClosed
	}
	if !hint.Audio && !hint.Video {
		return nil, errors.Wrap(ErrIncompatible, "no media requested")
	}

	n.version++
	desc := n.baseDescription()

	if n.remoteOffer != nil {
		medias, err := n.answerMedia(n.remoteOffer)
		if err != nil {
			return nil, err
		}
		desc.MediaDescriptions = medias
		n.remote = n.remoteOffer
		n.remoteOffer = nil
	} else {
		desc.MediaDescriptions = []*sdp.MediaDescription{n.audioMedia(n.cfg.Codecs, n.cfg.DTMFPayloadType, n.direction(""))}
		n.offerSent = true
	}

	body, err := desc.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal sdp")
	}
	n.localCreated = true
	n.stopped = false
	return body, nil
}

func (n *SDPNegotiator) baseDescription() *sdp.SessionDescription {
	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      n.sessionID,
			SessionVersion: n.version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: n.cfg.Address,
		},
		SessionName: sdp.SessionName(n.cfg.SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: n.cfg.Address},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
}

func (n *SDPNegotiator) audioMedia(codecs []Codec, dtmf uint8, direction string) *sdp.MediaDescription {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: n.cfg.Port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	for _, c := range codecs {
		md.MediaName.Formats = append(md.MediaName.Formats, strconv.Itoa(int(c.PayloadType)))
		md.Attributes = append(md.Attributes, sdp.NewAttribute("rtpmap", c.rtpmap()))
	}
	if dtmf != 0 {
		pt := strconv.Itoa(int(dtmf))
		md.MediaName.Formats = append(md.MediaName.Formats, pt)
		md.Attributes = append(md.Attributes,
			sdp.NewAttribute("rtpmap", pt+" telephone-event/8000"),
			sdp.NewAttribute("fmtp", pt+" 0-16"))
	}
	if n.cfg.Ptime > 0 {
		md.Attributes = append(md.Attributes, sdp.NewAttribute("ptime", strconv.Itoa(int(n.cfg.Ptime/time.Millisecond))))
	}
	md.Attributes = append(md.Attributes, sdp.NewPropertyAttribute(direction))
	return md
}

// answerMedia зеркалит m= строки offer: первая совместимая аудио
// принимается, остальные отклоняются нулевым портом
func (n *SDPNegotiator) answerMedia(offer *sdp.SessionDescription) ([]*sdp.MediaDescription, error) {
	var out []*sdp.MediaDescription
	accepted := false
	for _, md := range offer.MediaDescriptions {
		if !accepted && md.MediaName.Media == "audio" && md.MediaName.Port.Value != 0 {
			codecs := negotiateCodecs(n.cfg.Codecs, md)
			if len(codecs) > 0 {
				var dtmf uint8
				if n.cfg.DTMFPayloadType != 0 {
					dtmf, _ = telephoneEvent(md)
				}
				out = append(out, n.audioMedia(codecs, dtmf, n.direction(directionOf(md))))
				n.selected = codecs
				accepted = true
				continue
			}
		}
		out = append(out, &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   md.MediaName.Media,
				Port:    sdp.RangedPort{Value: 0},
				Protos:  md.MediaName.Protos,
				Formats: md.MediaName.Formats,
			},
		})
	}
	if !accepted {
		return nil, ErrIncompatible
	}
	return out, nil
}

// direction направление нашего потока с учетом удержания и направления удаленной стороны
func (n *SDPNegotiator) direction(remote string) string {
	switch remote {
	case "inactive":
		return "inactive"
	case "sendonly":
		if n.onHold {
			return "inactive"
		}
		return "recvonly"
	case "recvonly":
		return "sendonly"
	}
	if n.onHold {
		return "sendonly"
	}
	return "sendrecv"
}

func directionOf(md *sdp.MediaDescription) string {
	for _, attr := range md.Attributes {
		switch attr.Key {
		case "sendrecv", "sendonly", "recvonly", "inactive":
			return attr.Key
		}
	}
	return ""
}

func (n *SDPNegotiator) ApplyRemoteDescription(body []byte, done func(error)) {
	done(n.applyRemote(body))
}

func (n *SDPNegotiator) applyRemote(body []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}

	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return errors.Wrap(ErrBadDescription, err.Error())
	}

	var audio *sdp.MediaDescription
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" && md.MediaName.Port.Value != 0 {
			audio = md
			break
		}
	}
	if audio == nil {
		return errors.Wrap(ErrIncompatible, "no active audio stream")
	}
	if audio.ConnectionInformation == nil && desc.ConnectionInformation == nil {
		return errors.Wrap(ErrBadDescription, "no connection information")
	}
	codecs := negotiateCodecs(n.cfg.Codecs, audio)
	if len(codecs) == 0 {
		return errors.Wrapf(ErrIncompatible, "formats %v", audio.MediaName.Formats)
	}

	if n.offerSent {
		// answer на наш offer
		n.offerSent = false
		n.remote = desc
		n.selected = codecs
		return nil
	}
	n.remoteOffer = desc
	return nil
}

// Selected согласованные кодеки
func (n *SDPNegotiator) Selected() []Codec {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Codec(nil), n.selected...)
}

func (n *SDPNegotiator) Mute(t Tracks) Tracks {
	n.mu.Lock()
	defer n.mu.Unlock()
	changed := Tracks{Audio: t.Audio && !n.muted.Audio, Video: t.Video && !n.muted.Video}
	n.muted.Audio = n.muted.Audio || t.Audio
	n.muted.Video = n.muted.Video || t.Video
	return changed
}

func (n *SDPNegotiator) Unmute(t Tracks, localHold bool) Tracks {
	n.mu.Lock()
	defer n.mu.Unlock()
	changed := Tracks{Audio: t.Audio && n.muted.Audio, Video: t.Video && n.muted.Video}
	if t.Audio {
		n.muted.Audio = false
	}
	if t.Video {
		n.muted.Video = false
	}
	if localHold {
		n.onHold = true
	}
	return changed
}

// Sending треки, которые реально передают звук или видео
func (n *SDPNegotiator) Sending() Tracks {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.onHold || n.stopped || !n.localCreated {
		return Tracks{}
	}
	return Tracks{Audio: !n.muted.Audio}
}

func (n *SDPNegotiator) Hold() {
	n.mu.Lock()
	n.onHold = true
	n.mu.Unlock()
}

func (n *SDPNegotiator) Unhold() {
	n.mu.Lock()
	n.onHold = false
	n.mu.Unlock()
}

func (n *SDPNegotiator) IsReady() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.closed
}

func (n *SDPNegotiator) HasLocalMedia() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.localCreated && !n.stopped
}

func (n *SDPNegotiator) StopLocalMedia() {
	n.mu.Lock()
	n.stopped = true
	n.mu.Unlock()
}

func (n *SDPNegotiator) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
}
