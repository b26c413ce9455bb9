package dialog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

const (
	ContentTypeSDP       = "application/sdp"
	ContentTypeDTMFRelay = "application/dtmf-relay"
	ContentTypeSipfrag   = "message/sipfrag"

	StatusSessionProgress   = 183
	StatusRequestPending    = 491
	StatusRequestTerminated = 487
	StatusUnsupportedMedia  = 415
	StatusCallDoesNotExist  = 481
	StatusServerTimeout     = 504
)

var reasonPhrases = map[int]string{
	100: "Trying",
	180: "Ringing",
	181: "Call Is Being Forwarded",
	182: "Queued",
	183: "Session Progress",
	200: "OK",
	202: "Accepted",
	300: "Multiple Choices",
	301: "Moved Permanently",
	302: "Moved Temporarily",
	305: "Use Proxy",
	380: "Alternative Service",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	407: "Proxy Authentication Required",
	408: "Request Timeout",
	410: "Gone",
	415: "Unsupported Media Type",
	420: "Bad Extension",
	480: "Temporarily Unavailable",
	481: "Call/Transaction Does Not Exist",
	484: "Address Incomplete",
	486: "Busy Here",
	487: "Request Terminated",
	488: "Not Acceptable Here",
	491: "Request Pending",
	500: "Server Internal Error",
	501: "Not Implemented",
	503: "Service Unavailable",
	504: "Server Time-out",
	600: "Busy Everywhere",
	603: "Decline",
	604: "Does Not Exist Anywhere",
	606: "Not Acceptable",
}

// ReasonPhrase стандартная фраза для кода ответа
func ReasonPhrase(code int) string {
	if p, ok := reasonPhrases[code]; ok {
		return p
	}
	return "Unknown"
}

// NewTag генерирует тег для From/To
func NewTag() string {
	return sip.RandString(10)
}

// NewCallID генерирует Call-ID
func NewCallID() string {
	return uuid.NewString()
}

// FromTag тег из заголовка From
func FromTag(msg sip.Message) string {
	switch m := msg.(type) {
	case *sip.Request:
		if h := m.From(); h != nil {
			return paramTag(h.Params)
		}
	case *sip.Response:
		if h := m.From(); h != nil {
			return paramTag(h.Params)
		}
	}
	return ""
}

// ToTag тег из заголовка To
func ToTag(msg sip.Message) string {
	switch m := msg.(type) {
	case *sip.Request:
		if h := m.To(); h != nil {
			return paramTag(h.Params)
		}
	case *sip.Response:
		if h := m.To(); h != nil {
			return paramTag(h.Params)
		}
	}
	return ""
}

func paramTag(p sip.HeaderParams) string {
	if p == nil {
		return ""
	}
	tag, _ := p.Get("tag")
	return tag
}

// SetToTag устанавливает тег в заголовок To запроса
func SetToTag(req *sip.Request, tag string) {
	to := req.To()
	if to == nil {
		return
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	to.Params.Add("tag", tag)
}

func callIDOf(msg sip.Message) string {
	if hs := msg.GetHeaders("Call-ID"); len(hs) > 0 {
		return hs[0].Value()
	}
	return ""
}

// HeaderValue значение заголовка без учета регистра имени, пустая строка при отсутствии
func HeaderValue(msg sip.Message, name string) string {
	if hs := msg.GetHeaders(name); len(hs) > 0 {
		return strings.TrimSpace(hs[0].Value())
	}
	return ""
}

// ContentType тип тела сообщения без параметров, в нижнем регистре
func ContentType(msg sip.Message) string {
	v := HeaderValue(msg, "Content-Type")
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}
	return strings.ToLower(strings.TrimSpace(v))
}

// ContentDisposition тип расположения тела без параметров
func ContentDisposition(msg sip.Message) string {
	v := HeaderValue(msg, "Content-Disposition")
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}
	return strings.ToLower(strings.TrimSpace(v))
}

// HasOptionTag проверяет наличие option-tag в Require или Supported
func HasOptionTag(msg sip.Message, header, tag string) bool {
	for _, h := range msg.GetHeaders(header) {
		for _, v := range strings.Split(h.Value(), ",") {
			if strings.EqualFold(strings.TrimSpace(v), tag) {
				return true
			}
		}
	}
	return false
}

// RSeq значение заголовка RSeq, 0 при отсутствии
func RSeq(msg sip.Message) uint32 {
	v, err := strconv.ParseUint(HeaderValue(msg, "RSeq"), 10, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

// RAck заголовок RAck для PRACK на надежный предварительный ответ
func RAck(res *sip.Response) sip.Header {
	cseq := res.CSeq()
	return sip.NewHeader("RAck", fmt.Sprintf("%d %d %s", RSeq(res), cseq.SeqNo, cseq.MethodName))
}

// Reason заголовок Reason (RFC 3326)
func Reason(code int, text string) sip.Header {
	if text == "" {
		text = ReasonPhrase(code)
	}
	return sip.NewHeader("Reason", fmt.Sprintf("SIP ;cause=%d ;text=\"%s\"", code, text))
}

// RecordRoutes адреса из Record-Route в порядке появления
func RecordRoutes(msg sip.Message) []sip.Uri {
	var routes []sip.Uri
	for _, h := range msg.GetHeaders("Record-Route") {
		for _, v := range splitAddressList(h.Value()) {
			var uri sip.Uri
			if err := sip.ParseUri(stripAngles(v), &uri); err == nil {
				routes = append(routes, uri)
			}
		}
	}
	return routes
}

func splitAddressList(v string) []string {
	var out []string
	depth, start := 0, 0
	for i, c := range v {
		switch c {
		case '<':
			depth++
		case '>':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(v[start:i]))
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(v[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

// stripAngles извлекает URI из name-addr
func stripAngles(v string) string {
	v = strings.TrimSpace(v)
	if i := strings.IndexByte(v, '<'); i >= 0 {
		if j := strings.IndexByte(v[i:], '>'); j > 0 {
			return v[i+1 : i+j]
		}
	}
	return v
}

// NewCancelRequest строит CANCEL для отправленного INVITE (RFC 3261 9.1)
func NewCancelRequest(invite *sip.Request, reason sip.Header) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)
	if via := invite.Via(); via != nil {
		cancel.AppendHeader(sip.HeaderClone(via))
	}
	for _, name := range []string{"From", "To", "Call-ID"} {
		if h := invite.GetHeader(name); h != nil {
			cancel.AppendHeader(sip.HeaderClone(h))
		}
	}
	cancel.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo, MethodName: sip.CANCEL})
	maxForwards := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxForwards)
	for _, h := range invite.GetHeaders("Route") {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if reason != nil {
		cancel.AppendHeader(reason)
	}
	cancel.SetBody(nil)
	return cancel
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
