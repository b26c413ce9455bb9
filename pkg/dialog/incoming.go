package dialog

import (
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// Incoming входящий запрос вместе с серверной транзакцией
type Incoming struct {
	Request *sip.Request

	tx      Responder
	final   bool
	onFinal []func()
}

func NewIncoming(req *sip.Request, tx Responder) *Incoming {
	return &Incoming{Request: req, tx: tx}
}

// Reply отправляет ответ на запрос. Пустая фраза заменяется стандартной.
func (in *Incoming) Reply(code int, reason string, body []byte, headers ...sip.Header) (*sip.Response, error) {
	if reason == "" {
		reason = ReasonPhrase(code)
	}
	res := sip.NewResponseFromRequest(in.Request, code, reason, nil)
	for _, h := range headers {
		res.AppendHeader(h)
	}
	if len(body) > 0 {
		res.SetBody(body)
	}
	if err := in.tx.Respond(res); err != nil {
		return nil, errors.Wrapf(err, "respond %d to %s", code, in.Request.Method)
	}
	if code >= 200 && !in.final {
		in.final = true
		for _, fn := range in.onFinal {
			fn()
		}
		in.onFinal = nil
	}
	return res, nil
}

// Resend повторно отправляет ранее построенный ответ (ретрансмиссия 2xx)
func (in *Incoming) Resend(res *sip.Response) error {
	return in.tx.Respond(res)
}

// Replied сообщает, был ли отправлен окончательный ответ
func (in *Incoming) Replied() bool {
	return in.final
}

// OnFinal регистрирует функцию, вызываемую после первого окончательного ответа
func (in *Incoming) OnFinal(fn func()) {
	if in.final {
		fn()
		return
	}
	in.onFinal = append(in.onFinal, fn)
}
