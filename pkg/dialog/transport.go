package dialog

import (
	"github.com/emiago/sipgo/sip"
)

// Handlers обработчики исхода клиентской транзакции.
// Вызываются в цикле событий.
type Handlers struct {
	OnResponse       func(res *sip.Response)
	OnTimeout        func()
	OnTransportError func(err error)
}

// Dispatcher отправляет запросы в транспортный слой
type Dispatcher interface {
	// Send открывает клиентскую транзакцию (для ACK только отправка)
	Send(req *sip.Request, h Handlers)
	// Cancel отправляет CANCEL для ожидающего ответа INVITE
	Cancel(invite *sip.Request, reason sip.Header)
}

// Responder отправляет ответ в рамках серверной транзакции
type Responder interface {
	Respond(res *sip.Response) error
}
