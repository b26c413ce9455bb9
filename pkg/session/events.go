package session

import (
	"time"

	"github.com/emiago/sipgo/sip"
)

// Originator сторона, инициировавшая событие
type Originator string

const (
	OriginatorLocal  Originator = "local"
	OriginatorRemote Originator = "remote"
)

// Event событие сессии. Набор реализаций закрыт.
type Event interface {
	Name() string
	isEvent()
}

// Observer получает события сессии в цикле событий
type Observer func(Event)

// Invite новая входящая сессия готова к ответу
type Invite struct {
	Request *sip.Request
}

// Connecting исходящий INVITE передан транспорту
type Connecting struct {
	Request *sip.Request
}

// Progress предварительный ответ
type Progress struct {
	Response   *sip.Response
	Originator Originator
}

// Accepted сессия установлена. Для UAS Response это отправленный 200.
type Accepted struct {
	Code     int
	Response *sip.Response
}

// Failed сессия не установлена или оборвана до подтверждения
type Failed struct {
	Message sip.Message
	Cause   Cause
	Code    int
	// Err локальный сбой (*Error таймаута или транспорта), иначе nil
	Err     error
}

// Rejected получен или отправлен окончательный отрицательный ответ
type Rejected struct {
	Message sip.Message
	Cause   Cause
}

// Referred перевод вызова: создана новая исходящая сессия
type Referred struct {
	Request    *sip.Request
	NewSession *ClientSession
}

// Terminated установленная сессия завершена
type Terminated struct {
	Message sip.Message
	Cause   Cause
	Err     error
}

// Canceled INVITE отменен
type Canceled struct{}

// Bye отправлен или получен BYE
type Bye struct {
	Request    *sip.Request
	Originator Originator
}

// Hold удержание
type Hold struct {
	Originator Originator
}

// Unhold снятие с удержания
type Unhold struct {
	Originator Originator
}

// Muted треки выключены локально
type Muted struct {
	Audio bool
	Video bool
}

// Unmuted треки включены локально
type Unmuted struct {
	Audio bool
	Video bool
}

// DTMF отправлен или получен тон
type DTMF struct {
	Tone       rune
	Duration   time.Duration
	Originator Originator
}

func (Invite) Name() string     { return "invite" }
func (Connecting) Name() string { return "connecting" }
func (Progress) Name() string   { return "progress" }
func (Accepted) Name() string   { return "accepted" }
func (Failed) Name() string     { return "failed" }
func (Rejected) Name() string   { return "rejected" }
func (Referred) Name() string   { return "referred" }
func (Terminated) Name() string { return "terminated" }
func (Canceled) Name() string   { return "canceled" }
func (Bye) Name() string        { return "bye" }
func (Hold) Name() string       { return "hold" }
func (Unhold) Name() string     { return "unhold" }
func (Muted) Name() string      { return "muted" }
func (Unmuted) Name() string    { return "unmuted" }
func (DTMF) Name() string       { return "dtmf" }

func (Invite) isEvent()     {}
func (Connecting) isEvent() {}
func (Progress) isEvent()   {}
func (Accepted) isEvent()   {}
func (Failed) isEvent()     {}
func (Rejected) isEvent()   {}
func (Referred) isEvent()   {}
func (Terminated) isEvent() {}
func (Canceled) isEvent()   {}
func (Bye) isEvent()        {}
func (Hold) isEvent()       {}
func (Unhold) isEvent()     {}
func (Muted) isEvent()      {}
func (Unmuted) isEvent()    {}
func (DTMF) isEvent()       {}

func statusCodeOf(msg sip.Message) int {
	if res, ok := msg.(*sip.Response); ok && res != nil {
		return res.StatusCode
	}
	return 0
}
