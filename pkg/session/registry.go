package session

import (
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sip_session/pkg/dialog"
)

// Handler получатель входящих запросов внутри сессии
type Handler interface {
	ID() string
	ReceiveRequest(in *dialog.Incoming)
}

// Registry сессии и диалоги, по которым маршрутизируются входящие запросы.
// Используется только из цикла событий.
type Registry struct {
	sessions map[string]Handler
	dialogs  map[dialog.Key]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]Handler),
		dialogs:  make(map[dialog.Key]Handler),
	}
}

func (r *Registry) addSession(h Handler) {
	r.sessions[h.ID()] = h
}

func (r *Registry) removeSession(id string) {
	delete(r.sessions, id)
}

func (r *Registry) addDialog(key dialog.Key, h Handler) {
	r.dialogs[key] = h
}

func (r *Registry) removeDialog(key dialog.Key) {
	delete(r.dialogs, key)
}

// Session сессия по идентификатору
func (r *Registry) Session(id string) (Handler, bool) {
	h, ok := r.sessions[id]
	return h, ok
}

// Len число зарегистрированных сессий
func (r *Registry) Len() int {
	return len(r.sessions)
}

// Dialogs число зарегистрированных диалогов
func (r *Registry) Dialogs() int {
	return len(r.dialogs)
}

// Route находит сессию для входящего запроса: сначала по диалогу,
// затем по идентификатору сессии UAC (Call-ID + To tag)
// и UAS (Call-ID + From tag).
func (r *Registry) Route(req *sip.Request) (Handler, bool) {
	key := dialog.KeyOf(req)
	if key.LocalTag != "" {
		if h, ok := r.dialogs[key]; ok {
			return h, true
		}
		if h, ok := r.sessions[key.CallID+key.LocalTag]; ok {
			return h, true
		}
	}
	if h, ok := r.sessions[key.CallID+key.RemoteTag]; ok {
		return h, true
	}
	return nil, false
}
