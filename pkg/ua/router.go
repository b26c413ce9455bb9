package ua

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sip_session/pkg/dialog"
	"github.com/arzzra/sip_session/pkg/session"
)

// router распределяет входящие запросы по сессиям. Работает на цикле событий.
type router struct {
	env        *session.Env
	onIncoming func(*session.ServerSession)
	log        *slog.Logger
}

func (r *router) route(in *dialog.Incoming) {
	req := in.Request
	if req.Method == sip.CANCEL {
		// CANCEL подтверждается сразу, 487 на INVITE отправляет сессия
		h, ok := r.env.Registry.Route(req)
		if !ok {
			r.reply(in, dialog.StatusCallDoesNotExist)
			return
		}
		r.reply(in, sip.StatusOK)
		h.ReceiveRequest(in)
		return
	}

	if h, ok := r.env.Registry.Route(req); ok {
		h.ReceiveRequest(in)
		return
	}

	switch req.Method {
	case sip.INVITE:
		if dialog.ToTag(req) == "" {
			r.newSession(in)
			return
		}
	case sip.ACK:
		// ACK без транзакции не отвечается
		r.log.Debug("Router: stray ACK", slog.String("call_id", callID(req)))
		return
	case sip.OPTIONS:
		if dialog.ToTag(req) == "" {
			if _, err := in.Reply(sip.StatusOK, "", nil, r.env.Config.AllowHeader()); err != nil {
				r.log.Warn("Router: reply OPTIONS", slog.Any("error", err))
			}
			return
		}
	}
	r.log.Debug("Router: no session for request",
		slog.String("method", string(req.Method)),
		slog.String("call_id", callID(req)))
	r.reply(in, dialog.StatusCallDoesNotExist)
}

func (r *router) newSession(in *dialog.Incoming) {
	s, err := session.NewServerSession(r.env, in)
	if err != nil {
		r.log.Warn("Router: incoming INVITE rejected", slog.Any("error", err))
		return
	}
	if r.onIncoming != nil {
		r.onIncoming(s)
	}
}

func (r *router) reply(in *dialog.Incoming, code int) {
	if _, err := in.Reply(code, "", nil); err != nil {
		r.log.Warn("Router: reply failed", slog.Int("code", code), slog.Any("error", err))
	}
}

func callID(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}
