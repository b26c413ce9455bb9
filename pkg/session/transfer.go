package session

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/sip_session/pkg/dialog"
)

// TerminateOptions параметры завершения: BYE, отказ или CANCEL
type TerminateOptions struct {
	// StatusCode код для ответа на INVITE или для заголовка Reason
	StatusCode int
	Reason     string
	Headers    []sip.Header
	Body       []byte
}

func (o TerminateOptions) reasonHeaders() []sip.Header {
	headers := append([]sip.Header(nil), o.Headers...)
	if o.StatusCode != 0 {
		headers = append(headers, dialog.Reason(o.StatusCode, o.Reason))
	}
	return headers
}

// ReferOptions параметры REFER
type ReferOptions struct {
	Headers []sip.Header
	Body    []byte
}

// Transferable сессия, диалог которой можно заменить при переводе
type Transferable interface {
	Dialog() *dialog.Dialog
}

// Bye завершает сессию запросом BYE
func (c *core) Bye(opts TerminateOptions) error {
	if c.terminatedStatus() {
		return newInvalidState(c.id, c.status, "bye")
	}
	if opts.StatusCode != 0 && (opts.StatusCode < 200 || opts.StatusCode >= 700) {
		return newInvalidArgument(c.id, "bye", "invalid status code %d", opts.StatusCode)
	}
	if c.dialog == nil {
		return newInvalidState(c.id, c.status, "bye").WithField("reason", "no dialog")
	}
	c.log.Info("Session.Bye")
	c.sendRequest(sip.BYE, sendOptions{
		headers:    opts.reasonHeaders(),
		body:       opts.Body,
		onResponse: ignoreResponse,
	})
	c.terminated(nil, CauseBye)
	return nil
}

// Refer слепой перевод вызова на target
func (c *core) Refer(target sip.Uri, opts ReferOptions) error {
	if c.status != StatusConfirmed {
		return newInvalidState(c.id, c.status, "refer")
	}
	rt := &dialog.ReferTo{Target: target}
	if err := rt.Validate(); err != nil {
		return newInvalidArgument(c.id, "refer", "invalid target %s", target.String()).WithCause(err)
	}
	return c.sendRefer(rt, opts)
}

// ReferReplaces сопровождаемый перевод: удаленная сторона заменяет
// диалог other новым вызовом (RFC 3891)
func (c *core) ReferReplaces(other Transferable, opts ReferOptions) error {
	if c.dialog == nil {
		return newInvalidState(c.id, c.status, "refer")
	}
	if other == nil || other.Dialog() == nil {
		return newInvalidArgument(c.id, "refer", "target session has no dialog")
	}
	d := other.Dialog()
	key := d.Key()
	rt := &dialog.ReferTo{
		Target: d.RemoteTarget(),
		Replaces: &dialog.Replaces{
			CallID:  key.CallID,
			ToTag:   key.RemoteTag,
			FromTag: key.LocalTag,
		},
	}
	return c.sendRefer(rt, opts)
}

func (c *core) sendRefer(rt *dialog.ReferTo, opts ReferOptions) error {
	headers := append([]sip.Header{
		c.contactHeader(),
		c.allowHeader(),
		rt.Header(),
	}, opts.Headers...)
	c.log.Info("Session.Refer", slog.String("target", rt.Target.String()))
	c.sendRequest(sip.REFER, sendOptions{headers: headers, body: opts.Body})
	return c.self.Terminate(TerminateOptions{})
}

// receiveRefer входящий REFER: уведомление, новая исходящая сессия
// и завершение текущей. Старая и новая сессии не связаны.
func (c *core) receiveRefer(in *dialog.Incoming) {
	req := in.Request
	h := req.GetHeader("Refer-To")
	if h == nil {
		c.reply(in, sip.StatusBadRequest, "Missing Refer-To", nil)
		return
	}
	rt, err := dialog.ParseReferTo(h.Value())
	if err != nil {
		c.log.Warn("Session.receiveRefer", slog.Any("error", err))
		c.reply(in, sip.StatusBadRequest, "Invalid Refer-To", nil)
		return
	}

	c.log.Info("Session.receiveRefer", slog.String("target", rt.Target.String()))
	c.reply(in, sip.StatusAccepted, "Accepted", nil)
	c.sendRequest(sip.NOTIFY, sendOptions{
		headers: []sip.Header{
			sip.NewHeader("Event", "refer"),
			sip.NewHeader("Subscription-State", "terminated"),
			contentTypeHeader(dialog.ContentTypeSipfrag),
		},
		body: []byte("SIP/2.0 100 Trying"),
	})

	c.media.StopLocalMedia()

	var inviteHeaders []sip.Header
	if rt.Replaces != nil {
		inviteHeaders = append(inviteHeaders, sip.NewHeader("Replaces", rt.Replaces.String()))
	}
	// referred публикуется только с созданной сессией
	ns, err := NewClientSession(c.env, rt.Target, InviteOptions{Headers: inviteHeaders, Hint: c.hint})
	if err != nil {
		c.log.Error("Session.receiveRefer new session", slog.Any("error", errors.WithStack(err)))
	} else {
		if err := ns.Invite(); err != nil {
			c.log.Error("Session.receiveRefer invite", slog.Any("error", err))
		}
		c.referred(req, ns)
	}
	if err := c.self.Terminate(TerminateOptions{}); err != nil {
		c.log.Warn("Session.receiveRefer terminate", slog.Any("error", err))
	}
}
