// Package session реализует INVITE сессию (RFC 3261, RFC 3262):
// общий автомат состояний для ролей UAC и UAS, таймеры протокола,
// повторное согласование медиа, перевод вызова и DTMF.
//
// Все методы сессии вызываются из одного цикла событий (pkg/loop).
// Ответы транспорта, завершение согласования медиа и таймеры
// возвращаются в этот же цикл, поэтому сессия не использует блокировок.
package session

import (
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/eapache/queue"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sip_session/pkg/dialog"
	"github.com/arzzra/sip_session/pkg/media"
)

// owner роль-специфичная обертка над core
type owner interface {
	Handler
	Terminate(opts TerminateOptions) error
}

// core общая часть сессии для обеих ролей
type core struct {
	env  *Env
	id   string
	role dialog.Role
	log  *slog.Logger
	self owner

	status Status
	dialog *dialog.Dialog
	early  map[dialog.Key]*dialog.Dialog
	// отдельные negotiator'ы ранних диалогов (INVITE без SDP)
	earlyMedia map[dialog.Key]media.Negotiator

	media media.Negotiator
	hint  media.Hint
	oa    offerAnswer

	timers  *timerSet
	pending actionQueue

	localHold  bool
	remoteHold bool

	tones *queue.Queue

	earlySDP   []byte
	renderBody []byte
	renderType string

	// ожидается answer в ACK на re-INVITE без тела
	ackAnswer bool

	reinvite     *reinviteOptions
	glareRetried bool

	observers    []Observer
	ended        bool
	acceptedSent bool
	canceledSent bool

	startTime time.Time
	endTime   time.Time
}

func newCore(env *Env, id string, role dialog.Role, self owner) *core {
	c := &core{
		env:        env,
		id:         id,
		role:       role,
		self:       self,
		status:     StatusNull,
		early:      make(map[dialog.Key]*dialog.Dialog),
		earlyMedia: make(map[dialog.Key]media.Negotiator),
		hint:       media.DefaultHint(),
	}
	c.log = env.Logger.With(
		slog.String("session_id", id),
		slog.String("role", role.String()))
	c.timers = newTimerSet(env.Scheduler, func(slot timerSlot) {
		env.Metrics.timerFired(slot)
		c.log.Debug("Session.Timer", slog.String("timer", slot.String()), slog.String("status", c.status.String()))
	})
	c.media = env.Negotiators()
	env.Metrics.sessionCreated(role.String())
	return c
}

// ID идентификатор сессии
func (c *core) ID() string {
	return c.id
}

// Status текущее состояние
func (c *core) Status() Status {
	return c.status
}

// Dialog подтвержденный диалог, nil до установления сессии
func (c *core) Dialog() *dialog.Dialog {
	return c.dialog
}

// Media negotiator сессии
func (c *core) Media() media.Negotiator {
	return c.media
}

// IsOnHold состояние удержания: локальное и удаленное
func (c *core) IsOnHold() (local, remote bool) {
	return c.localHold, c.remoteHold
}

// StartTime момент установления сессии
func (c *core) StartTime() time.Time {
	return c.startTime
}

// EndTime момент завершения сессии
func (c *core) EndTime() time.Time {
	return c.endTime
}

// RenderBody тело, не относящееся к сессии (Content-Disposition: render)
func (c *core) RenderBody() ([]byte, string) {
	return c.renderBody, c.renderType
}

// Observe регистрирует получателя событий
func (c *core) Observe(fn Observer) {
	c.observers = append(c.observers, fn)
}

func (c *core) emit(ev Event) {
	c.log.Debug("Session.Event", slog.String("event", ev.Name()), slog.String("status", c.status.String()))
	for _, fn := range c.observers {
		fn(ev)
	}
}

func (c *core) setStatus(to Status) bool {
	from := c.status
	if !CanTransition(from, to) {
		c.log.Error("Session.setStatus illegal transition",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		return false
	}
	if from != to {
		c.log.Debug("Session.setStatus", slog.String("from", from.String()), slog.String("to", to.String()))
	}
	c.status = to
	return true
}

func (c *core) terminatedStatus() bool {
	return c.status == StatusTerminated
}

// post возвращает продолжение в цикл событий. Продолжение не выполняется,
// если сессия к этому моменту завершена.
func (c *core) post(fn func()) {
	c.env.Scheduler.Post(func() {
		if c.terminatedStatus() {
			return
		}
		fn()
	})
}

func (c *core) describe(n media.Negotiator, cb func(body []byte, err error)) {
	n.LocalDescription(c.hint, func(body []byte, err error) {
		c.post(func() { cb(body, err) })
	})
}

func (c *core) apply(n media.Negotiator, body []byte, cb func(err error)) {
	n.ApplyRemoteDescription(body, func(err error) {
		c.post(func() { cb(err) })
	})
}

// createDialog создает ранний диалог или подтверждает существующий.
// При подтверждении остальные ранние диалоги завершаются.
func (c *core) createDialog(msg sip.Message, early bool) bool {
	key := dialog.KeyOf(msg)
	if c.dialog != nil && c.dialog.Key() == key {
		return true
	}
	existing := c.early[key]

	if early {
		if existing != nil {
			return true
		}
		d, err := dialog.New(msg, c.role, dialog.StateEarly, c.dialogOptions())
		if err != nil {
			c.log.Error("Session.createDialog", slog.Any("error", err))
			c.failed(msg, CauseInternal)
			return false
		}
		c.early[d.Key()] = d
		c.env.Registry.addDialog(d.Key(), c.self)
		return true
	}

	if existing != nil {
		if err := existing.Update(msg); err != nil {
			c.log.Error("Session.createDialog update", slog.Any("error", err))
		}
		c.dialog = existing
		delete(c.early, key)
		c.dropEarlyDialogs()
		return true
	}

	d, err := dialog.New(msg, c.role, dialog.StateConfirmed, c.dialogOptions())
	if err != nil {
		c.log.Error("Session.createDialog", slog.Any("error", err))
		c.failed(msg, CauseInternal)
		return false
	}
	c.dialog = d
	c.env.Registry.addDialog(d.Key(), c.self)
	return true
}

func (c *core) dialogOptions() dialog.Options {
	return dialog.Options{Dispatcher: c.env.Dispatcher, Logger: c.log}
}

// dropEarlyDialogs завершает все ранние диалоги и их медиа
func (c *core) dropEarlyDialogs() {
	for key, d := range c.early {
		d.Terminate()
		c.env.Registry.removeDialog(key)
		delete(c.early, key)
	}
	for key, n := range c.earlyMedia {
		if n != c.media {
			n.Close()
		}
		delete(c.earlyMedia, key)
	}
}

// earlyNegotiator negotiator раннего диалога, создается при первом обращении
func (c *core) earlyNegotiator(key dialog.Key) media.Negotiator {
	n, ok := c.earlyMedia[key]
	if !ok {
		n = c.env.Negotiators()
		c.earlyMedia[key] = n
	}
	return n
}

func (c *core) readyToReinvite() bool {
	if c.dialog == nil || c.media == nil {
		return false
	}
	return c.media.IsReady() && !c.dialog.UACPendingReply() && !c.dialog.UASPendingReply()
}

// close освобождает ресурсы сессии. Повторный вызов ничего не делает.
func (c *core) close() {
	if c.terminatedStatus() {
		return
	}
	c.log.Info("Session.close", slog.String("status", c.status.String()))

	if c.media != nil {
		c.media.Close()
	}
	c.timers.cancelAll()
	c.tones = nil

	if c.dialog != nil {
		c.dialog.Terminate()
		c.env.Registry.removeDialog(c.dialog.Key())
		c.dialog = nil
	}
	c.dropEarlyDialogs()

	c.setStatus(StatusTerminated)
	c.env.Registry.removeSession(c.id)
	c.env.Metrics.sessionClosed()
}

// sendOptions параметры запроса внутри диалога
type sendOptions struct {
	headers    []sip.Header
	body       []byte
	cseq       uint32
	onResponse func(res *sip.Response)
}

func (c *core) sendRequest(method sip.RequestMethod, o sendOptions) *sip.Request {
	if c.dialog == nil {
		c.log.Warn("Session.sendRequest without dialog", slog.String("method", string(method)))
		return nil
	}
	return c.sendOn(c.dialog, method, o)
}

func (c *core) sendOn(d *dialog.Dialog, method sip.RequestMethod, o sendOptions) *sip.Request {
	var h dialog.Handlers
	if method != sip.ACK {
		h = dialog.Handlers{
			OnResponse:       o.onResponse,
			OnTimeout:        c.onRequestTimeout,
			OnTransportError: c.onTransportError,
		}
		if h.OnResponse == nil {
			h.OnResponse = c.receiveNonInviteResponse
		}
	}
	req, err := d.SendRequest(method, dialog.RequestOptions{
		Headers:  o.headers,
		Body:     o.body,
		CSeq:     o.cseq,
		Handlers: h,
	})
	if err != nil {
		c.log.Error("Session.sendRequest", slog.String("method", string(method)), slog.Any("error", err))
		return nil
	}
	if method == sip.BYE {
		c.emit(Bye{Request: req, Originator: OriginatorLocal})
	}
	return req
}

func (c *core) receiveNonInviteResponse(res *sip.Response) {
	if c.terminatedStatus() {
		return
	}
	switch res.StatusCode {
	case sip.StatusRequestTimeout, dialog.StatusCallDoesNotExist:
		c.onDialogError(res)
	}
}

func ignoreResponse(*sip.Response) {}

// acceptAndTerminate подтверждает 2xx и сразу завершает диалог
func (c *core) acceptAndTerminate(res *sip.Response, code int, reason string) {
	var headers []sip.Header
	if code != 0 {
		headers = append(headers, dialog.Reason(code, reason))
	}
	if c.dialog == nil && !c.createDialog(res, false) {
		return
	}
	c.sendRequest(sip.ACK, sendOptions{cseq: res.CSeq().SeqNo})
	c.sendRequest(sip.BYE, sendOptions{headers: headers, onResponse: ignoreResponse})
}

// killDialog подтверждает 2xx и завершает диалог, не связанный с сессией:
// проигравшее ответвление или ответ после завершения сессии
func (c *core) killDialog(res *sip.Response, state dialog.State) {
	d, err := dialog.New(res, dialog.RoleUAC, state, c.dialogOptions())
	if err != nil {
		c.log.Warn("Session.killDialog", slog.Any("error", err))
		return
	}
	h := dialog.Handlers{OnResponse: ignoreResponse}
	if _, err := d.SendRequest(sip.ACK, dialog.RequestOptions{CSeq: res.CSeq().SeqNo}); err != nil {
		c.log.Warn("Session.killDialog ACK", slog.Any("error", err))
	}
	if _, err := d.SendRequest(sip.BYE, dialog.RequestOptions{Handlers: h}); err != nil {
		c.log.Warn("Session.killDialog BYE", slog.Any("error", err))
	}
	d.Terminate()
}

func (c *core) onTransportError(err error) {
	c.log.Warn("Session.onTransportError", slog.Any("error", err))
	c.endWithError(nil, CauseConnection, newTransportError(c.id, "send", err))
}

func (c *core) onRequestTimeout() {
	c.endWithError(nil, CauseRequestTimeout, newTimeoutError(c.id, "request"))
}

func (c *core) onDialogError(res *sip.Response) {
	c.endWithCause(res, CauseDialogError)
}

// endWithCause завершает сессию: terminated для подтвержденной, иначе failed
func (c *core) endWithCause(msg sip.Message, cause Cause) {
	c.endWithError(msg, cause, nil)
}

func (c *core) endWithError(msg sip.Message, cause Cause, err error) {
	switch c.status {
	case StatusTerminated:
	case StatusConfirmed:
		c.terminatedWith(msg, cause, err)
	default:
		c.failedWith(msg, cause, err)
	}
}

// Mute выключает треки и публикует muted, если что-то изменилось
func (c *core) Mute(t media.Tracks) {
	if c.media == nil {
		return
	}
	if got := c.media.Mute(t); got.Any() {
		c.emit(Muted{Audio: got.Audio, Video: got.Video})
	}
}

// Unmute включает треки. При локальном удержании медиа остается выключенным.
func (c *core) Unmute(t media.Tracks) {
	if c.media == nil {
		return
	}
	if got := c.media.Unmute(t, c.localHold); got.Any() {
		c.emit(Unmuted{Audio: got.Audio, Video: got.Video})
	}
}

var allTracks = media.Tracks{Audio: true, Video: true}

func (c *core) onHold(o Originator) {
	if o == OriginatorLocal {
		c.localHold = true
	} else {
		c.remoteHold = true
	}
	c.emit(Hold{Originator: o})
}

func (c *core) onUnhold(o Originator) {
	if o == OriginatorLocal {
		c.localHold = false
	} else {
		c.remoteHold = false
	}
	c.emit(Unhold{Originator: o})
}

func (c *core) failed(msg sip.Message, cause Cause) {
	c.failedWith(msg, cause, nil)
}

// failedWith failed с локальной ошибкой, оборвавшей сессию
func (c *core) failedWith(msg sip.Message, cause Cause, err error) {
	first := !c.ended
	c.ended = true
	c.endTime = c.env.Scheduler.Now()
	c.close()
	if !first {
		return
	}
	c.env.Metrics.outcome("failed", cause)
	c.emit(Failed{Message: msg, Cause: cause, Code: statusCodeOf(msg), Err: err})
}

func (c *core) terminated(msg sip.Message, cause Cause) {
	c.terminatedWith(msg, cause, nil)
}

func (c *core) terminatedWith(msg sip.Message, cause Cause, err error) {
	first := !c.ended
	c.ended = true
	c.endTime = c.env.Scheduler.Now()
	c.close()
	if !first {
		return
	}
	c.env.Metrics.outcome("terminated", cause)
	c.emit(Terminated{Message: msg, Cause: cause, Err: err})
}

func (c *core) rejected(msg sip.Message, cause Cause) {
	c.env.Metrics.outcome("rejected", cause)
	c.emit(Rejected{Message: msg, Cause: cause})
}

func (c *core) canceled() {
	if c.canceledSent {
		return
	}
	c.canceledSent = true
	c.emit(Canceled{})
}

func (c *core) accepted(res *sip.Response) {
	if c.acceptedSent {
		return
	}
	c.acceptedSent = true
	c.startTime = c.env.Scheduler.Now()
	c.emit(Accepted{Code: statusCodeOf(res), Response: res})
}

func (c *core) referred(req *sip.Request, ns *ClientSession) {
	c.emit(Referred{Request: req, NewSession: ns})
}

func (c *core) connecting(req *sip.Request) {
	c.emit(Connecting{Request: req})
}

// setInvite2xxTimer повторяет 2xx до получения ACK (RFC 3261 13.3.1.4):
// уровень транзакций уничтожается после первого 2xx.
func (c *core) setInvite2xxTimer(in *dialog.Incoming, res *sip.Response) {
	timeout := c.env.Config.T1
	var retransmit func()
	retransmit = func() {
		if c.status != StatusWaitingForAck {
			return
		}
		if err := in.Resend(res); err != nil {
			c.log.Warn("Session.invite2xx retransmission", slog.Any("error", err))
		}
		timeout = min(timeout*2, c.env.Config.T2)
		c.timers.arm(timerInvite2xx, timeout, retransmit)
	}
	c.timers.arm(timerInvite2xx, timeout, retransmit)
}

// setACKTimer завершает вызов, если ACK не пришел за Timer H (RFC 3261 14.2)
func (c *core) setACKTimer() {
	c.timers.arm(timerAck, c.env.Config.TimerH, func() {
		if c.status != StatusWaitingForAck {
			return
		}
		c.log.Info("Session no ACK received, terminating the call")
		c.timers.cancel(timerInvite2xx)
		c.sendRequest(sip.BYE, sendOptions{onResponse: ignoreResponse})
		c.terminatedWith(nil, CauseNoAck, newTimeoutError(c.id, "ack"))
	})
}

func (c *core) contactHeader() sip.Header {
	return c.env.Identity.contactHeader()
}

func (c *core) allowHeader() sip.Header {
	return c.env.Config.AllowHeader()
}

func contentTypeHeader(v string) sip.Header {
	return sip.NewHeader("Content-Type", v)
}

func (c *core) reply(in *dialog.Incoming, code int, reason string, body []byte, headers ...sip.Header) *sip.Response {
	res, err := in.Reply(code, reason, body, headers...)
	if err != nil {
		c.log.Error("Session.reply", slog.Int("code", code), slog.Any("error", err))
		return nil
	}
	return res
}

// dialogFor диалог, к которому относится сообщение: подтвержденный или ранний
func (c *core) dialogFor(msg sip.Message) *dialog.Dialog {
	key := dialog.KeyOf(msg)
	if c.dialog != nil && c.dialog.Key() == key {
		return c.dialog
	}
	return c.early[key]
}

func (c *core) replyRetryLater(in *dialog.Incoming) {
	c.reply(in, sip.StatusInternalServerError, "", nil, sip.NewHeader("Retry-After", strconv.Itoa(1+rand.IntN(10))))
}

// receiveOther OPTIONS и NOTIFY внутри диалога, прочие методы не поддерживаются
func (c *core) receiveOther(in *dialog.Incoming) {
	switch in.Request.Method {
	case sip.OPTIONS:
		c.reply(in, sip.StatusOK, "", nil, c.allowHeader())
	case sip.NOTIFY:
		c.reply(in, sip.StatusOK, "", nil)
	default:
		c.reply(in, sip.StatusMethodNotAllowed, "", nil, c.allowHeader())
	}
}
