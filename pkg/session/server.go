package session

import (
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/sip_session/pkg/dialog"
	"github.com/arzzra/sip_session/pkg/loop"
	"github.com/arzzra/sip_session/pkg/media"
)

// ProgressOptions параметры предварительного ответа
type ProgressOptions struct {
	// StatusCode 1xx, по умолчанию 180 (183 для надежного ответа)
	StatusCode int
	Reason     string
	Headers    []sip.Header
	Body       []byte
	// Rel100 запросить надежную доставку, если удаленная сторона поддерживает 100rel
	Rel100 bool
	Hint   *media.Hint
}

// AcceptOptions параметры ответа 200 на INVITE
type AcceptOptions struct {
	Headers []sip.Header
	Hint    *media.Hint
}

// ServerSession входящая сессия (UAS)
type ServerSession struct {
	*core

	invite  *dialog.Incoming
	rel100  Rel100
	expires time.Duration
	final   *sip.Response

	// BYE, отложенный до ACK на отправленный 2xx
	lingering    *dialog.Dialog
	lingerOpts   TerminateOptions
	lingerHandle loop.Handle
}

// NewServerSession принимает входящий INVITE. При ошибке INVITE уже получил
// отрицательный ответ. Событие Invite публикуется не раньше следующего шага
// цикла, поэтому обработчики можно подключить сразу после создания.
func NewServerSession(env *Env, in *dialog.Incoming) (*ServerSession, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	req := in.Request
	ct := dialog.ContentType(req)
	disp := dialog.ContentDisposition(req)
	body := req.Body()

	var renderBody []byte
	var renderType string
	switch {
	case len(body) > 0 && ((disp == "" && ct != dialog.ContentTypeSDP) || disp == "render"):
		renderBody, renderType = body, ct
	case ct != dialog.ContentTypeSDP && disp == "session":
		if _, err := in.Reply(dialog.StatusUnsupportedMedia, "", nil); err != nil {
			env.Logger.Error("NewServerSession reply", slog.Any("error", err))
		}
		return nil, newProtocolError("", "invite", errors.Errorf("unsupported session body %q", ct))
	}

	s := &ServerSession{invite: in}
	s.core = newCore(env, req.CallID().Value()+dialog.FromTag(req), dialog.RoleUAS, s)
	s.status = StatusInviteReceived
	s.renderBody, s.renderType = renderBody, renderType
	s.log = s.log.With(slog.String("call_id", req.CallID().Value()))
	env.Registry.addSession(s)

	if v := dialog.HeaderValue(req, "Expires"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			s.expires = time.Duration(sec) * time.Second
		}
	}

	switch {
	case dialog.HasOptionTag(req, "Require", "100rel"):
		s.rel100 = Rel100Required
	case dialog.HasOptionTag(req, "Supported", "100rel"):
		s.rel100 = Rel100Supported
	default:
		s.rel100 = Rel100None
	}

	dialog.SetToTag(req, dialog.NewTag())

	if !s.createDialog(req, true) {
		s.reply(in, sip.StatusInternalServerError, dialog.ErrMissingContact.Error(), nil)
		return nil, newProtocolError(s.id, "invite", dialog.ErrMissingContact)
	}

	if len(body) == 0 || renderBody != nil {
		s.post(s.fireNewSession)
		return s, nil
	}

	s.oa.markOffer()
	s.apply(s.media, body, func(err error) {
		if err != nil {
			s.log.Warn("NewServerSession invalid SDP", slog.Any("error", err))
			res := s.reply(in, sip.StatusNotAcceptableHere, "", nil)
			s.failed(res, CauseBadMediaDescription)
			return
		}
		s.fireNewSession()
	})
	return s, nil
}

// Request исходный INVITE
func (s *ServerSession) Request() *sip.Request {
	return s.invite.Request
}

// Rel100 поддержка надежных предварительных ответов удаленной стороной
func (s *ServerSession) Rel100() Rel100 {
	return s.rel100
}

func (s *ServerSession) fireNewSession() {
	if s.status != StatusInviteReceived {
		return
	}
	if s.rel100 != Rel100Required {
		if err := s.Progress(ProgressOptions{}); err != nil {
			s.log.Warn("ServerSession.fireNewSession progress", slog.Any("error", err))
		}
	}
	s.setStatus(StatusWaitingForAnswer)

	req := s.invite.Request
	s.timers.arm(timerUserNoAnswer, s.env.Config.NoAnswerTimeout, func() {
		if !s.status.answering() {
			return
		}
		res := s.reply(s.invite, sip.StatusRequestTimeout, "", nil)
		s.failedWith(res, CauseNoAnswer, newTimeoutError(s.id, "answer"))
	})

	// RFC 3261 13.3.1
	if s.expires > 0 {
		s.timers.arm(timerExpires, s.expires, func() {
			if s.status != StatusWaitingForAnswer {
				return
			}
			res := s.reply(s.invite, dialog.StatusRequestTerminated, "", nil)
			s.failedWith(res, CauseExpires, newTimeoutError(s.id, "expires"))
		})
	}

	s.log.Info("ServerSession new incoming session")
	s.emit(Invite{Request: req})
}

// Progress отправляет предварительный ответ. Надежный ответ (RFC 3262)
// отправляется, если 100rel требует удаленная сторона или он запрошен
// и поддерживается.
func (s *ServerSession) Progress(opts ProgressOptions) error {
	code := opts.StatusCode
	if code != 0 && (code < 100 || code > 199) {
		return newInvalidArgument(s.id, "progress", "invalid status code %d", code)
	}

	reliable := code != 100 &&
		(s.rel100 == Rel100Required || (s.rel100 == Rel100Supported && opts.Rel100))

	switch s.status {
	case StatusInviteReceived, StatusWaitingForAnswer:
	case StatusWaitingForPrack, StatusAnsweredWaitingForPrack, StatusEarlyMedia:
		// второй надежный ответ до PRACK на первый запрещен (RFC 3262 3)
		if reliable {
			return newInvalidState(s.id, s.status, "progress").WithField("reliable", true)
		}
	default:
		return newInvalidState(s.id, s.status, "progress")
	}
	if opts.Hint != nil {
		s.hint = *opts.Hint
	}

	if reliable {
		if code == 0 {
			code = dialog.StatusSessionProgress
		}
		s.reliableProgress(code, opts)
		return nil
	}

	if code == 0 {
		code = sip.StatusRinging
	}
	headers := append([]sip.Header{s.contactHeader()}, opts.Headers...)
	if len(opts.Body) > 0 {
		headers = append(headers, contentTypeHeader(dialog.ContentTypeSDP))
	}
	res := s.reply(s.invite, code, opts.Reason, opts.Body, headers...)
	if res != nil {
		s.emit(Progress{Response: res, Originator: OriginatorLocal})
	}
	return nil
}

func (s *ServerSession) reliableProgress(code int, opts ProgressOptions) {
	s.setStatus(StatusWaitingForPrack)
	rseq := 1 + rand.IntN(9999)
	headers := append([]sip.Header{
		s.contactHeader(),
		sip.NewHeader("Require", "100rel"),
		sip.NewHeader("RSeq", strconv.Itoa(rseq)),
		contentTypeHeader(dialog.ContentTypeSDP),
	}, opts.Headers...)

	s.describe(s.media, func(body []byte, err error) {
		if err != nil {
			s.log.Error("ServerSession.Progress local description", slog.Any("error", err))
			s.failed(nil, CauseMediaError)
			return
		}
		if s.status != StatusWaitingForPrack && s.status != StatusAnsweredWaitingForPrack {
			return
		}
		s.earlySDP = body
		s.oa.record()

		res := s.reply(s.invite, code, opts.Reason, body, headers...)
		if res == nil {
			s.failed(nil, CauseConnection)
			return
		}

		// повтор до получения PRACK, интервал удваивается
		timeout := s.env.Config.T1
		var retransmit func()
		retransmit = func() {
			if err := s.invite.Resend(res); err != nil {
				s.log.Warn("ServerSession reliable 1xx retransmission", slog.Any("error", err))
			}
			timeout *= 2
			s.timers.arm(timerRel1xx, timeout, retransmit)
		}
		s.timers.arm(timerRel1xx, timeout, retransmit)

		s.timers.arm(timerPrack, s.env.Config.PrackTimeout(), func() {
			if s.status != StatusWaitingForPrack && s.status != StatusAnsweredWaitingForPrack {
				return
			}
			s.log.Info("ServerSession no PRACK received, rejecting the call")
			s.timers.cancel(timerRel1xx)
			s.reply(s.invite, dialog.StatusServerTimeout, "", nil)
			s.terminatedWith(nil, CauseNoPrack, newTimeoutError(s.id, "prack"))
		})

		s.emit(Progress{Response: res, Originator: OriginatorLocal})
	})
}

// Accept отвечает 200 на INVITE. В WAITING_FOR_PRACK ответ откладывается до PRACK.
func (s *ServerSession) Accept(opts AcceptOptions) error {
	switch s.status {
	case StatusWaitingForPrack:
		s.setStatus(StatusAnsweredWaitingForPrack)
		return nil
	case StatusWaitingForAnswer:
		s.setStatus(StatusAnswered)
	case StatusEarlyMedia:
	default:
		return newInvalidState(s.id, s.status, "accept")
	}
	if opts.Hint != nil {
		s.hint = *opts.Hint
	}

	if !s.createDialog(s.invite.Request, false) {
		s.reply(s.invite, sip.StatusInternalServerError, dialog.ErrMissingContact.Error(), nil)
		return newProtocolError(s.id, "accept", dialog.ErrMissingContact)
	}
	s.timers.cancel(timerUserNoAnswer, timerExpires)

	headers := append([]sip.Header{s.contactHeader()}, opts.Headers...)
	if s.status == StatusEarlyMedia {
		s.answer(nil, headers)
		return nil
	}
	s.describe(s.media, func(body []byte, err error) {
		if err != nil {
			s.log.Error("ServerSession.Accept local description", slog.Any("error", err))
			s.failed(nil, CauseMediaError)
			return
		}
		s.answer(body, headers)
	})
	return nil
}

func (s *ServerSession) answer(body []byte, headers []sip.Header) {
	s.oa.record()
	if len(body) > 0 {
		headers = append(headers, contentTypeHeader(dialog.ContentTypeSDP))
	}
	res := s.reply(s.invite, sip.StatusOK, "", body, headers...)
	if res == nil {
		s.failed(nil, CauseConnection)
		return
	}
	s.final = res
	s.setStatus(StatusWaitingForAck)
	s.setInvite2xxTimer(s.invite, res)
	s.setACKTimer()
	if s.oa.phase() == phaseAnswered {
		s.accepted(res)
	}
}

// Reject отклоняет INVITE, по умолчанию 480
func (s *ServerSession) Reject(opts TerminateOptions) error {
	if !s.status.answering() {
		return newInvalidState(s.id, s.status, "reject")
	}
	code := opts.StatusCode
	if code == 0 {
		code = sip.StatusTemporarilyUnavailable
	}
	if code < 300 || code >= 700 {
		return newInvalidArgument(s.id, "reject", "invalid status code %d", code)
	}

	s.log.Info("ServerSession.Reject", slog.Int("code", code))
	res := s.reply(s.invite, code, opts.Reason, opts.Body, opts.Headers...)
	s.rejected(res, CauseRejected)
	s.failed(res, CauseRejected)
	return nil
}

// Terminate завершает сессию способом, допустимым в текущем состоянии
func (s *ServerSession) Terminate(opts TerminateOptions) error {
	switch s.status {
	case StatusTerminated:
		return nil
	case StatusWaitingForAck:
		s.byeAfterAck(opts)
		return nil
	case StatusConfirmed:
		return s.Bye(opts)
	}
	return s.Reject(opts)
}

// byeAfterAck завершает сессию сразу, а BYE отправляет после ACK на 2xx
func (s *ServerSession) byeAfterAck(opts TerminateOptions) {
	d := s.dialog
	s.dialog = nil
	s.lingering = d
	s.lingerOpts = opts
	s.lingerHandle = s.env.Scheduler.After(s.env.Config.TimerH, s.sendLingeringBye)

	s.emit(Bye{Originator: OriginatorLocal})
	s.terminated(nil, CauseBye)
}

func (s *ServerSession) sendLingeringBye() {
	d := s.lingering
	if d == nil {
		return
	}
	s.lingering = nil
	if s.lingerHandle != nil {
		s.lingerHandle.Cancel()
		s.lingerHandle = nil
	}
	_, err := d.SendRequest(sip.BYE, dialog.RequestOptions{
		Headers:  s.lingerOpts.reasonHeaders(),
		Body:     s.lingerOpts.Body,
		Handlers: dialog.Handlers{OnResponse: ignoreResponse},
	})
	if err != nil {
		s.log.Warn("ServerSession deferred BYE", slog.Any("error", err))
	}
	d.Terminate()
	s.env.Registry.removeDialog(d.Key())
}

// ReceiveRequest запрос внутри сессии
func (s *ServerSession) ReceiveRequest(in *dialog.Incoming) {
	req := in.Request
	if s.terminatedStatus() {
		switch {
		case req.Method == sip.ACK:
			s.sendLingeringBye()
		case req.Method != sip.CANCEL:
			s.reply(in, dialog.StatusCallDoesNotExist, "", nil)
		}
		return
	}
	if d := s.dialogFor(req); d != nil && !d.ReceiveRequest(in) {
		return
	}

	switch req.Method {
	case sip.CANCEL:
		s.receiveCancel(req)
	case sip.ACK:
		if s.status == StatusWaitingForAck {
			s.receiveAck(in)
		}
	case sip.PRACK:
		s.receivePrack(in)
	case sip.BYE:
		s.receiveBye(in)
	case sip.INVITE:
		if s.status != StatusConfirmed {
			s.replyRetryLater(in)
			return
		}
		s.log.Debug("ServerSession re-INVITE received")
		s.receiveReinvite(in)
	case sip.INFO:
		if !s.status.established() {
			s.replyRetryLater(in)
			return
		}
		s.receiveInfo(in)
	case sip.REFER:
		if s.status != StatusConfirmed {
			s.replyRetryLater(in)
			return
		}
		s.receiveRefer(in)
	default:
		s.receiveOther(in)
	}
}

// receiveCancel CANCEL действует только до подтверждения сессии (RFC 3261 15)
func (s *ServerSession) receiveCancel(req *sip.Request) {
	if !s.status.answering() {
		return
	}
	s.setStatus(StatusCanceled)
	s.reply(s.invite, dialog.StatusRequestTerminated, "", nil)
	s.canceled()
	s.rejected(req, CauseCanceled)
	s.failed(req, CauseCanceled)
}

func (s *ServerSession) receiveAck(in *dialog.Incoming) {
	req := in.Request
	confirm := func() {
		s.timers.cancel(timerAck, timerInvite2xx)
		s.setStatus(StatusConfirmed)
		s.Unmute(allTracks)
		s.accepted(s.final)
		if ct := dialog.ContentType(req); ct != dialog.ContentTypeSDP && len(req.Body()) > 0 {
			s.renderBody, s.renderType = req.Body(), ct
		}
	}

	if s.ackAnswer {
		s.receiveReinviteAck(in, confirm)
		return
	}
	if s.oa.phase() == phaseAnswered {
		confirm()
		return
	}

	// ACK несет answer на offer из 200
	if len(req.Body()) > 0 && dialog.ContentType(req) == dialog.ContentTypeSDP {
		s.oa.markAnswer()
		s.apply(s.media, req.Body(), func(err error) {
			if err != nil {
				s.log.Warn("ServerSession ACK answer rejected", slog.Any("error", err))
				s.failBadMedia(req)
				return
			}
			confirm()
		})
		return
	}
	if s.earlySDP != nil {
		confirm()
		return
	}
	s.failBadMedia(req)
}

// failBadMedia завершает сессию после 2xx: BYE с Reason 488 и failed
func (s *ServerSession) failBadMedia(msg sip.Message) {
	s.timers.cancel(timerAck, timerInvite2xx)
	s.sendRequest(sip.BYE, sendOptions{
		headers:    []sip.Header{dialog.Reason(sip.StatusNotAcceptableHere, "Bad Media Description")},
		onResponse: ignoreResponse,
	})
	s.failed(msg, CauseBadMediaDescription)
}

func (s *ServerSession) receivePrack(in *dialog.Incoming) {
	req := in.Request
	switch s.status {
	case StatusWaitingForPrack, StatusAnsweredWaitingForPrack:
	case StatusEarlyMedia:
		s.reply(in, sip.StatusOK, "", nil)
		return
	default:
		s.reply(in, dialog.StatusCallDoesNotExist, "", nil)
		return
	}

	if s.oa.phase() == phaseAnswered {
		s.prackDone(in)
		return
	}
	if len(req.Body()) == 0 || dialog.ContentType(req) != dialog.ContentTypeSDP {
		s.prackFailed(in)
		return
	}
	s.oa.markAnswer()
	s.apply(s.media, req.Body(), func(err error) {
		if err != nil {
			s.log.Warn("ServerSession PRACK answer rejected", slog.Any("error", err))
			s.prackFailed(in)
			return
		}
		s.prackDone(in)
	})
}

func (s *ServerSession) prackDone(in *dialog.Incoming) {
	s.timers.cancel(timerRel1xx, timerPrack)
	s.reply(in, sip.StatusOK, "", nil)

	answered := s.status == StatusAnsweredWaitingForPrack
	s.setStatus(StatusEarlyMedia)
	s.Mute(allTracks)
	if answered {
		if err := s.Accept(AcceptOptions{}); err != nil {
			s.log.Error("ServerSession deferred accept", slog.Any("error", err))
		}
	}
}

func (s *ServerSession) prackFailed(in *dialog.Incoming) {
	s.timers.cancel(timerRel1xx, timerPrack)
	s.reply(in, sip.StatusNotAcceptableHere, "", nil)
	res := s.reply(s.invite, sip.StatusNotAcceptableHere, "Bad Media Description", nil)
	s.rejected(res, CauseBadMediaDescription)
	s.failed(res, CauseBadMediaDescription)
}

func (s *ServerSession) receiveBye(in *dialog.Incoming) {
	req := in.Request
	switch {
	case s.status.established():
		s.reply(in, sip.StatusOK, "", nil)
		s.emit(Bye{Request: req, Originator: OriginatorRemote})
		s.terminated(req, CauseBye)
	case s.status.answering():
		// BYE в раннем диалоге от вызывающей стороны
		s.reply(in, sip.StatusOK, "", nil)
		s.reply(s.invite, dialog.StatusRequestTerminated, "", nil)
		s.emit(Bye{Request: req, Originator: OriginatorRemote})
		s.failed(req, CauseBye)
	default:
		s.reply(in, dialog.StatusCallDoesNotExist, "", nil)
	}
}
