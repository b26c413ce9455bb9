package session

import (
	"log/slog"
	"math/rand/v2"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sip_session/pkg/dialog"
	"github.com/arzzra/sip_session/pkg/media"
)

var anonymousURI = sip.Uri{Scheme: "sip", User: "anonymous", Host: "anonymous.invalid"}

// InviteOptions параметры исходящего INVITE
type InviteOptions struct {
	Headers []sip.Header
	// Anonymous скрыть отправителя (RFC 3323, RFC 3325)
	Anonymous bool
	// WithoutSDP INVITE без offer: offer придет в ответе, answer уйдет в PRACK или ACK
	WithoutSDP bool
	// RenderBody тело для отображения, отправляется только с WithoutSDP
	RenderBody []byte
	RenderType string
	Hint       media.Hint
}

// ClientSession исходящая сессия (UAC)
type ClientSession struct {
	*core

	target  sip.Uri
	request *sip.Request
	opts    InviteOptions

	received100  bool
	isCanceled   bool
	cancelReason sip.Header
	cancelSent   bool

	// 2xx, пришедший до применения answer из надежного 1xx
	deferred2xx *sip.Response
	// ответвления, уже завершенные через ACK+BYE
	killed map[dialog.Key]bool
}

// NewClientSession готовит INVITE на target. Запрос отправляется методом Invite.
func NewClientSession(env *Env, target sip.Uri, opts InviteOptions) (*ClientSession, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	if target.Host == "" {
		return nil, newInvalidArgument("", "invite", "invalid target %q", target.String())
	}

	fromTag := dialog.NewTag()
	callID := dialog.NewCallID()
	id := env.Identity

	req := sip.NewRequest(sip.INVITE, target)
	from := &sip.FromHeader{
		DisplayName: id.DisplayName,
		Address:     id.URI,
		Params:      sip.NewParams().Add("tag", fromTag),
	}
	if opts.Anonymous {
		from.DisplayName = "Anonymous"
		from.Address = anonymousURI
	}
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})
	callIDHeader := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHeader)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1 + rand.Uint32N(10000), MethodName: sip.INVITE})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	if opts.Anonymous {
		req.AppendHeader(sip.NewHeader("P-Preferred-Identity", "<"+id.URI.String()+">"))
		req.AppendHeader(sip.NewHeader("Privacy", "id"))
	}
	req.AppendHeader(id.contactHeader())
	req.AppendHeader(env.Config.AllowHeader())
	switch env.Config.Rel100 {
	case Rel100Required:
		req.AppendHeader(sip.NewHeader("Require", "100rel"))
	case Rel100Supported:
		req.AppendHeader(sip.NewHeader("Supported", "100rel"))
	}
	if env.Config.UserAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", env.Config.UserAgent))
	}
	for _, h := range opts.Headers {
		req.AppendHeader(h)
	}

	s := &ClientSession{
		target:  target,
		request: req,
		opts:    opts,
		killed:  make(map[dialog.Key]bool),
	}
	s.core = newCore(env, callID+fromTag, dialog.RoleUAC, s)
	s.log = s.log.With(slog.String("call_id", callID))
	if opts.Hint.Audio || opts.Hint.Video {
		s.hint = opts.Hint
	}
	s.renderBody, s.renderType = opts.RenderBody, opts.RenderType
	return s, nil
}

// Request исходящий INVITE
func (s *ClientSession) Request() *sip.Request {
	return s.request
}

// Target адресат вызова
func (s *ClientSession) Target() sip.Uri {
	return s.target
}

// Invite отправляет INVITE. Без WithoutSDP запросу предшествует
// создание локального offer.
func (s *ClientSession) Invite() error {
	if s.status != StatusNull {
		return newInvalidState(s.id, s.status, "invite")
	}
	s.env.Registry.addSession(s)

	if s.opts.WithoutSDP {
		if len(s.renderBody) > 0 {
			s.request.AppendHeader(contentTypeHeader(s.renderType))
			s.request.AppendHeader(sip.NewHeader("Content-Disposition", "render"))
			s.request.SetBody(s.renderBody)
		}
		s.send()
		return nil
	}

	s.describe(s.media, func(body []byte, err error) {
		if err != nil {
			s.log.Error("ClientSession.Invite local description", slog.Any("error", err))
			s.failed(nil, CauseMediaError)
			return
		}
		if s.isCanceled {
			return
		}
		s.oa.markOffer()
		s.request.AppendHeader(contentTypeHeader(dialog.ContentTypeSDP))
		s.request.SetBody(body)
		s.send()
	})
	return nil
}

func (s *ClientSession) send() {
	s.setStatus(StatusInviteSent)
	s.log.Info("ClientSession.Invite", slog.String("target", s.target.String()))
	s.connecting(s.request)
	s.env.Dispatcher.Send(s.request, dialog.Handlers{
		OnResponse:       s.receiveInviteResponse,
		OnTimeout:        s.onRequestTimeout,
		OnTransportError: s.onTransportError,
	})
}

// Cancel отменяет вызов до его установления. До первого предварительного
// ответа CANCEL откладывается и отправляется при его получении.
func (s *ClientSession) Cancel(opts TerminateOptions) error {
	if err := s.cancel(opts); err != nil {
		return err
	}
	s.failed(nil, CauseCanceled)
	return nil
}

func (s *ClientSession) cancel(opts TerminateOptions) error {
	if s.terminatedStatus() || s.status.established() {
		return newInvalidState(s.id, s.status, "cancel")
	}
	if opts.StatusCode != 0 && (opts.StatusCode < 200 || opts.StatusCode >= 700) {
		return newInvalidArgument(s.id, "cancel", "invalid status code %d", opts.StatusCode)
	}
	var reason sip.Header
	if opts.StatusCode != 0 {
		reason = dialog.Reason(opts.StatusCode, opts.Reason)
	}

	s.log.Info("ClientSession.Cancel", slog.String("status", s.status.String()))
	if s.status == StatusNull || (s.status == StatusInviteSent && !s.received100) {
		s.isCanceled = true
		s.cancelReason = reason
	} else {
		s.sendCancel(reason)
	}
	s.canceled()
	return nil
}

func (s *ClientSession) sendCancel(reason sip.Header) {
	s.isCanceled = true
	if s.cancelSent {
		return
	}
	s.cancelSent = true
	s.env.Dispatcher.Cancel(s.request, reason)
}

// Terminate BYE для установленной сессии, иначе CANCEL
func (s *ClientSession) Terminate(opts TerminateOptions) error {
	switch {
	case s.terminatedStatus():
		return nil
	case s.status.established():
		return s.Bye(opts)
	}
	if err := s.cancel(opts); err != nil {
		return err
	}
	s.terminated(nil, CauseCanceled)
	return nil
}

// receiveInviteResponse ответ на исходящий INVITE, включая ответы
// нескольких ответвлений (forking)
func (s *ClientSession) receiveInviteResponse(res *sip.Response) {
	code := res.StatusCode
	key := dialog.KeyOf(res)

	if s.terminatedStatus() {
		switch {
		case code < 200:
			if s.isCanceled {
				s.sendCancel(s.cancelReason)
			}
		case code < 300:
			if s.killed[key] {
				return
			}
			s.killed[key] = true
			s.killDialog(res, dialog.StateConfirmed)
			if s.isCanceled {
				s.emit(Bye{Originator: OriginatorLocal})
			}
		}
		return
	}

	// поздний 2xx другого ответвления или повтор 2xx
	if s.dialog != nil && code >= 200 && code < 300 {
		if key != s.dialog.Key() {
			if !s.killed[key] {
				s.killed[key] = true
				s.log.Info("ClientSession late fork answer, releasing", slog.String("dialog", key.String()))
				s.killDialog(res, dialog.StateConfirmed)
			}
			return
		}
		if s.status == StatusConfirmed {
			s.sendRequest(sip.ACK, sendOptions{cseq: res.CSeq().SeqNo})
			return
		}
	}

	if s.status == StatusEarlyMedia && code < 200 {
		s.prackEarly(res)
		return
	}

	switch {
	case code == sip.StatusTrying:
		s.received100 = true
	case code < 200:
		s.receiveProvisional(res)
	case code < 300:
		s.receiveSuccess(res)
	default:
		cause := CauseForStatus(code)
		s.log.Info("ClientSession rejected", slog.Int("code", code), slog.String("cause", cause.String()))
		s.failed(res, cause)
		s.rejected(res, cause)
	}
}

// prackEarly PRACK на надежный 1xx, пришедший уже в EARLY_MEDIA
func (s *ClientSession) prackEarly(res *sip.Response) {
	if !dialog.HasOptionTag(res, "Require", "100rel") {
		return
	}
	d := s.dialogFor(res)
	if d == nil {
		if !s.createDialog(res, true) {
			return
		}
		d = s.early[dialog.KeyOf(res)]
	}
	rseq := dialog.RSeq(res)
	if d.AlreadyPracked(rseq) {
		return
	}
	d.MarkPracked(rseq)
	s.sendOn(d, sip.PRACK, sendOptions{headers: []sip.Header{dialog.RAck(res)}})
}

func (s *ClientSession) receiveProvisional(res *sip.Response) {
	if s.status != StatusInviteSent && s.status != Status1xxReceived {
		return
	}
	if dialog.ToTag(res) == "" {
		s.log.Warn("ClientSession 1xx response without To tag", slog.Int("code", res.StatusCode))
		return
	}
	if res.Contact() != nil && !s.createDialog(res, true) {
		return
	}

	s.setStatus(Status1xxReceived)
	s.emit(Progress{Response: res, Originator: OriginatorRemote})

	if !dialog.HasOptionTag(res, "Require", "100rel") || s.dialog != nil {
		return
	}
	key := dialog.KeyOf(res)
	d := s.early[key]
	if d == nil {
		return
	}
	rseq := dialog.RSeq(res)
	if d.AlreadyPracked(rseq) {
		return
	}
	d.MarkPracked(rseq)

	body := res.Body()
	switch {
	case len(body) == 0:
		s.sendOn(d, sip.PRACK, sendOptions{headers: []sip.Header{dialog.RAck(res)}})

	case s.oa.phase() != phaseIdle:
		// answer на offer из INVITE
		if !s.createDialog(res, false) {
			return
		}
		s.oa.markAnswer()
		s.apply(s.media, body, func(err error) {
			if err != nil {
				s.log.Warn("ClientSession early answer rejected", slog.Any("error", err))
				s.acceptAndTerminate(res, sip.StatusNotAcceptableHere, "")
				s.failed(res, CauseBadMediaDescription)
				return
			}
			s.sendRequest(sip.PRACK, sendOptions{headers: []sip.Header{dialog.RAck(res)}})
			if s.status != Status1xxReceived {
				return
			}
			s.setStatus(StatusEarlyMedia)
			s.Mute(allTracks)
			if res2xx := s.deferred2xx; res2xx != nil {
				s.deferred2xx = nil
				s.confirm(res2xx, sendOptions{cseq: res2xx.CSeq().SeqNo})
			}
		})

	default:
		// INVITE без offer: offer пришел в 1xx, answer уходит в PRACK
		n := s.earlyNegotiator(key)
		s.apply(n, body, func(err error) {
			if err != nil {
				s.log.Warn("ClientSession early offer rejected", slog.Any("error", err))
				s.sendCancel(dialog.Reason(sip.StatusNotAcceptableHere, ""))
				s.failed(res, CauseBadMediaDescription)
				return
			}
			s.describe(n, func(local []byte, err error) {
				if err != nil {
					s.log.Error("ClientSession early answer", slog.Any("error", err))
					s.failed(nil, CauseMediaError)
					return
				}
				d := s.early[key]
				if d == nil {
					return
				}
				s.sendOn(d, sip.PRACK, sendOptions{
					headers: []sip.Header{dialog.RAck(res), contentTypeHeader(dialog.ContentTypeSDP)},
					body:    local,
				})
			})
		})
	}
}

func (s *ClientSession) receiveSuccess(res *sip.Response) {
	cseq := res.CSeq()
	sent := s.request.CSeq()
	if cseq == nil || cseq.SeqNo != sent.SeqNo || cseq.MethodName != sip.INVITE {
		return
	}

	if s.status == StatusEarlyMedia {
		o := sendOptions{cseq: cseq.SeqNo}
		if len(s.renderBody) > 0 {
			o.headers = []sip.Header{contentTypeHeader(s.renderType)}
			o.body = s.renderBody
		}
		s.confirm(res, o)
		return
	}
	if s.dialog != nil {
		// answer из надежного 1xx еще применяется
		if s.status == Status1xxReceived && s.oa.phase() == phaseAnswered {
			s.deferred2xx = res
		}
		return
	}

	key := dialog.KeyOf(res)
	body := res.Body()

	if s.oa.phase() == phaseIdle {
		if n, ok := s.earlyMedia[key]; ok && n.HasLocalMedia() {
			// answer уже отправлен в PRACK этого ответвления
			delete(s.earlyMedia, key)
			if n != s.media {
				s.media.Close()
				s.media = n
			}
			s.oa.markOffer()
			s.oa.markAnswer()
			if !s.createDialog(res, false) {
				return
			}
			s.confirm(res, sendOptions{cseq: cseq.SeqNo})
			return
		}
		if len(body) == 0 {
			s.acceptAndTerminate(res, sip.StatusBadRequest, "Missing session description")
			s.failed(res, CauseBadMediaDescription)
			return
		}
		if !s.createDialog(res, false) {
			return
		}
		s.oa.markOffer()
		s.apply(s.media, body, func(err error) {
			if err != nil {
				s.log.Warn("ClientSession offer in 2xx rejected", slog.Any("error", err))
				s.acceptAndTerminate(res, sip.StatusNotAcceptableHere, "")
				s.failed(res, CauseBadMediaDescription)
				return
			}
			s.describe(s.media, func(local []byte, err error) {
				if err != nil {
					s.log.Error("ClientSession answer for 2xx", slog.Any("error", err))
					s.acceptAndTerminate(res, sip.StatusInternalServerError, "")
					s.failed(res, CauseMediaError)
					return
				}
				s.oa.markAnswer()
				s.confirm(res, sendOptions{
					cseq:    cseq.SeqNo,
					headers: []sip.Header{contentTypeHeader(dialog.ContentTypeSDP)},
					body:    media.RepairConnection(local),
				})
			})
		})
		return
	}

	if len(body) == 0 || dialog.ContentType(res) != dialog.ContentTypeSDP {
		s.acceptAndTerminate(res, sip.StatusBadRequest, "Missing session description")
		s.failed(res, CauseBadMediaDescription)
		return
	}
	if !s.createDialog(res, false) {
		return
	}
	s.oa.markAnswer()
	s.apply(s.media, body, func(err error) {
		if err != nil {
			s.log.Warn("ClientSession answer rejected", slog.Any("error", err))
			s.acceptAndTerminate(res, sip.StatusNotAcceptableHere, "")
			s.failed(res, CauseBadMediaDescription)
			return
		}
		s.confirm(res, sendOptions{cseq: cseq.SeqNo})
	})
}

// confirm ACK на 2xx и переход в CONFIRMED
func (s *ClientSession) confirm(res *sip.Response, ack sendOptions) {
	s.setStatus(StatusConfirmed)
	s.sendRequest(sip.ACK, ack)
	s.Unmute(allTracks)
	s.accepted(res)
}

// ReceiveRequest запрос внутри сессии
func (s *ClientSession) ReceiveRequest(in *dialog.Incoming) {
	req := in.Request
	if s.terminatedStatus() {
		if req.Method != sip.ACK && req.Method != sip.CANCEL {
			s.reply(in, dialog.StatusCallDoesNotExist, "", nil)
		}
		return
	}
	if d := s.dialogFor(req); d != nil && !d.ReceiveRequest(in) {
		return
	}

	switch req.Method {
	case sip.CANCEL:
		if s.status != StatusEarlyMedia {
			return
		}
		s.setStatus(StatusCanceled)
		s.reply(in, dialog.StatusRequestTerminated, "", nil)
		s.sendCancel(nil)
		s.canceled()
		s.rejected(req, CauseCanceled)
		s.failed(req, CauseCanceled)
	case sip.BYE:
		s.reply(in, sip.StatusOK, "", nil)
		s.emit(Bye{Request: req, Originator: OriginatorRemote})
		if s.status.established() {
			s.terminated(req, CauseBye)
			return
		}
		s.sendCancel(nil)
		s.failed(req, CauseBye)
	case sip.INVITE:
		if s.status != StatusConfirmed {
			s.replyRetryLater(in)
			return
		}
		s.log.Debug("ClientSession re-INVITE received")
		s.receiveReinvite(in)
	case sip.ACK:
		if s.status != StatusWaitingForAck {
			return
		}
		confirm := func() {
			s.timers.cancel(timerAck, timerInvite2xx)
			s.setStatus(StatusConfirmed)
		}
		if s.ackAnswer {
			s.receiveReinviteAck(in, confirm)
			return
		}
		confirm()
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
