// Package dialog реализует примитив SIP диалога (RFC 3261, раздел 12):
// идентификатор, состояние early/confirmed/terminated, набор маршрутов,
// нумерацию CSeq и построение запросов внутри диалога.
package dialog

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
)

var (
	ErrMissingContact = errors.New("Missing Contact header field")
	ErrMissingTag     = errors.New("missing dialog tag")
	ErrTerminated     = errors.New("dialog terminated")
)

// Role роль UA в диалоге
type Role int

const (
	RoleUAC Role = iota
	RoleUAS
)

func (r Role) String() string {
	if r == RoleUAS {
		return "UAS"
	}
	return "UAC"
}

// State состояние диалога
type State string

const (
	StateEarly      State = "early"
	StateConfirmed  State = "confirmed"
	StateTerminated State = "terminated"
)

// Key составной идентификатор диалога
type Key struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

func (k Key) String() string {
	return k.CallID + k.LocalTag + k.RemoteTag
}

// KeyOf вычисляет ключ диалога с точки зрения получателя сообщения.
// Для запроса локальный тег берется из To, для ответа из From.
func KeyOf(msg sip.Message) Key {
	switch m := msg.(type) {
	case *sip.Request:
		return Key{CallID: callIDOf(m), LocalTag: ToTag(m), RemoteTag: FromTag(m)}
	case *sip.Response:
		return Key{CallID: callIDOf(m), LocalTag: FromTag(m), RemoteTag: ToTag(m)}
	}
	return Key{}
}

// Options параметры создания диалога
type Options struct {
	Dispatcher Dispatcher
	Logger     *slog.Logger
}

// Dialog SIP диалог. Не потокобезопасен: используется только из цикла событий.
type Dialog struct {
	key  Key
	role Role
	fsm  *fsm.FSM

	localURI      sip.Uri
	localDisplay  string
	remoteURI     sip.Uri
	remoteDisplay string
	remoteTarget  sip.Uri
	routeSet      []sip.Uri

	localSeq  uint32
	remoteSeq uint32

	// RSeq надежных предварительных ответов, на которые уже отправлен PRACK
	pracked []uint32

	uacPendingReply bool
	uasPendingReply bool

	dispatcher Dispatcher
	log        *slog.Logger
}

// New создает диалог из сообщения: входящего INVITE для UAS
// или ответа на исходящий INVITE для UAC.
func New(msg sip.Message, role Role, state State, opts Options) (*Dialog, error) {
	d := &Dialog{
		role:       role,
		dispatcher: opts.Dispatcher,
		log:        opts.Logger,
	}
	if d.log == nil {
		d.log = slog.Default()
	}

	switch role {
	case RoleUAS:
		req, ok := msg.(*sip.Request)
		if !ok {
			return nil, errors.New("UAS dialog requires a request")
		}
		if err := d.fromRequest(req); err != nil {
			return nil, err
		}
	default:
		res, ok := msg.(*sip.Response)
		if !ok {
			return nil, errors.New("UAC dialog requires a response")
		}
		if err := d.fromResponse(res); err != nil {
			return nil, err
		}
	}

	d.initFSM(state)
	d.log = d.log.With(slog.String("dialogID", d.key.String()), slog.String("role", role.String()))
	d.log.Debug("Dialog.New", slog.String("state", string(state)))
	return d, nil
}

func (d *Dialog) fromRequest(req *sip.Request) error {
	contact := req.Contact()
	if contact == nil {
		return ErrMissingContact
	}
	d.key = KeyOf(req)
	if d.key.LocalTag == "" || d.key.RemoteTag == "" {
		return ErrMissingTag
	}
	d.remoteTarget = contact.Address
	d.routeSet = RecordRoutes(req)
	if cseq := req.CSeq(); cseq != nil {
		d.remoteSeq = cseq.SeqNo
	}
	d.localSeq = uint32(rand.IntN(10000))
	if to := req.To(); to != nil {
		d.localURI, d.localDisplay = to.Address, to.DisplayName
	}
	if from := req.From(); from != nil {
		d.remoteURI, d.remoteDisplay = from.Address, from.DisplayName
	}
	return nil
}

func (d *Dialog) fromResponse(res *sip.Response) error {
	contact := res.Contact()
	if contact == nil {
		return ErrMissingContact
	}
	d.key = KeyOf(res)
	if d.key.LocalTag == "" || d.key.RemoteTag == "" {
		return ErrMissingTag
	}
	d.remoteTarget = contact.Address
	d.routeSet = RecordRoutes(res)
	slices.Reverse(d.routeSet)
	if cseq := res.CSeq(); cseq != nil {
		d.localSeq = cseq.SeqNo
	}
	if from := res.From(); from != nil {
		d.localURI, d.localDisplay = from.Address, from.DisplayName
	}
	if to := res.To(); to != nil {
		d.remoteURI, d.remoteDisplay = to.Address, to.DisplayName
	}
	return nil
}

func formEventName(src, dst State) string {
	builder := strings.Builder{}
	builder.WriteString(string(src))
	builder.WriteString("_to_")
	builder.WriteString(string(dst))
	return builder.String()
}

func (d *Dialog) initFSM(initial State) {
	d.fsm = fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: formEventName(StateEarly, StateConfirmed), Src: []string{string(StateEarly)}, Dst: string(StateConfirmed)},
			{Name: formEventName(StateEarly, StateTerminated), Src: []string{string(StateEarly)}, Dst: string(StateTerminated)},
			{Name: formEventName(StateConfirmed, StateTerminated), Src: []string{string(StateConfirmed)}, Dst: string(StateTerminated)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				d.log.Debug("Dialog.State", slog.String("from", e.Src), slog.String("to", e.Dst))
			},
		},
	)
}

func (d *Dialog) setState(dst State) error {
	src := d.State()
	if src == dst {
		return nil
	}
	if err := d.fsm.Event(context.Background(), formEventName(src, dst)); err != nil {
		return errors.Wrapf(err, "dialog %s -> %s", src, dst)
	}
	return nil
}

// Key идентификатор диалога
func (d *Dialog) Key() Key {
	return d.key
}

// ID строковый идентификатор: Call-ID + локальный тег + удаленный тег
func (d *Dialog) ID() string {
	return d.key.String()
}

func (d *Dialog) Role() Role {
	return d.role
}

func (d *Dialog) State() State {
	return State(d.fsm.Current())
}

func (d *Dialog) RemoteTarget() sip.Uri {
	return d.remoteTarget
}

func (d *Dialog) RouteSet() []sip.Uri {
	return slices.Clone(d.routeSet)
}

func (d *Dialog) LocalSeq() uint32 {
	return d.localSeq
}

func (d *Dialog) RemoteSeq() uint32 {
	return d.remoteSeq
}

// Update переводит ранний диалог в подтвержденный.
// Для UAC набор маршрутов и удаленная цель берутся из нового ответа.
func (d *Dialog) Update(msg sip.Message) error {
	if err := d.setState(StateConfirmed); err != nil {
		return err
	}
	if res, ok := msg.(*sip.Response); ok && d.role == RoleUAC {
		d.routeSet = RecordRoutes(res)
		slices.Reverse(d.routeSet)
		if contact := res.Contact(); contact != nil {
			d.remoteTarget = contact.Address
		}
	}
	return nil
}

// Terminate переводит диалог в terminated. Повторный вызов ничего не делает.
func (d *Dialog) Terminate() {
	if d.State() == StateTerminated {
		return
	}
	if err := d.setState(StateTerminated); err != nil {
		d.log.Error("Dialog.Terminate", slog.Any("error", err))
	}
}

// MarkPracked запоминает RSeq, на который отправлен PRACK
func (d *Dialog) MarkPracked(rseq uint32) {
	d.pracked = append(d.pracked, rseq)
}

// AlreadyPracked сообщает, что предварительный ответ с этим RSeq
// уже подтвержден: RSeq встречался или не больше максимального подтвержденного.
func (d *Dialog) AlreadyPracked(rseq uint32) bool {
	if len(d.pracked) == 0 {
		return false
	}
	if slices.Contains(d.pracked, rseq) {
		return true
	}
	return slices.Max(d.pracked) >= rseq
}

func (d *Dialog) UACPendingReply() bool {
	return d.uacPendingReply
}

func (d *Dialog) UASPendingReply() bool {
	return d.uasPendingReply
}

// RequestOptions параметры запроса внутри диалога
type RequestOptions struct {
	Headers []sip.Header
	Body    []byte
	// CSeq используется только для ACK: номер подтверждаемого INVITE
	CSeq     uint32
	Handlers Handlers
}

// SendRequest строит запрос внутри диалога и передает его диспетчеру
func (d *Dialog) SendRequest(method sip.RequestMethod, opts RequestOptions) (*sip.Request, error) {
	if d.State() == StateTerminated {
		return nil, ErrTerminated
	}
	if d.dispatcher == nil {
		return nil, errors.New("dialog has no dispatcher")
	}

	req := d.newRequest(method, opts)
	handlers := opts.Handlers
	if method == sip.INVITE {
		d.uacPendingReply = true
		handlers = d.trackPendingReply(handlers)
	}

	d.log.Debug("Dialog.SendRequest",
		slog.String("method", string(method)),
		slog.Uint64("cseq", uint64(req.CSeq().SeqNo)))
	d.dispatcher.Send(req, handlers)
	return req, nil
}

func (d *Dialog) newRequest(method sip.RequestMethod, opts RequestOptions) *sip.Request {
	req := sip.NewRequest(method, d.remoteTarget)

	req.AppendHeader(&sip.FromHeader{
		DisplayName: d.localDisplay,
		Address:     d.localURI,
		Params:      sip.NewParams().Add("tag", d.key.LocalTag),
	})
	req.AppendHeader(&sip.ToHeader{
		DisplayName: d.remoteDisplay,
		Address:     d.remoteURI,
		Params:      sip.NewParams().Add("tag", d.key.RemoteTag),
	})
	callID := sip.CallIDHeader(d.key.CallID)
	req.AppendHeader(&callID)

	seq := opts.CSeq
	if method != sip.ACK {
		d.localSeq++
		seq = d.localSeq
	}
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	for _, route := range d.routeSet {
		req.AppendHeader(&sip.RouteHeader{Address: route})
	}
	for _, h := range opts.Headers {
		req.AppendHeader(h)
	}
	req.SetBody(opts.Body)
	return req
}

func (d *Dialog) trackPendingReply(h Handlers) Handlers {
	return Handlers{
		OnResponse: func(res *sip.Response) {
			if res.StatusCode >= 200 {
				d.uacPendingReply = false
			}
			if h.OnResponse != nil {
				h.OnResponse(res)
			}
		},
		OnTimeout: func() {
			d.uacPendingReply = false
			if h.OnTimeout != nil {
				h.OnTimeout()
			}
		},
		OnTransportError: func(err error) {
			d.uacPendingReply = false
			if h.OnTransportError != nil {
				h.OnTransportError(err)
			}
		},
	}
}

// ReceiveRequest проверяет входящий запрос внутри диалога (RFC 3261 12.2.2).
// Возвращает false, если запрос отклонен и уже получил ответ.
func (d *Dialog) ReceiveRequest(in *Incoming) bool {
	req := in.Request
	if req.Method == sip.ACK || req.Method == sip.CANCEL {
		return true
	}

	if cseq := req.CSeq(); cseq != nil {
		switch {
		case d.remoteSeq == 0:
			d.remoteSeq = cseq.SeqNo
		case cseq.SeqNo < d.remoteSeq:
			d.log.Warn("Dialog.ReceiveRequest out of order CSeq",
				slog.Uint64("cseq", uint64(cseq.SeqNo)),
				slog.Uint64("remoteSeq", uint64(d.remoteSeq)))
			d.reply(in, sip.StatusInternalServerError)
			return false
		case cseq.SeqNo > d.remoteSeq:
			d.remoteSeq = cseq.SeqNo
		}
	}

	if req.Method == sip.INVITE {
		if d.uacPendingReply {
			d.reply(in, StatusRequestPending)
			return false
		}
		if d.uasPendingReply {
			retryAfter := sip.NewHeader("Retry-After", itoa(rand.IntN(10)))
			d.reply(in, sip.StatusInternalServerError, retryAfter)
			return false
		}
		d.uasPendingReply = true
		in.OnFinal(func() { d.uasPendingReply = false })

		if contact := req.Contact(); contact != nil {
			d.remoteTarget = contact.Address
		}
	}
	return true
}

func (d *Dialog) reply(in *Incoming, code int, headers ...sip.Header) {
	if _, err := in.Reply(code, "", nil, headers...); err != nil {
		d.log.Error("Dialog.reply", slog.Int("code", code), slog.Any("error", err))
	}
}
