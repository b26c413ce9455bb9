package session

import (
	"io"
	"log/slog"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sip_session/pkg/dialog"
	"github.com/arzzra/sip_session/pkg/loop"
	"github.com/arzzra/sip_session/pkg/media"
)

const (
	localSDP  = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio 5000 RTP/AVP 0\r\na=sendrecv\r\n"
	remoteSDP = "v=0\r\no=- 2 2 IN IP4 10.0.0.2\r\ns=-\r\nc=IN IP4 10.0.0.2\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\na=sendrecv\r\n"
	holdSDP   = "v=0\r\no=- 2 3 IN IP4 10.0.0.2\r\ns=-\r\nc=IN IP4 10.0.0.2\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\na=sendonly\r\n"
)

// categoryOf категория локальной ошибки из события завершения
func categoryOf(t *testing.T, err error) ErrorCategory {
	t.Helper()
	var se *Error
	require.ErrorAs(t, err, &se)
	return se.Category
}

// noConnectionSDP описание без c= уровня сессии, видео отключено
const noConnectionSDP = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 5000 RTP/AVP 0\r\nc=IN IP4 127.0.0.1\r\nm=video 0 RTP/AVP 96\r\n"

type sentRequest struct {
	req *sip.Request
	h   dialog.Handlers
}

type mockDispatcher struct {
	sent     []sentRequest
	canceled []*sip.Request
	reasons  []sip.Header
}

func (m *mockDispatcher) Send(req *sip.Request, h dialog.Handlers) {
	m.sent = append(m.sent, sentRequest{req: req, h: h})
}

func (m *mockDispatcher) Cancel(invite *sip.Request, reason sip.Header) {
	m.canceled = append(m.canceled, invite)
	m.reasons = append(m.reasons, reason)
}

func (m *mockDispatcher) methods() []sip.RequestMethod {
	out := make([]sip.RequestMethod, 0, len(m.sent))
	for _, s := range m.sent {
		out = append(out, s.req.Method)
	}
	return out
}

func (m *mockDispatcher) find(method sip.RequestMethod) []sentRequest {
	var out []sentRequest
	for _, s := range m.sent {
		if s.req.Method == method {
			out = append(out, s)
		}
	}
	return out
}

func (m *mockDispatcher) last(t *testing.T, method sip.RequestMethod) sentRequest {
	t.Helper()
	found := m.find(method)
	require.NotEmpty(t, found, "запрос %s не отправлен", method)
	return found[len(found)-1]
}

type mockResponder struct {
	responses []*sip.Response
	err       error
}

func (m *mockResponder) Respond(res *sip.Response) error {
	if m.err != nil {
		return m.err
	}
	m.responses = append(m.responses, res)
	return nil
}

func (m *mockResponder) codes() []int {
	out := make([]int, 0, len(m.responses))
	for _, r := range m.responses {
		out = append(out, r.StatusCode)
	}
	return out
}

func (m *mockResponder) last(t *testing.T) *sip.Response {
	t.Helper()
	require.NotEmpty(t, m.responses)
	return m.responses[len(m.responses)-1]
}

// mockNegotiator отвечает синхронно, в режиме async колбэки копятся до flush
type mockNegotiator struct {
	local    []byte
	localErr error
	applyErr error
	async    bool
	pending  []func()

	applied   [][]byte
	described int
	muted     bool
	holds     int
	unholds   int
	notReady  bool
	hasLocal  bool
	stopped   bool
	closed    bool
}

func (n *mockNegotiator) LocalDescription(_ media.Hint, done func([]byte, error)) {
	n.described++
	n.hasLocal = true
	n.run(func() { done(n.local, n.localErr) })
}

func (n *mockNegotiator) ApplyRemoteDescription(body []byte, done func(error)) {
	n.applied = append(n.applied, body)
	n.run(func() { done(n.applyErr) })
}

func (n *mockNegotiator) run(fn func()) {
	if n.async {
		n.pending = append(n.pending, fn)
		return
	}
	fn()
}

func (n *mockNegotiator) flush() {
	p := n.pending
	n.pending = nil
	for _, fn := range p {
		fn()
	}
}

func (n *mockNegotiator) Mute(t media.Tracks) media.Tracks {
	if t.Audio && !n.muted {
		n.muted = true
		return media.Tracks{Audio: true}
	}
	return media.Tracks{}
}

func (n *mockNegotiator) Unmute(t media.Tracks, localHold bool) media.Tracks {
	if t.Audio && n.muted && !localHold {
		n.muted = false
		return media.Tracks{Audio: true}
	}
	return media.Tracks{}
}

func (n *mockNegotiator) Hold()               { n.holds++ }
func (n *mockNegotiator) Unhold()             { n.unholds++ }
func (n *mockNegotiator) IsReady() bool       { return !n.notReady }
func (n *mockNegotiator) HasLocalMedia() bool { return n.hasLocal }
func (n *mockNegotiator) StopLocalMedia()     { n.stopped = true }
func (n *mockNegotiator) Close()              { n.closed = true }

type recorder struct {
	events []Event
}

func (r *recorder) observe(ev Event) {
	r.events = append(r.events, ev)
}

func (r *recorder) names() []string {
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Name())
	}
	return out
}

func (r *recorder) count(name string) int {
	n := 0
	for _, ev := range r.events {
		if ev.Name() == name {
			n++
		}
	}
	return n
}

func (r *recorder) last(name string) Event {
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Name() == name {
			return r.events[i]
		}
	}
	return nil
}

// terminalCount число событий failed и terminated
func (r *recorder) terminalCount() int {
	return r.count("failed") + r.count("terminated")
}

type harness struct {
	t     *testing.T
	sched *loop.Manual
	disp  *mockDispatcher
	reg   *Registry
	env   *Env
	negs  []*mockNegotiator

	// configure настраивает каждый новый negotiator
	configure func(n *mockNegotiator)
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		sched: loop.NewManual(),
		disp:  &mockDispatcher{},
		reg:   NewRegistry(),
	}
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	h.env = &Env{
		Config:     cfg,
		Scheduler:  h.sched,
		Dispatcher: h.disp,
		Negotiators: func() media.Negotiator {
			n := &mockNegotiator{local: []byte(localSDP)}
			if h.configure != nil {
				h.configure(n)
			}
			h.negs = append(h.negs, n)
			return n
		},
		Registry: h.reg,
		Identity: Identity{
			DisplayName: "Bob",
			URI:         mustURI(t, "sip:bob@127.0.0.1"),
			Contact:     mustURI(t, "sip:bob@127.0.0.1:5060"),
		},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: NewMetrics(prometheus.NewRegistry()),
	}
	return h
}

func withRel100(r Rel100) func(*Config) {
	return func(c *Config) { c.Rel100 = r }
}

func mustURI(t *testing.T, s string) sip.Uri {
	t.Helper()
	var uri sip.Uri
	require.NoError(t, sip.ParseUri(s, &uri))
	return uri
}

// remoteInvite INVITE от alice к bob
func remoteInvite(t *testing.T, body string, headers ...sip.Header) *sip.Request {
	t.Helper()
	bob := mustURI(t, "sip:bob@127.0.0.1:5060")
	req := sip.NewRequest(sip.INVITE, bob)
	req.AppendHeader(&sip.FromHeader{
		DisplayName: "Alice",
		Address:     mustURI(t, "sip:alice@10.0.0.2"),
		Params:      sip.NewParams().Add("tag", "alice-tag"),
	})
	req.AppendHeader(&sip.ToHeader{Address: bob, Params: sip.NewParams()})
	callID := sip.CallIDHeader("call-1")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: mustURI(t, "sip:alice@10.0.0.2:5070")})
	for _, h := range headers {
		req.AppendHeader(h)
	}
	if body != "" {
		req.AppendHeader(sip.NewHeader("Content-Type", dialog.ContentTypeSDP))
		req.SetBody([]byte(body))
	}
	return req
}

// aliceRequest запрос alice внутри диалога, начатого invite
func aliceRequest(t *testing.T, invite *sip.Request, method sip.RequestMethod, seq uint32, contentType, body string, headers ...sip.Header) *sip.Request {
	t.Helper()
	req := sip.NewRequest(method, mustURI(t, "sip:bob@127.0.0.1:5060"))
	req.AppendHeader(sip.HeaderClone(invite.From()))
	req.AppendHeader(sip.HeaderClone(invite.To()))
	callID := sip.CallIDHeader(invite.CallID().Value())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	for _, h := range headers {
		req.AppendHeader(h)
	}
	if body != "" {
		req.AppendHeader(sip.NewHeader("Content-Type", contentType))
		req.SetBody([]byte(body))
	}
	return req
}

// deliver маршрутизирует запрос через реестр, как это делает агент
func (h *harness) deliver(req *sip.Request) *mockResponder {
	h.t.Helper()
	tx := &mockResponder{}
	handler, ok := h.reg.Route(req)
	require.True(h.t, ok, "нет сессии для %s", req.Method)
	handler.ReceiveRequest(dialog.NewIncoming(req, tx))
	h.sched.RunPending()
	return tx
}

// newUAS создает входящую сессию и выполняет отложенную публикацию invite
func (h *harness) newUAS(req *sip.Request) (*ServerSession, *mockResponder, *recorder) {
	h.t.Helper()
	tx := &mockResponder{}
	s, err := NewServerSession(h.env, dialog.NewIncoming(req, tx))
	require.NoError(h.t, err)
	rec := &recorder{}
	s.Observe(rec.observe)
	h.sched.RunPending()
	return s, tx, rec
}

// confirmedUAS входящая сессия, прошедшая 200 и ACK
func (h *harness) confirmedUAS() (*ServerSession, *mockResponder, *recorder) {
	h.t.Helper()
	req := remoteInvite(h.t, remoteSDP)
	s, tx, rec := h.newUAS(req)
	require.NoError(h.t, s.Accept(AcceptOptions{}))
	h.sched.RunPending()
	h.deliver(aliceRequest(h.t, req, sip.ACK, 1, "", ""))
	require.Equal(h.t, StatusConfirmed, s.Status())
	return s, tx, rec
}

// newUAC создает исходящую сессию и отправляет INVITE
func (h *harness) newUAC(opts InviteOptions) (*ClientSession, *recorder) {
	h.t.Helper()
	s, err := NewClientSession(h.env, mustURI(h.t, "sip:alice@10.0.0.2"), opts)
	require.NoError(h.t, err)
	rec := &recorder{}
	s.Observe(rec.observe)
	require.NoError(h.t, s.Invite())
	h.sched.RunPending()
	return s, rec
}

// aliceResponse ответ alice на исходящий INVITE
func aliceResponse(t *testing.T, req *sip.Request, code int, toTag, body string, headers ...sip.Header) *sip.Response {
	t.Helper()
	res := sip.NewResponseFromRequest(req, code, dialog.ReasonPhrase(code), nil)
	if toTag != "" {
		res.To().Params = sip.NewParams().Add("tag", toTag)
	}
	if code > 100 {
		res.AppendHeader(&sip.ContactHeader{Address: mustURI(t, "sip:alice@10.0.0.2:5070")})
	}
	for _, h := range headers {
		res.AppendHeader(h)
	}
	if body != "" {
		res.AppendHeader(sip.NewHeader("Content-Type", dialog.ContentTypeSDP))
		res.SetBody([]byte(body))
	}
	return res
}

// respond передает ответ обработчику исходящего INVITE
func (h *harness) respond(res *sip.Response) {
	h.t.Helper()
	invite := h.disp.last(h.t, sip.INVITE)
	invite.h.OnResponse(res)
	h.sched.RunPending()
}

// confirmedUAC исходящая сессия после 200 с answer
func (h *harness) confirmedUAC() (*ClientSession, *recorder) {
	h.t.Helper()
	s, rec := h.newUAC(InviteOptions{})
	h.respond(aliceResponse(h.t, s.Request(), 200, "alice-tag", remoteSDP))
	require.Equal(h.t, StatusConfirmed, s.Status())
	return s, rec
}

// bobRequest запрос alice к UAC-сессии bob внутри установленного диалога
func bobRequest(t *testing.T, s *ClientSession, method sip.RequestMethod, seq uint32, contentType, body string) *sip.Request {
	t.Helper()
	d := s.Dialog()
	require.NotNil(t, d)
	key := d.Key()
	req := sip.NewRequest(method, mustURI(t, "sip:bob@127.0.0.1:5060"))
	req.AppendHeader(&sip.FromHeader{
		Address: mustURI(t, "sip:alice@10.0.0.2"),
		Params:  sip.NewParams().Add("tag", key.RemoteTag),
	})
	req.AppendHeader(&sip.ToHeader{
		Address: mustURI(t, "sip:bob@127.0.0.1"),
		Params:  sip.NewParams().Add("tag", key.LocalTag),
	})
	callID := sip.CallIDHeader(key.CallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	req.AppendHeader(&sip.ContactHeader{Address: mustURI(t, "sip:alice@10.0.0.2:5070")})
	if body != "" {
		req.AppendHeader(sip.NewHeader("Content-Type", contentType))
		req.SetBody([]byte(body))
	}
	return req
}
