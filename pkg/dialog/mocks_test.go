package dialog

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"
)

type sentRequest struct {
	req *sip.Request
	h   Handlers
}

type mockDispatcher struct {
	sent     []sentRequest
	canceled []*sip.Request
}

func (m *mockDispatcher) Send(req *sip.Request, h Handlers) {
	m.sent = append(m.sent, sentRequest{req: req, h: h})
}

func (m *mockDispatcher) Cancel(invite *sip.Request, reason sip.Header) {
	m.canceled = append(m.canceled, invite)
}

func (m *mockDispatcher) last() sentRequest {
	return m.sent[len(m.sent)-1]
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

func (m *mockResponder) last() *sip.Response {
	return m.responses[len(m.responses)-1]
}

func mustURI(t *testing.T, s string) sip.Uri {
	t.Helper()
	var uri sip.Uri
	require.NoError(t, sip.ParseUri(s, &uri))
	return uri
}

// newInvite INVITE от alice к bob с двумя Record-Route
func newInvite(t *testing.T) *sip.Request {
	t.Helper()
	bob := mustURI(t, "sip:bob@127.0.0.1:5060")
	req := sip.NewRequest(sip.INVITE, bob)
	req.AppendHeader(&sip.FromHeader{
		DisplayName: "Alice",
		Address:     mustURI(t, "sip:alice@127.0.0.2"),
		Params:      sip.NewParams().Add("tag", "alice-tag"),
	})
	req.AppendHeader(&sip.ToHeader{Address: bob, Params: sip.NewParams()})
	callID := sip.CallIDHeader("call-1")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 10, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: mustURI(t, "sip:alice@10.0.0.2:5070")})
	req.AppendHeader(sip.NewHeader("Record-Route", "<sip:p1.example.com;lr>, <sip:p2.example.com;lr>"))
	return req
}

// newResponse ответ bob на INVITE с тегом и Contact
func newResponse(t *testing.T, req *sip.Request, code int) *sip.Response {
	t.Helper()
	res := sip.NewResponseFromRequest(req, code, ReasonPhrase(code), nil)
	res.To().Params = sip.NewParams().Add("tag", "bob-tag")
	res.AppendHeader(&sip.ContactHeader{Address: mustURI(t, "sip:bob@10.0.0.3:5080")})
	return res
}
