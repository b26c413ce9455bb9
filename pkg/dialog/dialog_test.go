package dialog

import (
	"errors"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_UAS(t *testing.T) {
	req := newInvite(t)
	SetToTag(req, "bob-tag")

	d, err := New(req, RoleUAS, StateEarly, Options{Dispatcher: &mockDispatcher{}})
	require.NoError(t, err)

	assert.Equal(t, Key{CallID: "call-1", LocalTag: "bob-tag", RemoteTag: "alice-tag"}, d.Key())
	assert.Equal(t, "call-1bob-tagalice-tag", d.ID())
	assert.Equal(t, StateEarly, d.State())
	assert.Equal(t, uint32(10), d.RemoteSeq())
	assert.Equal(t, "10.0.0.2", d.RemoteTarget().Host)

	routes := d.RouteSet()
	require.Len(t, routes, 2)
	assert.Equal(t, "p1.example.com", routes[0].Host)
	assert.Equal(t, "p2.example.com", routes[1].Host)
}

func TestNew_UAC(t *testing.T) {
	req := newInvite(t)
	res := newResponse(t, req, 180)

	d, err := New(res, RoleUAC, StateEarly, Options{Dispatcher: &mockDispatcher{}})
	require.NoError(t, err)

	assert.Equal(t, Key{CallID: "call-1", LocalTag: "alice-tag", RemoteTag: "bob-tag"}, d.Key())
	assert.Equal(t, uint32(10), d.LocalSeq())
	assert.Equal(t, "10.0.0.3", d.RemoteTarget().Host)

	routes := d.RouteSet()
	require.Len(t, routes, 2)
	assert.Equal(t, "p2.example.com", routes[0].Host, "UAC использует обратный порядок Record-Route")
}

func TestNew_Errors(t *testing.T) {
	t.Run("нет Contact", func(t *testing.T) {
		req := newInvite(t)
		req.RemoveHeader("Contact")
		SetToTag(req, "bob-tag")
		_, err := New(req, RoleUAS, StateEarly, Options{})
		assert.ErrorIs(t, err, ErrMissingContact)
	})
	t.Run("нет тега", func(t *testing.T) {
		req := newInvite(t)
		_, err := New(req, RoleUAS, StateEarly, Options{})
		assert.ErrorIs(t, err, ErrMissingTag)
	})
	t.Run("неверный тип сообщения", func(t *testing.T) {
		req := newInvite(t)
		_, err := New(req, RoleUAC, StateEarly, Options{})
		assert.Error(t, err)
	})
}

func TestDialog_StateTransitions(t *testing.T) {
	req := newInvite(t)
	SetToTag(req, "bob-tag")
	d, err := New(req, RoleUAS, StateEarly, Options{})
	require.NoError(t, err)

	require.NoError(t, d.Update(req))
	assert.Equal(t, StateConfirmed, d.State())
	require.NoError(t, d.Update(req), "повторное подтверждение не ошибка")

	d.Terminate()
	d.Terminate()
	assert.Equal(t, StateTerminated, d.State())
	assert.Error(t, d.Update(req))
}

func TestDialog_UpdateRefreshesUACRoute(t *testing.T) {
	req := newInvite(t)
	early, err := New(newResponse(t, req, 183), RoleUAC, StateEarly, Options{})
	require.NoError(t, err)

	ok := sip.NewResponseFromRequest(newInvite(t), 200, "OK", nil)
	ok.To().Params = sip.NewParams().Add("tag", "bob-tag")
	ok.RemoveHeader("Record-Route")
	ok.AppendHeader(&sip.ContactHeader{Address: mustURI(t, "sip:bob@10.0.0.9")})

	require.NoError(t, early.Update(ok))
	assert.Empty(t, early.RouteSet())
	assert.Equal(t, "10.0.0.9", early.RemoteTarget().Host)
}

func TestDialog_SendRequest(t *testing.T) {
	disp := &mockDispatcher{}
	req := newInvite(t)
	d, err := New(newResponse(t, req, 200), RoleUAC, StateConfirmed, Options{Dispatcher: disp})
	require.NoError(t, err)

	bye, err := d.SendRequest(sip.BYE, RequestOptions{Headers: []sip.Header{Reason(200, "")}})
	require.NoError(t, err)
	assert.Equal(t, uint32(11), bye.CSeq().SeqNo)
	assert.Equal(t, sip.BYE, bye.CSeq().MethodName)
	assert.Equal(t, "alice-tag", FromTag(bye))
	assert.Equal(t, "bob-tag", ToTag(bye))
	assert.Equal(t, "10.0.0.3", bye.Recipient.Host)
	assert.Len(t, bye.GetHeaders("Route"), 2)
	assert.Contains(t, HeaderValue(bye, "Reason"), "cause=200")

	ack, err := d.SendRequest(sip.ACK, RequestOptions{CSeq: 10})
	require.NoError(t, err)
	assert.Equal(t, uint32(10), ack.CSeq().SeqNo)
	assert.Equal(t, uint32(11), d.LocalSeq(), "ACK не увеличивает CSeq")

	assert.Len(t, disp.sent, 2)

	d.Terminate()
	_, err = d.SendRequest(sip.BYE, RequestOptions{})
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestDialog_UACPendingReply(t *testing.T) {
	disp := &mockDispatcher{}
	req := newInvite(t)
	d, err := New(newResponse(t, req, 200), RoleUAC, StateConfirmed, Options{Dispatcher: disp})
	require.NoError(t, err)

	var got []int
	_, err = d.SendRequest(sip.INVITE, RequestOptions{Handlers: Handlers{
		OnResponse: func(res *sip.Response) { got = append(got, res.StatusCode) },
	}})
	require.NoError(t, err)
	assert.True(t, d.UACPendingReply())

	reinvite := disp.last().req
	disp.last().h.OnResponse(sip.NewResponseFromRequest(reinvite, 100, "Trying", nil))
	assert.True(t, d.UACPendingReply())

	disp.last().h.OnResponse(sip.NewResponseFromRequest(reinvite, 200, "OK", nil))
	assert.False(t, d.UACPendingReply())
	assert.Equal(t, []int{100, 200}, got)

	_, err = d.SendRequest(sip.INVITE, RequestOptions{})
	require.NoError(t, err)
	disp.last().h.OnTransportError(errors.New("down"))
	assert.False(t, d.UACPendingReply())
}

func inDialogRequest(t *testing.T, method sip.RequestMethod, cseq uint32) *sip.Request {
	req := newInvite(t)
	SetToTag(req, "bob-tag")
	req.Method = method
	req.CSeq().SeqNo = cseq
	req.CSeq().MethodName = method
	return req
}

func TestDialog_ReceiveRequest(t *testing.T) {
	newUAS := func(t *testing.T) *Dialog {
		req := newInvite(t)
		SetToTag(req, "bob-tag")
		d, err := New(req, RoleUAS, StateConfirmed, Options{})
		require.NoError(t, err)
		return d
	}

	t.Run("CSeq не по порядку", func(t *testing.T) {
		d := newUAS(t)
		tx := &mockResponder{}
		ok := d.ReceiveRequest(NewIncoming(inDialogRequest(t, sip.BYE, 9), tx))
		assert.False(t, ok)
		require.Len(t, tx.responses, 1)
		assert.Equal(t, 500, tx.last().StatusCode)
	})

	t.Run("CSeq растет", func(t *testing.T) {
		d := newUAS(t)
		tx := &mockResponder{}
		assert.True(t, d.ReceiveRequest(NewIncoming(inDialogRequest(t, sip.INFO, 12), tx)))
		assert.Equal(t, uint32(12), d.RemoteSeq())
		assert.Empty(t, tx.responses)
	})

	t.Run("ACK и CANCEL без проверок", func(t *testing.T) {
		d := newUAS(t)
		tx := &mockResponder{}
		assert.True(t, d.ReceiveRequest(NewIncoming(inDialogRequest(t, sip.ACK, 1), tx)))
		assert.True(t, d.ReceiveRequest(NewIncoming(inDialogRequest(t, sip.CANCEL, 1), tx)))
		assert.Empty(t, tx.responses)
	})

	t.Run("встречный re-INVITE", func(t *testing.T) {
		d := newUAS(t)
		d.dispatcher = &mockDispatcher{}
		_, err := d.SendRequest(sip.INVITE, RequestOptions{})
		require.NoError(t, err)

		tx := &mockResponder{}
		assert.False(t, d.ReceiveRequest(NewIncoming(inDialogRequest(t, sip.INVITE, 11), tx)))
		assert.Equal(t, StatusRequestPending, tx.last().StatusCode)
	})

	t.Run("re-INVITE без ответа на предыдущий", func(t *testing.T) {
		d := newUAS(t)
		first := NewIncoming(inDialogRequest(t, sip.INVITE, 11), &mockResponder{})
		require.True(t, d.ReceiveRequest(first))
		assert.True(t, d.UASPendingReply())

		tx := &mockResponder{}
		assert.False(t, d.ReceiveRequest(NewIncoming(inDialogRequest(t, sip.INVITE, 12), tx)))
		assert.Equal(t, 500, tx.last().StatusCode)
		assert.NotNil(t, tx.last().GetHeader("Retry-After"))

		_, err := first.Reply(200, "", nil)
		require.NoError(t, err)
		assert.False(t, d.UASPendingReply())
	})
}

func TestDialog_AlreadyPracked(t *testing.T) {
	tests := []struct {
		name    string
		pracked []uint32
		rseq    uint32
		want    bool
	}{
		{"пустой список", nil, 1, false},
		{"повтор", []uint32{5}, 5, true},
		{"меньше максимального", []uint32{5, 9}, 7, true},
		{"больше максимального", []uint32{5, 9}, 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Dialog{}
			for _, r := range tt.pracked {
				d.MarkPracked(r)
			}
			assert.Equal(t, tt.want, d.AlreadyPracked(tt.rseq))
		})
	}
}

func TestKeyOf(t *testing.T) {
	req := newInvite(t)
	SetToTag(req, "bob-tag")
	assert.Equal(t, Key{CallID: "call-1", LocalTag: "bob-tag", RemoteTag: "alice-tag"}, KeyOf(req))

	res := newResponse(t, newInvite(t), 200)
	assert.Equal(t, Key{CallID: "call-1", LocalTag: "alice-tag", RemoteTag: "bob-tag"}, KeyOf(res))
}
