package session

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sip_session/pkg/dialog"
)

type stubHandler struct {
	id       string
	received []*sip.Request
}

func (s *stubHandler) ID() string { return s.id }

func (s *stubHandler) ReceiveRequest(in *dialog.Incoming) {
	s.received = append(s.received, in.Request)
}

func TestRegistry_Route(t *testing.T) {
	r := NewRegistry()
	byDialog := &stubHandler{id: "dialog"}
	uac := &stubHandler{id: "call-1bob-tag"}
	uas := &stubHandler{id: "call-1alice-tag"}

	invite := remoteInvite(t, "")

	t.Run("UAS по Call-ID и From tag", func(t *testing.T) {
		r.addSession(uas)
		h, ok := r.Route(invite)
		require.True(t, ok)
		assert.Same(t, uas, h)
	})

	dialog.SetToTag(invite, "bob-tag")
	ack := aliceRequest(t, invite, sip.ACK, 1, "", "")

	t.Run("диалог важнее сессии", func(t *testing.T) {
		r.addDialog(dialog.KeyOf(ack), byDialog)
		h, ok := r.Route(ack)
		require.True(t, ok)
		assert.Same(t, byDialog, h)
	})

	t.Run("UAC по Call-ID и To tag", func(t *testing.T) {
		r.removeDialog(dialog.KeyOf(ack))
		r.removeSession(uas.ID())
		r.addSession(uac)
		h, ok := r.Route(ack)
		require.True(t, ok)
		assert.Same(t, uac, h)
	})

	t.Run("неизвестный вызов", func(t *testing.T) {
		r.removeSession(uac.ID())
		_, ok := r.Route(ack)
		assert.False(t, ok)
		assert.Equal(t, 0, r.Len())
		assert.Equal(t, 0, r.Dialogs())
	})
}
