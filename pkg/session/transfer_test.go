package session

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sip_session/pkg/dialog"
)

func TestSession_ReceiveRefer(t *testing.T) {
	t.Run("слепой перевод", func(t *testing.T) {
		h := newHarness(t)
		s, _, rec := h.confirmedUAS()

		tx := h.deliver(aliceRequest(t, s.Request(), sip.REFER, 2, "", "",
			sip.NewHeader("Refer-To", "<sip:carol@10.0.0.3>")))
		assert.Equal(t, []int{sip.StatusAccepted}, tx.codes())

		notify := h.disp.last(t, sip.NOTIFY).req
		assert.Equal(t, "refer", dialog.HeaderValue(notify, "Event"))
		assert.Equal(t, dialog.ContentTypeSipfrag, dialog.ContentType(notify))
		assert.Equal(t, "SIP/2.0 100 Trying", string(notify.Body()))
		assert.True(t, h.negs[0].stopped)

		ref := rec.last("referred").(Referred)
		require.NotNil(t, ref.NewSession)
		assert.Equal(t, "carol", ref.NewSession.Target().User)
		assert.Equal(t, StatusInviteSent, ref.NewSession.Status())

		invites := h.disp.find(sip.INVITE)
		require.Len(t, invites, 1)
		assert.Equal(t, "10.0.0.3", invites[0].req.Recipient.Host)

		assert.Equal(t, StatusTerminated, s.Status())
		assert.Len(t, h.disp.find(sip.BYE), 1)
		assert.Equal(t, CauseBye, rec.last("terminated").(Terminated).Cause)
		assert.Equal(t, 1, h.reg.Len(), "в реестре остается только новая сессия")
	})

	t.Run("с Replaces", func(t *testing.T) {
		h := newHarness(t)
		s, _, _ := h.confirmedUAS()

		h.deliver(aliceRequest(t, s.Request(), sip.REFER, 2, "", "",
			sip.NewHeader("Refer-To", "<sip:carol@10.0.0.3?Replaces=abc%3Bto-tag%3Dt1%3Bfrom-tag%3Df1>")))

		invite := h.disp.last(t, sip.INVITE).req
		assert.Equal(t, "abc;to-tag=t1;from-tag=f1", dialog.HeaderValue(invite, "Replaces"))
	})

	t.Run("новая сессия не создана", func(t *testing.T) {
		h := newHarness(t)
		s, _, rec := h.confirmedUAS()
		h.env.Negotiators = nil

		tx := h.deliver(aliceRequest(t, s.Request(), sip.REFER, 2, "", "",
			sip.NewHeader("Refer-To", "<sip:carol@10.0.0.3>")))
		assert.Equal(t, []int{sip.StatusAccepted}, tx.codes())
		assert.Equal(t, 0, rec.count("referred"), "referred без новой сессии не публикуется")
		assert.Empty(t, h.disp.find(sip.INVITE))
		assert.Equal(t, StatusTerminated, s.Status())
		assert.Equal(t, 0, h.reg.Len())
	})

	tests := []struct {
		name    string
		headers []sip.Header
	}{
		{name: "без Refer-To"},
		{name: "неверная схема", headers: []sip.Header{sip.NewHeader("Refer-To", "<tel:+15551234>")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			s, _, rec := h.confirmedUAS()

			tx := h.deliver(aliceRequest(t, s.Request(), sip.REFER, 2, "", "", tt.headers...))
			assert.Equal(t, []int{sip.StatusBadRequest}, tx.codes())
			assert.Equal(t, StatusConfirmed, s.Status())
			assert.Equal(t, 0, rec.count("referred"))
		})
	}

	t.Run("вне установленной сессии", func(t *testing.T) {
		h := newHarness(t)
		req := remoteInvite(t, remoteSDP)
		s, _, _ := h.newUAS(req)
		require.NoError(t, s.Accept(AcceptOptions{}))
		h.sched.RunPending()

		tx := h.deliver(aliceRequest(t, req, sip.REFER, 2, "", "",
			sip.NewHeader("Refer-To", "<sip:carol@10.0.0.3>")))
		assert.Equal(t, []int{sip.StatusInternalServerError}, tx.codes())
	})
}

func TestSession_Refer(t *testing.T) {
	t.Run("слепой перевод", func(t *testing.T) {
		h := newHarness(t)
		s, rec := h.confirmedUAC()

		require.NoError(t, s.Refer(mustURI(t, "sip:carol@10.0.0.3"), ReferOptions{}))
		refer := h.disp.last(t, sip.REFER).req
		assert.Equal(t, "<sip:carol@10.0.0.3>", dialog.HeaderValue(refer, "Refer-To"))
		assert.NotNil(t, refer.Contact())
		assert.Len(t, h.disp.find(sip.BYE), 1)
		assert.Equal(t, 1, rec.count("terminated"))
	})

	t.Run("сопровождаемый перевод", func(t *testing.T) {
		h := newHarness(t)
		s, _ := h.confirmedUAC()
		other, _, _ := h.confirmedUAS()

		require.NoError(t, s.ReferReplaces(other, ReferOptions{}))
		value := dialog.HeaderValue(h.disp.last(t, sip.REFER).req, "Refer-To")

		rt, err := dialog.ParseReferTo(value)
		require.NoError(t, err)
		require.NotNil(t, rt.Replaces)
		key := other.Dialog().Key()
		assert.Equal(t, "call-1", rt.Replaces.CallID)
		assert.Equal(t, key.RemoteTag, rt.Replaces.ToTag)
		assert.Equal(t, key.LocalTag, rt.Replaces.FromTag)
		assert.Equal(t, "10.0.0.2", rt.Target.Host)
	})

	t.Run("недопустимые вызовы", func(t *testing.T) {
		h := newHarness(t)
		s, _ := h.newUAC(InviteOptions{})
		assert.ErrorIs(t, s.Refer(mustURI(t, "sip:carol@10.0.0.3"), ReferOptions{}), ErrInvalidState)
		assert.ErrorIs(t, s.ReferReplaces(nil, ReferOptions{}), ErrInvalidState)

		h2 := newHarness(t)
		s2, _ := h2.confirmedUAC()
		assert.ErrorIs(t, s2.ReferReplaces(nil, ReferOptions{}), ErrInvalidArgument)
	})
}
