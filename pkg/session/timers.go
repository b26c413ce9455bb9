package session

import (
	"time"

	"github.com/arzzra/sip_session/pkg/loop"
)

type timerSlot int

const (
	timerAck timerSlot = iota
	timerExpires
	timerInvite2xx
	timerUserNoAnswer
	timerRel1xx
	timerPrack
	timerDTMF
	timerGlare

	timerSlotCount
)

var timerNames = [timerSlotCount]string{
	timerAck:          "ack",
	timerExpires:      "expires",
	timerInvite2xx:    "invite2xx",
	timerUserNoAnswer: "userNoAnswer",
	timerRel1xx:       "rel1xx",
	timerPrack:        "prack",
	timerDTMF:         "dtmf",
	timerGlare:        "glare",
}

func (s timerSlot) String() string {
	if s >= 0 && s < timerSlotCount {
		return timerNames[s]
	}
	return "unknown"
}

// timerSet именованные отменяемые таймеры сессии.
// В каждом слоте не больше одного активного таймера.
type timerSet struct {
	sched   loop.Scheduler
	handles [timerSlotCount]loop.Handle
	onFire  func(timerSlot)
}

func newTimerSet(sched loop.Scheduler, onFire func(timerSlot)) *timerSet {
	return &timerSet{sched: sched, onFire: onFire}
}

// arm отменяет таймер слота и ставит новый
func (t *timerSet) arm(slot timerSlot, d time.Duration, fn func()) {
	t.cancel(slot)
	var h loop.Handle
	h = t.sched.After(d, func() {
		if t.handles[slot] != h {
			return
		}
		t.handles[slot] = nil
		if t.onFire != nil {
			t.onFire(slot)
		}
		fn()
	})
	t.handles[slot] = h
}

func (t *timerSet) cancel(slots ...timerSlot) {
	for _, slot := range slots {
		if h := t.handles[slot]; h != nil {
			h.Cancel()
			t.handles[slot] = nil
		}
	}
}

func (t *timerSet) cancelAll() {
	for slot := range t.handles {
		t.cancel(timerSlot(slot))
	}
}
