package loop

import (
	"sort"
	"time"

	"github.com/eapache/queue"
)

// Manual детерминированный планировщик с виртуальными часами.
// Используется в тестах: задачи исполняются только в RunPending и Advance.
type Manual struct {
	now    time.Time
	tasks  *queue.Queue
	timers []*manualTimer
	seq    uint64
}

type manualTimer struct {
	at       time.Time
	seq      uint64
	fn       func()
	canceled bool
	fired    bool
}

func (t *manualTimer) Cancel() bool {
	if t.canceled || t.fired {
		return false
	}
	t.canceled = true
	return true
}

// NewManual создает планировщик с часами, стоящими на фиксированной точке
func NewManual() *Manual {
	return &Manual{
		now:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		tasks: queue.New(),
	}
}

func (m *Manual) Post(fn func()) {
	m.tasks.Add(fn)
}

func (m *Manual) After(d time.Duration, fn func()) Handle {
	m.seq++
	t := &manualTimer{at: m.now.Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

func (m *Manual) Now() time.Time {
	return m.now
}

// RunPending исполняет все задачи в очереди, включая поставленные по ходу.
// Возвращает число исполненных задач.
func (m *Manual) RunPending() int {
	n := 0
	for m.tasks.Length() > 0 {
		fn := m.tasks.Remove().(func())
		fn()
		n++
	}
	return n
}

// Advance сдвигает часы на d, по порядку срабатывая наступившие таймеры
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	m.RunPending()
	for {
		t := m.nextDue(target)
		if t == nil {
			break
		}
		m.now = t.at
		t.fired = true
		t.fn()
		m.RunPending()
	}
	m.now = target
	m.compact()
}

// ActiveTimers число взведенных таймеров
func (m *Manual) ActiveTimers() int {
	n := 0
	for _, t := range m.timers {
		if !t.canceled && !t.fired {
			n++
		}
	}
	return n
}

func (m *Manual) nextDue(limit time.Time) *manualTimer {
	live := m.timers[:0:0]
	for _, t := range m.timers {
		if !t.canceled && !t.fired && !t.at.After(limit) {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].at.Equal(live[j].at) {
			return live[i].seq < live[j].seq
		}
		return live[i].at.Before(live[j].at)
	})
	return live[0]
}

func (m *Manual) compact() {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.canceled && !t.fired {
			live = append(live, t)
		}
	}
	m.timers = live
}
