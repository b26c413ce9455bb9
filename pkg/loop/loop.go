// Package loop содержит однопоточный цикл событий, на котором исполняется
// вся сигнальная логика сессий, и планировщик таймеров поверх него.
package loop

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
)

// ErrClosed возвращается при работе с остановленным циклом
var ErrClosed = errors.New("loop: closed")

// Handle отменяемая ссылка на запланированный таймер
type Handle interface {
	// Cancel отменяет таймер. Возвращает false, если таймер уже сработал
	// или был отменен ранее.
	Cancel() bool
}

// Scheduler абстракция цикла событий.
// Все функции, переданные в Post и After, исполняются последовательно
// в одной горутине цикла.
type Scheduler interface {
	Post(fn func())
	After(d time.Duration, fn func()) Handle
	Now() time.Time
}

// Loop цикл событий на основе неограниченной FIFO очереди
type Loop struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  *queue.Queue
	closed bool
	log    *slog.Logger
}

// New создает цикл. Обработка начинается после вызова Run.
func New(log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	l := &Loop{
		tasks: queue.New(),
		log:   log,
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Post ставит функцию в конец очереди цикла
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.log.Debug("Loop.Post on closed loop")
		return
	}
	l.tasks.Add(fn)
	l.cond.Signal()
}

// After планирует fn через d. Срабатывание таймера ставит fn в очередь цикла,
// поэтому отмена, выполненная на цикле до исполнения fn, всегда побеждает.
func (l *Loop) After(d time.Duration, fn func()) Handle {
	t := &timer{}
	t.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.fired.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	return t
}

// Now текущее время
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Do исполняет fn на цикле и ждет завершения
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.tasks.Add(func() {
		defer close(done)
		fn()
	})
	l.cond.Signal()
	l.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run обрабатывает задачи до отмены контекста или Close
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, l.Close)
	defer stop()

	for {
		l.mu.Lock()
		for l.tasks.Length() == 0 && !l.closed {
			l.cond.Wait()
		}
		if l.closed {
			l.mu.Unlock()
			return ctx.Err()
		}
		fn := l.tasks.Remove().(func())
		l.mu.Unlock()

		l.exec(fn)
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("Loop task panic", slog.Any("panic", r))
		}
	}()
	fn()
}

// Close останавливает цикл. Оставшиеся задачи отбрасываются.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.cond.Broadcast()
}

type timer struct {
	t     *time.Timer
	fired atomic.Bool
}

func (t *timer) Cancel() bool {
	if !t.fired.CompareAndSwap(false, true) {
		return false
	}
	t.t.Stop()
	return true
}
