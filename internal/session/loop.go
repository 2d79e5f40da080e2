package session

import (
	"context"
	"sync"
	"time"
)

// Executor runs closures one at a time on an endpoint's event loop.
// Everything in this package must be called from that loop.
type Executor interface {
	// Post queues fn. It may be called from any goroutine.
	Post(fn func())
	// AfterFunc schedules fn on the loop after d.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a scheduled action owned by whoever armed it
type Timer interface {
	// Stop disarms the timer. Once Stop returns, fn will not run, even if the
	// deadline already passed and the firing is queued. Call it on the loop.
	Stop()
}

// Loop is a single-goroutine event loop with an unbounded queue, so posting
// from inside a running closure never blocks.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
}

func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Run executes posted closures until ctx is done
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			fn()
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped {
				return
			}
			t.stopped = true
			fn()
		})
	})
	return t
}

// loopTimer.stopped is only touched on the loop goroutine
type loopTimer struct {
	t       *time.Timer
	stopped bool
}

func (t *loopTimer) Stop() {
	t.stopped = true
	t.t.Stop()
}
