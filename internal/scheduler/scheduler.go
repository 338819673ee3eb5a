// Package scheduler provides the single logical thread every participant runs its protocol
// handlers on. Network deliveries and timers post continuations to an Executor; no handler
// ever runs concurrently with another on the same Executor.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrStopped = errors.New("scheduler stopped")

type Executor interface {
	// Post queues fn to run on the loop.
	Post(fn func())
	// After runs fn on the loop once d has elapsed, unless cancel is called first.
	After(d time.Duration, fn func()) (cancel func())
	Now() time.Time
}

// Call runs fn on exec and waits for it to finish. It must not be called from the loop itself.
func Call(ctx context.Context, exec Executor, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan struct{})
	exec.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CallValue is Call for functions that produce a value.
func CallValue[T any](ctx context.Context, exec Executor, fn func() T) (T, error) {
	var result T
	err := Call(ctx, exec, func() { result = fn() })
	return result, err
}

type EventLoop struct {
	tasks    chan func()
	stopped  chan struct{}
	stopOnce sync.Once
}

func NewEventLoop(buffer int) *EventLoop {
	if buffer <= 0 {
		buffer = 256
	}
	return &EventLoop{
		tasks:   make(chan func(), buffer),
		stopped: make(chan struct{}),
	}
}

// Run executes posted tasks until ctx is done. Tasks posted after that are dropped.
func (l *EventLoop) Run(ctx context.Context) error {
	defer l.stopOnce.Do(func() { close(l.stopped) })
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *EventLoop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.stopped:
	}
}

func (l *EventLoop) After(d time.Duration, fn func()) func() {
	var cancelled atomic.Bool
	timer := time.AfterFunc(d, func() {
		l.Post(func() {
			if !cancelled.Load() {
				fn()
			}
		})
	})
	return func() {
		cancelled.Store(true)
		timer.Stop()
	}
}

func (l *EventLoop) Now() time.Time {
	return time.Now()
}
