package scheduler

import (
	"sort"
	"sync"
	"time"
)

type manualTimer struct {
	at        time.Time
	seq       uint64
	fn        func()
	cancelled bool
}

// Manual is a deterministic Executor driven by the caller, with a virtual clock.
type Manual struct {
	mu     sync.Mutex
	queue  []func()
	timers []*manualTimer
	seq    uint64
	now    time.Time
	wake   chan struct{}
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start, wake: make(chan struct{}, 1)}
}

func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manual) After(d time.Duration, fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{at: m.now.Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return func() {
		m.mu.Lock()
		t.cancelled = true
		m.mu.Unlock()
	}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Drain runs queued tasks, including the ones they post, until the queue is empty.
func (m *Manual) Drain() int {
	ran := 0
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return ran
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
		ran++
	}
}

// Advance moves the virtual clock, fires the timers that became due and drains the queue.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	var due, pending []*manualTimer
	for _, t := range m.timers {
		if t.cancelled {
			continue
		}
		if !t.at.After(m.now) {
			due = append(due, t)
		} else {
			pending = append(pending, t)
		}
	}
	m.timers = pending
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].seq < due[j].seq
		}
		return due[i].at.Before(due[j].at)
	})
	for _, t := range due {
		t := t
		m.Post(func() {
			m.mu.Lock()
			cancelled := t.cancelled
			m.mu.Unlock()
			if !cancelled {
				t.fn()
			}
		})
	}
	m.Drain()
}

// Run calls fn on a separate goroutine while the current goroutine serves as the loop, and
// returns once fn has returned and the queue is empty. fn may block on Call.
func (m *Manual) Run(fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	for {
		m.Drain()
		select {
		case <-done:
			m.Drain()
			return
		case <-m.wake:
		}
	}
}

// PendingTimers reports the number of armed, uncancelled timers.
func (m *Manual) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.cancelled {
			n++
		}
	}
	return n
}
