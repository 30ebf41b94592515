// Package clock provides the single time source used for every deadline in
// the core: approval expiry, credential expiry, stage deadlines, rate-limit
// windows, and backoff sleeps. Tests substitute the manual clock.
package clock

import (
	"sync"
	"time"
)

// Clock is the time abstraction injected into every component.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that fires once the given duration has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Real is the wall clock.
type Real struct{}

// NewReal returns the wall clock
func NewReal() *Real { return &Real{} }

func (*Real) Now() time.Time { return time.Now() }

func (*Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Manual is a test clock advanced explicitly by the caller.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// NewManual creates a manual clock starting at the given time
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan time.Time, 1)
	at := m.now.Add(d)
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, waiter{at: at, ch: ch})
	return ch
}

// Advance moves the clock forward and fires any waiters whose deadline has
// been reached.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now

	var remaining []waiter
	var fired []waiter
	for _, w := range m.waiters {
		if !w.at.After(now) {
			fired = append(fired, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	m.waiters = remaining
	m.mu.Unlock()

	for _, w := range fired {
		w.ch <- now
	}
}

// Set jumps the clock to an absolute time, firing waiters along the way.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	d := t.Sub(m.now)
	m.mu.Unlock()
	if d > 0 {
		m.Advance(d)
	}
}
