// Package queuetest holds helpers shared by the queue tests: a manual clock
// and a behavioural suite every queue.Store implementation must pass.
package queuetest

import (
	"sync"
	"time"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed, second-aligned instant so every backend
// stores it without rounding.
func NewClock() *Clock {
	return NewClockAt(time.Unix(1_700_000_000, 0).UTC())
}

// NewClockAt starts a clock at t.
func NewClockAt(t time.Time) *Clock {
	return &Clock{now: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
