package domain

import "time"

// Clock abstracts wall and monotonic time so tests can pin it.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

type realClock struct{}

func (realClock) Now() time.Time                  { return time.Now() }
func (realClock) Since(t time.Time) time.Duration { return time.Since(t) }

// RealClock returns the system clock.
func RealClock() Clock { return realClock{} }

// FixedClock is a test clock pinned at a point in time. Advance moves it.
type FixedClock struct {
	T time.Time
}

func (c *FixedClock) Now() time.Time                  { return c.T }
func (c *FixedClock) Since(t time.Time) time.Duration { return c.T.Sub(t) }
func (c *FixedClock) Advance(d time.Duration)         { c.T = c.T.Add(d) }
