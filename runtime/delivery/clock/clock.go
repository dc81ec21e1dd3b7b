// Package clock abstracts time for the delivery runtime. Production code
// injects Real(); tests inject Fake() and advance time explicitly so expiry,
// backoff and retry scheduling are deterministic.
package clock

import (
	"sync"
	"time"
)

type (
	// Clock returns the current time.
	Clock interface {
		Now() time.Time
	}

	// FakeClock is a manually advanced Clock. Time stands still until Advance
	// or Set is called. It is safe for concurrent use.
	FakeClock struct {
		mu      sync.Mutex
		current time.Time
	}

	realClock struct{}
)

// Real returns a Clock backed by time.Now in UTC.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

// Fake returns a FakeClock initialized to the given time.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d. Negative durations are ignored.
func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.current = c.current.Add(d)
	}
	return c.current
}

// Set moves the clock to t, which may be in the past.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}
