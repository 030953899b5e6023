package clock

import (
	"sync"
	"time"
)

// FakeClock is a manually driven Clock for tests. Readings only move when a
// test calls Advance or Set, so period rollovers and grace expiry can be
// walked through deterministically. Safe for concurrent readers.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start.UTC()}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d relative to the current reading.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to an absolute instant, normalized to UTC. Useful when
// a test needs to land exactly on a period boundary rather than offset from
// wherever the previous steps left the clock.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}
