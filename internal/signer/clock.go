package signer

import (
	"sync"
	"time"
)

// Clock returns the current time as Unix milliseconds.
type Clock interface {
	Now() uint64
}

// MonotonicClock anchors to the wall clock once and then advances with the
// monotonic clock, so readings never decrease when the system time is
// stepped backwards.
type MonotonicClock struct {
	start   time.Time  // start carries both wall and monotonic readings
	startMs uint64     // startMs is the wall time of start in milliseconds
	mu      sync.Mutex // mu protects last
	last    uint64     // last is the highest value returned
}

// NewMonotonicClock creates a clock anchored at the current wall time.
func NewMonotonicClock() *MonotonicClock {
	now := time.Now()

	return &MonotonicClock{
		start:   now,
		startMs: uint64(now.UnixMilli()),
	}
}

// Now returns the current time in Unix milliseconds.
func (c *MonotonicClock) Now() uint64 {
	ms := c.startMs + uint64(time.Since(c.start).Milliseconds())

	c.mu.Lock()
	defer c.mu.Unlock()

	if ms < c.last {
		ms = c.last
	}

	c.last = ms

	return ms
}

// FixedClock is a manually driven clock for tests and simulations.
type FixedClock struct {
	mu  sync.Mutex
	now uint64
}

// NewFixedClock creates a clock reading now.
func NewFixedClock(now uint64) *FixedClock {
	return &FixedClock{now: now}
}

// Now returns the configured time.
func (c *FixedClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

// Set moves the clock to now.
func (c *FixedClock) Set(now uint64) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Advance moves the clock forward by d milliseconds.
func (c *FixedClock) Advance(d uint64) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}
