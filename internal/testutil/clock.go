// Package testutil holds helpers shared by the package tests.
package testutil

import (
	"sync"
	"time"
)

// FakeClock is a manually driven clock for tests.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a clock frozen at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the frozen time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Date is a shorthand for a UTC timestamp in tests.
func Date(year int, month time.Month, day, hour, min int) time.Time {
	return time.Date(year, month, day, hour, min, 0, 0, time.UTC)
}
