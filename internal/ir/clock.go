package ir

import (
	"sync/atomic"
	"time"
)

// Clock stamps insertion timestamps for a store.
//
// Values follow wall time in milliseconds but are strictly increasing: if
// the wall clock stalls or steps backwards, Next returns last+1. Compaction
// relies on this to treat CreatedAt as a coverage boundary.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	last atomic.Int64
	now  func() time.Time
}

// NewClock creates a clock driven by time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewClockFunc creates a clock driven by now. Used by tests.
func NewClockFunc(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Observe advances the clock so that later stamps exceed t.
// Stores call it while replaying persisted records.
func (c *Clock) Observe(t Timestamp) {
	for {
		last := c.last.Load()
		if int64(t) <= last || c.last.CompareAndSwap(last, int64(t)) {
			return
		}
	}
}

// Next returns the next timestamp. Calls are linearizable.
func (c *Clock) Next() Timestamp {
	for {
		last := c.last.Load()
		next := c.now().UnixMilli()
		if next <= last {
			next = last + 1
		}
		if c.last.CompareAndSwap(last, next) {
			return Timestamp(next)
		}
	}
}

// Current returns the last stamped timestamp without advancing.
func (c *Clock) Current() Timestamp {
	return Timestamp(c.last.Load())
}
