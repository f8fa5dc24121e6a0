package testutil

import (
	"sync"
	"time"

	"github.com/roach88/autowiki/internal/ir"
)

// StepClock is a wall-clock source for ir.Clock that advances a fixed step
// on every reading.
//
// Unlike ir.Clock, StepClock can be reset for test reuse. The same scenario
// run twice stamps identical CreatedAt values.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type StepClock struct {
	mu    sync.Mutex
	start time.Time
	step  time.Duration
	now   time.Time
}

// NewStepClock creates a clock whose first reading is start.
func NewStepClock(start time.Time, step time.Duration) *StepClock {
	return &StepClock{start: start, step: step, now: start}
}

// Now returns the current reading and advances the clock.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Reset rewinds the clock to its start.
func (c *StepClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}

// Clock returns an ir.Clock driven by c.
func (c *StepClock) Clock() *ir.Clock {
	return ir.NewClockFunc(c.Now)
}
