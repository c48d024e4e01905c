// Package clock provides the session clock: the single authority on "current
// time" for a run. Historical replay drives a virtual clock forward from event
// timestamps; live sessions read the wall clock.
package clock

import (
	"sync"
	"time"
)

// SessionClock is consulted for ordering decisions and timeouts.
type SessionClock interface {
	Now() time.Time
	Advance(d time.Duration)
	AdvanceTo(ts time.Time)
}

// Virtual is an in-memory clock advanced only by the replay loop, which keeps
// backtests independent of wall time.
type Virtual struct {
	mu      sync.Mutex
	current time.Time
}

// NewVirtual initialises a virtual clock starting at the provided timestamp.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{current: start.UTC()}
}

// Now returns the current simulated time.
func (c *Virtual) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by the specified duration.
func (c *Virtual) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}

// AdvanceTo moves the clock to the supplied timestamp if it is in the future.
// The clock never moves backward.
func (c *Virtual) AdvanceTo(ts time.Time) {
	ts = ts.UTC()
	c.mu.Lock()
	if ts.After(c.current) {
		c.current = ts
	}
	c.mu.Unlock()
}

// Wall reads the system clock. Advance and AdvanceTo are no-ops: live time
// cannot be steered by the runner.
type Wall struct{}

// NewWall returns a wall clock.
func NewWall() Wall { return Wall{} }

// Now returns the current UTC wall time.
func (Wall) Now() time.Time { return time.Now().UTC() }

// Advance is a no-op for wall clocks.
func (Wall) Advance(time.Duration) {}

// AdvanceTo is a no-op for wall clocks.
func (Wall) AdvanceTo(time.Time) {}
