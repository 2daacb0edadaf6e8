// Package testutil holds the deterministic test doubles shared across
// the engine's package tests: a manually advanced clock, a sequential
// ID generator, an in-memory node repository, and a scriptable
// computed-field source.
package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/roach88/weft/internal/subscription"
)

// ManualClock is a subscription.Clock whose time only moves when a test
// calls Advance or Set. Timers fire synchronously inside Advance, in
// deadline order, so debounce behavior is fully deterministic.
//
// Thread-safe.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *ManualClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

// NewManualClock creates a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current frozen instant.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules fn to run when the clock is advanced past d.
func (c *ManualClock) AfterFunc(d time.Duration, fn func()) subscription.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// Stop prevents the timer from firing. Reports whether it was still
// pending.
func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward by d, firing every due timer in
// deadline order. Callbacks run without the clock lock held, so they
// may schedule further timers; timers scheduled inside a callback fire
// in the same Advance when their deadline is already due.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()

	for {
		t := c.nextDue()
		if t == nil {
			return
		}
		t.fn()
	}
}

// nextDue claims the earliest pending timer at or before now, or nil.
func (c *ManualClock) nextDue() *manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := make([]*manualTimer, 0, len(c.timers))
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			pending = append(pending, t)
		}
	}
	c.timers = pending
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].at.Before(pending[j].at) })

	for _, t := range pending {
		if !t.at.After(c.now) {
			t.fired = true
			return t
		}
	}
	return nil
}
