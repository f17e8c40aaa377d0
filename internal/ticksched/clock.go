// Package ticksched implements the fixed-rate tick scheduler (§4.5): the
// clock that decides when the next world tick is due, including the
// catch-up/reset policy for a scheduler that falls far behind wall clock.
package ticksched

import "time"

// Clock tracks the next tick boundary for a fixed-rate scheduler. It holds
// no goroutines or timers of its own — Scheduler drives it from a single
// loop, polling Due and advancing with Advance (§4.5).
type Clock struct {
	period     time.Duration
	next       time.Time
	catchUpMax time.Duration
	started    bool
}

// NewClock creates a Clock ticking at the given period, resetting its
// catch-up window if the scheduler ever falls more than catchUpMax behind
// wall clock (§4.5: "if now - next_boundary > CATCH_UP_SLIP_MAX, reset").
func NewClock(period, catchUpMax time.Duration) *Clock {
	return &Clock{period: period, catchUpMax: catchUpMax}
}

// Start anchors the schedule at now: the first boundary falls one period
// after now.
func (c *Clock) Start(now time.Time) {
	c.next = now.Add(c.period)
	c.started = true
}

// Due reports whether a tick boundary has been reached or passed as of now
// (§4.5: "run game tick only if now >= next_boundary").
func (c *Clock) Due(now time.Time) bool {
	if !c.started {
		return true
	}
	return !now.Before(c.next)
}

// Advance consumes exactly one due boundary and returns the duration the
// scheduler slipped behind schedule (now - next, clamped to zero), plus
// whether this call reset the schedule for having slipped past
// catchUpMax. Exactly one call to Advance corresponds to exactly one world
// tick — the caller must never loop Advance to "catch up" by running
// multiple ticks per iteration (§4.5 invariant: "exactly one tick per
// iteration").
func (c *Clock) Advance(now time.Time) (slip time.Duration, reset bool) {
	slip = now.Sub(c.next)
	if slip < 0 {
		slip = 0
	}

	if slip > c.catchUpMax {
		// Too far behind to chase: reset the schedule from now rather
		// than spin through a burst of immediately-due ticks (§4.5).
		c.next = now.Add(c.period)
		return slip, true
	}

	c.next = c.next.Add(c.period)
	return slip, false
}

// NextBoundary returns the wall-clock time of the next due tick, for the
// caller to compute how long it may safely sleep.
func (c *Clock) NextBoundary() time.Time { return c.next }

// SleepDuration returns how long the caller may sleep before the next
// boundary is due, clamped to zero (never negative).
func (c *Clock) SleepDuration(now time.Time) time.Duration {
	d := c.next.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
