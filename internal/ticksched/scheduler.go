package ticksched

import (
	"context"
	"log/slog"
	"time"
)

// TickFunc runs one world tick. slip is how far wall clock had drifted
// past the tick's scheduled boundary when it fired (§4.5).
type TickFunc func(slip time.Duration)

// IOFunc runs one network I/O pass (accept/read/write). The scheduler
// calls this every loop iteration regardless of whether a tick is due,
// so connections stay responsive between ticks (§4.4, §4.5).
type IOFunc func()

// Scheduler drives the single-threaded tick loop: run at most one world
// tick per iteration when due, then poll for I/O, then sleep until the next
// boundary (or a short poll interval, whichever is sooner) (§4.5).
type Scheduler struct {
	clock   *Clock
	onTick  TickFunc
	onIO    IOFunc
	ioSlice time.Duration

	lastSlip time.Duration
}

// New creates a Scheduler ticking at period with catch-up reset threshold
// catchUpMax. ioSlice bounds how long the loop sleeps between iterations
// when no tick is yet due, so I/O stays responsive even at a low tick rate
// (§4.4 IO_SLICE, §4.5).
func New(period, catchUpMax, ioSlice time.Duration, onTick TickFunc, onIO IOFunc) *Scheduler {
	return &Scheduler{
		clock:   NewClock(period, catchUpMax),
		onTick:  onTick,
		onIO:    onIO,
		ioSlice: ioSlice,
	}
}

// Run drives the loop until ctx is cancelled (§4.5, §7: supervised by the
// process supervisor's errgroup so shutdown can cancel it cleanly). Each
// iteration runs at most one due tick, THEN the I/O pass, in that order —
// never the reverse — so bytes a command handler reads this iteration are
// only visible to the world tick on the NEXT iteration (§4.5's one-tick
// input delay, §5's "tick's bytes become visible to send() in the same
// iteration's I/O pass"). A tick that is still due immediately after
// Advance (because the scheduler is catching up from a slip) still gets
// its own I/O pass before the next one fires.
func (s *Scheduler) Run(ctx context.Context) error {
	s.clock.Start(time.Now())

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		now := time.Now()
		if s.clock.Due(now) {
			slip, reset := s.clock.Advance(now)
			s.lastSlip = slip
			if reset {
				slog.Warn("Server too slow", "slip", slip)
			} else if slip > 0 {
				slog.Debug("tick boundary slipped", "slip", slip)
			}
			if s.onTick != nil {
				s.onTick(slip)
			}
		}

		if s.onIO != nil {
			s.onIO()
		}

		now = time.Now()
		sleep := s.clock.SleepDuration(now)
		if sleep > s.ioSlice {
			sleep = s.ioSlice
		}
		if sleep > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(sleep):
			}
		}
	}
}

// LastSlip returns the drift observed at the most recent tick boundary,
// for diagnostics/metrics.
func (s *Scheduler) LastSlip() time.Duration { return s.lastSlip }
