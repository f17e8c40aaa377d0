// Package supervisor implements the Process Supervisor (§4.8, §7):
// signal handling, the supervised goroutine set, and graceful shutdown
// draining, grounded on the teacher's errgroup-based main wiring.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// defaultDrainTimeout bounds how long Run waits for registered Drainers
// to finish once shutdown begins, used when SetDrainTimeout is never
// called.
const defaultDrainTimeout = 5 * time.Second

// Exit codes (§6): distinguishing a clean shutdown from a configuration
// failure from an unexpected runtime fault lets an init system or
// container orchestrator restart the process appropriately.
const (
	ExitOK           = 0
	ExitConfigError  = 2
	ExitRuntimeFault = 3
)

// Task is one supervised goroutine. It must return promptly once ctx is
// cancelled; the supervisor does not force-kill a task that ignores
// cancellation.
type Task func(ctx context.Context) error

// Drainer is given a chance to finish in-flight work (e.g. flush
// connections, persist player state) once shutdown begins, before the
// process exits (§4.4, §7).
type Drainer interface {
	Drain(ctx context.Context) error
}

// Supervisor owns the top-level context, the signal handler, and the
// errgroup running every long-lived goroutine (§4.8).
type Supervisor struct {
	tasks    []namedTask
	drainers []Drainer

	drainTimeout time.Duration
	shutdownOnce sync.Once
}

type namedTask struct {
	name string
	fn   Task
}

// New creates an empty Supervisor.
func New() *Supervisor {
	return &Supervisor{}
}

// Add registers a supervised goroutine under name, for log attribution.
func (s *Supervisor) Add(name string, fn Task) {
	s.tasks = append(s.tasks, namedTask{name: name, fn: fn})
}

// AddDrainer registers a collaborator to flush during graceful shutdown.
func (s *Supervisor) AddDrainer(d Drainer) {
	s.drainers = append(s.drainers, d)
}

// SetDrainTimeout bounds how long Run waits for Drainers to finish once
// shutdown begins (§4.4 ShutdownGraceTicks, expressed in wall-clock time
// here since the supervisor has no notion of ticks). Zero restores the
// default.
func (s *Supervisor) SetDrainTimeout(d time.Duration) {
	s.drainTimeout = d
}

// Run installs a SIGINT/SIGTERM handler, starts every registered task via
// errgroup.WithContext, and blocks until either a task returns an error,
// every task returns nil, or a signal arrives and shutdown completes
// (§4.8, §7). It returns the process exit code to use.
func (s *Supervisor) Run(ctx context.Context) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		t := t
		g.Go(func() error {
			slog.Info("task starting", "task", t.name)
			if err := t.fn(gctx); err != nil {
				return fmt.Errorf("task %s: %w", t.name, err)
			}
			slog.Info("task stopped", "task", t.name)
			return nil
		})
	}

	err := g.Wait()

	timeout := s.drainTimeout
	if timeout <= 0 {
		timeout = defaultDrainTimeout
	}
	drainCtx, drainCancel := context.WithTimeout(context.Background(), timeout)
	s.drain(drainCtx)
	drainCancel()

	if err != nil {
		slog.Error("supervisor exiting on task error", "error", err)
		return ExitRuntimeFault
	}
	return ExitOK
}

// drain runs every registered Drainer exactly once, even if shutdown is
// triggered more than once concurrently (signal plus task error racing).
func (s *Supervisor) drain(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		for _, d := range s.drainers {
			if err := d.Drain(ctx); err != nil {
				slog.Error("drain failed", "error", err)
			}
		}
	})
}

