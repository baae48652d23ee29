package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the timeout sweep twice a minute.
const DefaultSweepSchedule = "@every 30s"

// ErrSweepInProgress is returned by Sweep while another sweep is running.
var ErrSweepInProgress = errors.New("sweep already in progress")

// Expirer finalizes executions whose deadline has passed. Satisfied by
// engine.Service (avoids import cycle).
type Expirer interface {
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
}

// Watchdog sweeps live executions on a cron schedule and times out the
// overdue ones.
type Watchdog struct {
	expirer    Expirer
	expression string
	schedule   cron.Schedule
	logger     *slog.Logger
	now        func() time.Time
	cancel     context.CancelFunc
	done       chan struct{}
	mu         sync.Mutex

	sweepMu  sync.Mutex
	sweeping bool
}

// WatchdogOption configures a Watchdog.
type WatchdogOption func(*Watchdog)

// WithClock replaces time.Now as the sweep reference time.
func WithClock(now func() time.Time) WatchdogOption {
	return func(w *Watchdog) { w.now = now }
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a sweep schedule. Standard five-field expressions,
// an optional leading seconds field and descriptors such as "@every 30s"
// are accepted.
func ParseSchedule(expression string) (cron.Schedule, error) {
	sched, err := parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", expression, err)
	}
	return sched, nil
}

// NewWatchdog creates a Watchdog. An empty expression uses DefaultSweepSchedule.
func NewWatchdog(expirer Expirer, expression string, logger *slog.Logger, opts ...WatchdogOption) (*Watchdog, error) {
	if expression == "" {
		expression = DefaultSweepSchedule
	}
	sched, err := ParseSchedule(expression)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	w := &Watchdog{
		expirer:    expirer,
		expression: expression,
		schedule:   sched,
		logger:     logger,
		now:        time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// NextSweep returns the first scheduled sweep after from.
func (w *Watchdog) NextSweep(from time.Time) time.Time {
	return w.schedule.Next(from)
}

// Start launches the background sweep loop.
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.done != nil {
		w.mu.Unlock()
		return fmt.Errorf("watchdog already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go w.loop(loopCtx, done)
	w.logger.Info("timeout watchdog started", "schedule", w.expression)
	return nil
}

func (w *Watchdog) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		now := w.now()
		timer := time.NewTimer(w.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := w.Sweep(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) && ctx.Err() == nil {
				w.logger.Error("timeout sweep failed", "error", err)
			}
		}
	}
}

// Sweep expires every overdue execution now. Overlapping calls do not
// queue: the later one returns ErrSweepInProgress.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	if !w.tryAcquire() {
		return 0, ErrSweepInProgress
	}
	defer w.release()

	n, err := w.expirer.ExpireOverdue(ctx, w.now())
	if n > 0 {
		w.logger.Info("timeout sweep expired executions", "count", n)
	}
	return n, err
}

func (w *Watchdog) tryAcquire() bool {
	w.sweepMu.Lock()
	defer w.sweepMu.Unlock()
	if w.sweeping {
		return false
	}
	w.sweeping = true
	return true
}

func (w *Watchdog) release() {
	w.sweepMu.Lock()
	defer w.sweepMu.Unlock()
	w.sweeping = false
}

// Stop shuts down the sweep loop and waits for a running sweep to return.
func (w *Watchdog) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel == nil {
		return nil
	}

	w.cancel()
	<-w.done
	w.cancel = nil
	w.done = nil

	w.logger.Info("timeout watchdog stopped")
	return nil
}
