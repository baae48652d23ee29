package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/flowtrack/internal/store"
)

// flushLoop runs until ctx is cancelled and closes done on exit.
func (t *Tracker) flushLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.flushIfDirty(ctx)
		}
	}
}

// flushIfDirty starts a background write when there is unsaved state and
// no write already in flight. It returns without waiting for the write.
func (t *Tracker) flushIfDirty(ctx context.Context) {
	t.mu.Lock()
	if t.finalized || !t.dirty || t.flushing || t.opts.Store == nil {
		t.mu.Unlock()
		return
	}
	update, err := t.buildUpdate(false)
	if err != nil {
		t.mu.Unlock()
		t.logger.Warn("flush skipped, state could not be encoded", "error", err)
		return
	}
	gen := t.generation
	t.flushing = true
	t.flushWG.Add(1)
	t.mu.Unlock()

	job := func(ctx context.Context) error {
		return t.write(ctx, update, gen)
	}

	if t.opts.Dispatcher == nil {
		_ = job(context.Background())
		return
	}
	if err := t.opts.Dispatcher.Submit(ctx, job); err != nil {
		t.logger.Warn("flush not dispatched", "error", err)
		t.mu.Lock()
		t.flushing = false
		t.mu.Unlock()
		t.flushWG.Done()
	}
}

// write performs one background flush. The dirty flag is cleared only if
// no mutation happened since the update was built.
func (t *Tracker) write(ctx context.Context, update store.ExecutionUpdate, gen uint64) (err error) {
	defer func() {
		t.mu.Lock()
		t.flushing = false
		if err == nil && t.generation == gen {
			t.dirty = false
		}
		t.mu.Unlock()
		t.flushWG.Done()
	}()

	ctx, cancel := context.WithTimeout(ctx, t.opts.FlushTimeout)
	defer cancel()

	if err = t.opts.Store.UpdateExecution(ctx, t.executionID, update); err != nil {
		t.logger.Warn("flush failed, will retry on next tick", "error", err)
		return err
	}
	t.logger.Debug("execution state flushed", "progress", *update.Progress)
	return nil
}

// buildUpdate derives the persisted record from the current state. Only a
// final update carries completion time and duration; started_at is written
// while the execution is still live. Caller holds mu.
func (t *Tracker) buildUpdate(final bool) (store.ExecutionUpdate, error) {
	status := t.status
	progress := t.progress
	completed := t.completed
	failed := t.failed

	update := store.ExecutionUpdate{
		Status:         &status,
		Progress:       &progress,
		StepsCompleted: &completed,
		StepsFailed:    &failed,
	}

	steps := make(map[string]StepExecutionState, len(t.steps))
	for k, s := range t.steps {
		steps[k] = *s
	}
	raw, err := json.Marshal(steps)
	if err != nil {
		return store.ExecutionUpdate{}, fmt.Errorf("encode step states: %w", err)
	}
	update.StepStates = raw

	if t.errorMessage != "" {
		msg := t.errorMessage
		update.ErrorMessage = &msg
	}
	if t.output != nil {
		out, err := json.Marshal(t.output)
		if err != nil {
			return store.ExecutionUpdate{}, fmt.Errorf("encode output: %w", err)
		}
		update.Output = out
	}

	if final {
		update.CompletedAt = cloneTime(t.completedAt)
		update.DurationMs = cloneInt64(t.durationMs)
	} else if t.startedAt != nil {
		update.StartedAt = cloneTime(t.startedAt)
	}
	return update, nil
}
