package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockExpirer struct {
	mu      sync.Mutex
	calls   []time.Time
	expired int
	err     error
	block   chan struct{}
	entered chan struct{}
}

func (m *mockExpirer) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	m.calls = append(m.calls, now)
	block, entered := m.block, m.entered
	m.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return m.expired, m.err
}

func (m *mockExpirer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func TestParseSchedule(t *testing.T) {
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	sched, err := ParseSchedule("*/15 * * * *")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), sched.Next(from))

	sched, err = ParseSchedule("*/10 * * * * *")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 0, 10, 0, time.UTC), sched.Next(from))

	sched, err = ParseSchedule("@every 30s")
	require.NoError(t, err)
	assert.Equal(t, from.Add(30*time.Second), sched.Next(from))

	_, err = ParseSchedule("invalid cron")
	require.Error(t, err)
}

func TestNewWatchdog_DefaultAndInvalidSchedule(t *testing.T) {
	w, err := NewWatchdog(&mockExpirer{}, "", nil)
	require.NoError(t, err)
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(30*time.Second), w.NextSweep(from))

	_, err = NewWatchdog(&mockExpirer{}, "every now and then", nil)
	require.Error(t, err)
}

func TestSweepUsesClock(t *testing.T) {
	fixed := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	exp := &mockExpirer{expired: 2}
	w, err := NewWatchdog(exp, "@every 1h", nil, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	n, err := w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Equal(t, 1, exp.callCount())
	assert.Equal(t, fixed, exp.calls[0])
}

func TestSweepPropagatesError(t *testing.T) {
	exp := &mockExpirer{expired: 1, err: errors.New("store down")}
	w, err := NewWatchdog(exp, "@every 1h", nil)
	require.NoError(t, err)

	n, err := w.Sweep(context.Background())
	assert.EqualError(t, err, "store down")
	assert.Equal(t, 1, n)
}

func TestSweepDedup(t *testing.T) {
	exp := &mockExpirer{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	w, err := NewWatchdog(exp, "@every 1h", nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := w.Sweep(context.Background())
		errCh <- err
	}()
	<-exp.entered

	_, err = w.Sweep(context.Background())
	assert.ErrorIs(t, err, ErrSweepInProgress)

	close(exp.block)
	require.NoError(t, <-errCh)

	exp.mu.Lock()
	exp.block = nil
	exp.entered = nil
	exp.mu.Unlock()
	_, err = w.Sweep(context.Background())
	require.NoError(t, err, "lock is released after a sweep")
	assert.Equal(t, 2, exp.callCount())
}

func TestStartStop(t *testing.T) {
	w, err := NewWatchdog(&mockExpirer{}, "@every 1h", nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, w.Start(ctx))

	err = w.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	require.NoError(t, w.Start(ctx), "restart after stop")
	require.NoError(t, w.Stop())
}

func TestLoopSweepsOnSchedule(t *testing.T) {
	exp := &mockExpirer{}
	// cron rounds @every up to whole seconds.
	w, err := NewWatchdog(exp, "@every 1s", nil)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	require.Eventually(t, func() bool { return exp.callCount() >= 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestStopInterruptsRunningSweep(t *testing.T) {
	exp := &mockExpirer{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	w, err := NewWatchdog(exp, "@every 1s", nil)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	<-exp.entered

	stopped := make(chan struct{})
	go func() {
		_ = w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop did not cancel the running sweep")
	}
}
