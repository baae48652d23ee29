package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowtrack/internal/store"
	"github.com/rendis/flowtrack/pkg/schema"
)

// --- Test helpers ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingStore records every update. The next failNext calls fail.
type recordingStore struct {
	mu       sync.Mutex
	updates  []store.ExecutionUpdate
	calls    int
	failNext int
}

func (s *recordingStore) UpdateExecution(_ context.Context, _ string, u store.ExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failNext > 0 {
		s.failNext--
		return errors.New("database is locked")
	}
	s.updates = append(s.updates, u)
	return nil
}

func (s *recordingStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *recordingStore) Updates() []store.ExecutionUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.ExecutionUpdate(nil), s.updates...)
}

type recordingSubscriber struct {
	mu     sync.Mutex
	events []any
}

func (r *recordingSubscriber) OnStatusUpdate(ev StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSubscriber) OnStepStatusChange(ev StepStatusChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSubscriber) Events() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.events...)
}

func (r *recordingSubscriber) StatusUpdates() []StatusUpdate {
	var out []StatusUpdate
	for _, ev := range r.Events() {
		if su, ok := ev.(StatusUpdate); ok {
			out = append(out, su)
		}
	}
	return out
}

func (r *recordingSubscriber) StepChanges() []StepStatusChange {
	var out []StepStatusChange
	for _, ev := range r.Events() {
		if sc, ok := ev.(StepStatusChange); ok {
			out = append(out, sc)
		}
	}
	return out
}

type testTracker struct {
	*Tracker
	clock *fakeClock
	store *recordingStore
	subs  *recordingSubscriber
}

// newTestTracker builds a tracker with the background flush disabled.
func newTestTracker(t *testing.T, opts Options) *testTracker {
	t.Helper()
	clock := newFakeClock()
	st := &recordingStore{}
	subs := &recordingSubscriber{}
	if opts.FlushInterval == 0 {
		opts.FlushInterval = -1
	}
	if opts.Store == nil {
		opts.Store = st
	}
	opts.Clock = clock.Now
	opts.Subscribers = append(opts.Subscribers, subs)
	tr := New("ex-1", "wf-1", opts)
	t.Cleanup(tr.Destroy)
	return &testTracker{Tracker: tr, clock: clock, store: st, subs: subs}
}

func steps(keys ...string) []schema.StepDefinition {
	out := make([]schema.StepDefinition, len(keys))
	for i, k := range keys {
		out[i] = schema.StepDefinition{Key: k}
	}
	return out
}

func requireCountsConsistent(t *testing.T, s ExecutionState) {
	t.Helper()
	sum := s.StepsPending + s.StepsRunning + s.StepsCompleted + s.StepsFailed + s.StepsSkipped
	require.Equal(t, s.StepsTotal, sum, "counts %+v", s)

	byStatus := map[schema.StepStatus]int{}
	for _, st := range s.Steps {
		byStatus[st.Status]++
	}
	require.Equal(t, byStatus[schema.StepStatusPending], s.StepsPending)
	require.Equal(t, byStatus[schema.StepStatusRunning], s.StepsRunning)
	require.Equal(t, byStatus[schema.StepStatusCompleted], s.StepsCompleted)
	require.Equal(t, byStatus[schema.StepStatusFailed], s.StepsFailed)
	require.Equal(t, byStatus[schema.StepStatusSkipped], s.StepsSkipped)
}

// --- Lifecycle ---

func TestTracker_TwoStepScenario(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize([]schema.StepDefinition{{Key: "a"}, {Key: "b", DependsOn: []string{"a"}}})
	tr.Start()

	tr.StartStep("a")
	s := tr.State()
	assert.Equal(t, "a", s.CurrentStep)
	assert.Equal(t, 1, s.StepsRunning)
	assert.Equal(t, 0, s.Progress)

	tr.clock.Advance(1500 * time.Millisecond)
	tr.CompleteStep("a", map[string]any{"x": 1})
	s = tr.State()
	assert.Equal(t, 1, s.StepsCompleted)
	assert.Equal(t, 0, s.StepsRunning)
	assert.Equal(t, 50, s.Progress)
	assert.Equal(t, map[string]any{"x": float64(1)}, s.IntermediateResults["a"])
	require.NotNil(t, s.Steps["a"].DurationMs)
	assert.Equal(t, int64(1500), *s.Steps["a"].DurationMs)
	assert.Empty(t, s.CurrentStep)

	tr.StartStep("b")
	tr.CompleteStep("b", nil)
	assert.Equal(t, 100, tr.Progress())
	assert.False(t, tr.IsComplete())

	tr.clock.Advance(time.Second)
	tr.Finalize(context.Background(), schema.ExecutionStatusCompleted, nil)
	assert.True(t, tr.IsComplete())

	s = tr.State()
	assert.Equal(t, schema.ExecutionStatusCompleted, s.Status)
	require.NotNil(t, s.DurationMs)
	assert.Equal(t, int64(2500), *s.DurationMs)
	requireCountsConsistent(t, s)
}

func TestTracker_NewIsPending(t *testing.T) {
	tr := newTestTracker(t, Options{})
	s := tr.State()
	assert.Equal(t, "ex-1", s.ExecutionID)
	assert.Equal(t, "wf-1", s.WorkflowID)
	assert.Equal(t, schema.ExecutionStatusPending, s.Status)
	assert.Zero(t, s.StepsTotal)
	assert.Zero(t, s.Progress)
	assert.False(t, tr.IsComplete())
	_, started := tr.StartedAt()
	assert.False(t, started)
}

func TestTracker_InitializeTwiceIgnored(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize(steps("a", "b"))
	tr.StartStep("a")
	tr.Initialize(steps("x", "y", "z"))

	s := tr.State()
	assert.Equal(t, 2, s.StepsTotal)
	assert.Equal(t, 1, s.StepsRunning)
	_, ok := s.Steps["x"]
	assert.False(t, ok)
	requireCountsConsistent(t, s)
}

func TestTracker_InitializeUsesDisplayName(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize([]schema.StepDefinition{{Key: "build", Name: "Build image"}, {Key: "push"}})

	b, ok := tr.StepState("build")
	require.True(t, ok)
	assert.Equal(t, "Build image", b.StepName)
	p, _ := tr.StepState("push")
	assert.Equal(t, "push", p.StepName)
	_, ok = tr.StepState("missing")
	assert.False(t, ok)
}

func TestTracker_StartTwiceIgnored(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize(steps("a"))
	tr.Start()
	first, _ := tr.StartedAt()

	tr.clock.Advance(time.Minute)
	tr.Start()
	second, _ := tr.StartedAt()
	assert.Equal(t, first, second)
	assert.Len(t, tr.subs.StatusUpdates(), 1)
}

// --- Step transitions ---

func TestTracker_DoubleCompleteIsNoOp(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize(steps("a", "b"))
	tr.StartStep("a")
	tr.CompleteStep("a", "first")
	before := tr.State()
	events := len(tr.subs.Events())

	tr.CompleteStep("a", "second")
	tr.FailStep("a", "late failure")
	tr.SkipStep("a", "late skip")

	after := tr.State()
	assert.Equal(t, before.StepsCompleted, after.StepsCompleted)
	assert.Equal(t, before.StepsRunning, after.StepsRunning)
	assert.Equal(t, before.Progress, after.Progress)
	assert.Equal(t, "first", after.IntermediateResults["a"])
	assert.Equal(t, schema.StepStatusCompleted, after.Steps["a"].Status)
	assert.Empty(t, after.Steps["a"].Error)
	assert.Len(t, tr.subs.Events(), events)
	requireCountsConsistent(t, after)
}

func TestTracker_CompleteRequiresRunning(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize(steps("a"))

	tr.CompleteStep("a", "out")
	tr.FailStep("a", "boom")

	s := tr.State()
	assert.Equal(t, schema.StepStatusPending, s.Steps["a"].Status)
	assert.Equal(t, 1, s.StepsPending)
	assert.Empty(t, s.IntermediateResults)
	assert.Empty(t, tr.subs.StepChanges())
}

func TestTracker_StartStepTwiceIgnored(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize(steps("a"))
	tr.StartStep("a")
	tr.StartStep("a")

	s := tr.State()
	assert.Equal(t, 1, s.StepsRunning)
	assert.Equal(t, 0, s.StepsPending)
	assert.Len(t, tr.subs.StepChanges(), 1)
}

func TestTracker_FailStep(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize(steps("a", "b"))
	tr.StartStep("a")
	tr.FailStep("a", "exit status 1")

	s := tr.State()
	assert.Equal(t, 1, s.StepsFailed)
	assert.Equal(t, 50, s.Progress)
	assert.Equal(t, "exit status 1", s.Steps["a"].Error)
	assert.Nil(t, s.Steps["a"].Output)
	assert.Empty(t, s.IntermediateResults)
	requireCountsConsistent(t, s)
}

func TestTracker_SkipFromPendingAndRunning(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize(steps("a", "b", "c"))

	tr.SkipStep("a", "condition false")
	tr.StartStep("b")
	tr.SkipStep("b", "")

	s := tr.State()
	assert.Equal(t, 2, s.StepsSkipped)
	assert.Equal(t, 1, s.StepsPending)
	assert.Equal(t, 0, s.StepsRunning)
	assert.Equal(t, 67, s.Progress)
	assert.Equal(t, "condition false", s.Steps["a"].Error)
	assert.Empty(t, s.Steps["b"].Error)
	assert.Nil(t, s.Steps["a"].DurationMs, "never-started step has no duration")
	assert.NotNil(t, s.Steps["b"].DurationMs)
	assert.Empty(t, s.CurrentStep)
	requireCountsConsistent(t, s)
}

func TestTracker_UnknownStepIsNoOp(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize(steps("a"))
	before := tr.State()

	tr.StartStep("ghost")
	tr.CompleteStep("ghost", 1)
	tr.FailStep("ghost", "x")
	tr.SkipStep("ghost", "x")
	tr.RecordRetry("ghost", 3)

	after := tr.State()
	assert.Equal(t, before.Steps, after.Steps)
	assert.Equal(t, before.StepsPending, after.StepsPending)
	assert.Empty(t, tr.subs.Events())
}

func TestTracker_TransitionsBeforeInitialize(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.StartStep("a")
	tr.CompleteStep("a", 1)

	s := tr.State()
	assert.Zero(t, s.StepsTotal)
	assert.Empty(t, s.Steps)
}

func TestTracker_CurrentStepTracksLatestStarted(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize(steps("a", "b"))
	tr.StartStep("a")
	tr.StartStep("b")
	assert.Equal(t, "b", tr.CurrentStep())

	tr.CompleteStep("a", nil)
	assert.Equal(t, "b", tr.CurrentStep(), "finishing another step keeps current")

	tr.CompleteStep("b", nil)
	assert.Empty(t, tr.CurrentStep())
}

func TestTracker_ProgressRounding(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize(steps("a", "b", "c"))

	want := []int{33, 67, 100}
	for i, k := range []string{"a", "b", "c"} {
		tr.StartStep(k)
		tr.CompleteStep(k, nil)
		assert.Equal(t, want[i], tr.Progress())
	}
}

func TestTracker_EmptyStepList(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize(nil)
	tr.Start()
	assert.Zero(t, tr.Progress())
	tr.Finalize(context.Background(), schema.ExecutionStatusCompleted, nil)
	assert.True(t, tr.IsComplete())
}

// --- Retry and error ---

func TestTracker_RecordRetry(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize(steps("a", "b"))

	tr.StartStep("a")
	tr.RecordRetry("a", 2)
	a, _ := tr.StepState("a")
	assert.Equal(t, 2, a.RetryCount)
	assert.Equal(t, schema.StepStatusRunning, a.Status)

	tr.RecordRetry("b", 1)
	b, _ := tr.StepState("b")
	assert.Equal(t, 1, b.RetryCount)

	tr.CompleteStep("a", nil)
	tr.RecordRetry("a", 5)
	a, _ = tr.StepState("a")
	assert.Equal(t, 2, a.RetryCount, "terminal step keeps its retry count")

	requireCountsConsistent(t, tr.State())
	assert.Len(t, tr.subs.StepChanges(), 2, "retries emit no notifications")
}

func TestTracker_SetError(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize(steps("a"))
	tr.Start()
	tr.SetError("upstream unavailable")

	s := tr.State()
	assert.Equal(t, "upstream unavailable", s.ErrorMessage)
	assert.Equal(t, schema.ExecutionStatusRunning, s.Status)
}

// --- Finalize ---

func TestTracker_FinalizeTwice(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize(steps("a"))
	tr.Start()
	tr.StartStep("a")
	tr.CompleteStep("a", nil)

	tr.Finalize(context.Background(), schema.ExecutionStatusCompleted, map[string]any{"ok": true})
	before := tr.State()

	tr.clock.Advance(time.Minute)
	tr.Finalize(context.Background(), schema.ExecutionStatusFailed, "other")

	after := tr.State()
	assert.Equal(t, before, after)
	assert.Equal(t, 1, tr.store.Calls())
	updates := tr.subs.StatusUpdates()
	require.Len(t, updates, 2) // Start + first Finalize
	assert.Equal(t, schema.ExecutionStatusRunning, updates[1].PreviousStatus)
	assert.Equal(t, schema.ExecutionStatusCompleted, updates[1].Status)
	assert.Equal(t, 100, updates[1].Progress)
}

func TestTracker_FinalizeWritesFinalRecord(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize(steps("a", "b"))
	tr.Start()
	tr.StartStep("a")
	tr.FailStep("a", "boom")
	tr.SetError("step a failed")
	tr.clock.Advance(3 * time.Second)

	tr.Finalize(context.Background(), schema.ExecutionStatusFailed, map[string]any{"failed": "a"})

	updates := tr.store.Updates()
	require.Len(t, updates, 1)
	u := updates[0]
	assert.Equal(t, schema.ExecutionStatusFailed, *u.Status)
	assert.Equal(t, 0, *u.StepsCompleted)
	assert.Equal(t, 1, *u.StepsFailed)
	assert.Equal(t, "step a failed", *u.ErrorMessage)
	assert.JSONEq(t, `{"failed":"a"}`, string(u.Output))
	require.NotNil(t, u.CompletedAt)
	require.NotNil(t, u.DurationMs)
	assert.Equal(t, int64(3000), *u.DurationMs)
	assert.Nil(t, u.StartedAt, "started_at is only written while live")

	var stepStates map[string]StepExecutionState
	require.NoError(t, json.Unmarshal(u.StepStates, &stepStates))
	assert.Equal(t, schema.StepStatusFailed, stepStates["a"].Status)
	assert.Equal(t, schema.StepStatusPending, stepStates["b"].Status)
}

func TestTracker_FinalizeWithoutDirtyStillWrites(t *testing.T) {
	st := &recordingStore{}
	tr := newTestTracker(t, Options{Store: st, FlushInterval: 5 * time.Millisecond})
	tr.Initialize(steps("a"))
	require.Eventually(t, func() bool { return st.Calls() >= 1 }, time.Second, 5*time.Millisecond)

	tr.Finalize(context.Background(), schema.ExecutionStatusCancelled, nil)
	updates := st.Updates()
	last := updates[len(updates)-1]
	assert.Equal(t, schema.ExecutionStatusCancelled, *last.Status)
	assert.NotNil(t, last.CompletedAt)
}

func TestTracker_FinalizeStoreFailureIsSwallowed(t *testing.T) {
	st := &recordingStore{failNext: 1}
	tr := newTestTracker(t, Options{Store: st})
	tr.Initialize(steps("a"))
	tr.Start()

	tr.Finalize(context.Background(), schema.ExecutionStatusTimeout, nil)

	assert.True(t, tr.IsComplete())
	assert.Equal(t, schema.ExecutionStatusTimeout, tr.Status())
	assert.Equal(t, 1, st.Calls())
	assert.Len(t, tr.subs.StatusUpdates(), 2)
}

func TestTracker_FinalizeNonTerminalIgnored(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize(steps("a"))
	tr.Start()
	tr.Finalize(context.Background(), schema.ExecutionStatusRunning, nil)

	assert.False(t, tr.IsComplete())
	assert.Zero(t, tr.store.Calls())
}

func TestTracker_FinalizeBeforeStart(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize(steps("a"))
	tr.Finalize(context.Background(), schema.ExecutionStatusCancelled, nil)

	s := tr.State()
	assert.Equal(t, schema.ExecutionStatusCancelled, s.Status)
	require.NotNil(t, s.DurationMs)
	assert.Zero(t, *s.DurationMs)
}

func TestTracker_MutationsAfterFinalizeIgnored(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize(steps("a", "b"))
	tr.Start()
	tr.StartStep("a")
	tr.Finalize(context.Background(), schema.ExecutionStatusCancelled, nil)
	before := tr.State()
	events := len(tr.subs.Events())

	tr.Start()
	tr.StartStep("b")
	tr.CompleteStep("a", 1)
	tr.SkipStep("b", "late")
	tr.RecordRetry("a", 4)
	tr.SetError("late error")

	assert.Equal(t, before, tr.State())
	assert.Len(t, tr.subs.Events(), events)
	assert.Equal(t, 1, tr.store.Calls())
}

func TestTracker_NilStore(t *testing.T) {
	tr := New("ex-nil", "wf", Options{FlushInterval: time.Millisecond})
	defer tr.Destroy()
	tr.Initialize(steps("a"))
	tr.Start()
	tr.StartStep("a")
	tr.CompleteStep("a", 1)
	tr.Finalize(context.Background(), schema.ExecutionStatusCompleted, nil)
	assert.True(t, tr.IsComplete())
}

// --- Intermediate results ---

func TestTracker_SizeCapRetainsAtMostOne(t *testing.T) {
	tr := newTestTracker(t, Options{MaxIntermediateResultsSize: 64})
	tr.Initialize(steps("a", "b"))

	big := strings.Repeat("x", 40)
	for _, k := range []string{"a", "b"} {
		tr.StartStep(k)
		tr.CompleteStep(k, map[string]any{"payload": big})
	}

	s := tr.State()
	assert.LessOrEqual(t, len(s.IntermediateResults), 1)
	assert.Equal(t, schema.StepStatusCompleted, s.Steps["a"].Status)
	assert.Equal(t, schema.StepStatusCompleted, s.Steps["b"].Status)
	assert.Equal(t, 100, s.Progress)
	_, kept := s.IntermediateResults["a"]
	assert.True(t, kept, "admission-only: the first result stays")
	assert.Nil(t, s.Steps["b"].Output)
}

func TestTracker_OversizedSingleResultDropped(t *testing.T) {
	tr := newTestTracker(t, Options{MaxIntermediateResultsSize: 8})
	tr.Initialize(steps("a"))
	tr.StartStep("a")
	tr.CompleteStep("a", "this output is longer than eight bytes")

	s := tr.State()
	assert.Empty(t, s.IntermediateResults)
	assert.Equal(t, 1, s.StepsCompleted)
}

func TestTracker_DisableIntermediateResults(t *testing.T) {
	tr := newTestTracker(t, Options{DisableIntermediateResults: true})
	tr.Initialize(steps("a"))
	tr.StartStep("a")
	tr.CompleteStep("a", map[string]any{"x": 1})

	s := tr.State()
	assert.Nil(t, s.IntermediateResults)
	assert.Nil(t, s.Steps["a"].Output)
	assert.Equal(t, 1, s.StepsCompleted)
}

func TestTracker_UnencodableOutputStillCompletes(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize(steps("a"))
	tr.StartStep("a")
	tr.CompleteStep("a", make(chan int))

	s := tr.State()
	assert.Equal(t, schema.StepStatusCompleted, s.Steps["a"].Status)
	assert.Empty(t, s.IntermediateResults)
}

// --- Snapshot isolation ---

func TestTracker_StateIsDeepCopy(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize(steps("a"))
	tr.Start()
	tr.StartStep("a")

	output := map[string]any{"items": []any{"one", map[string]any{"n": 1}}}
	tr.CompleteStep("a", output)
	tr.Finalize(context.Background(), schema.ExecutionStatusCompleted, map[string]any{"k": []any{1}})

	// Mutating the caller's value after the fact has no effect.
	output["items"] = nil

	s := tr.State()
	s.Steps["a"] = StepExecutionState{Status: schema.StepStatusFailed}
	s.IntermediateResults["a"].(map[string]any)["items"].([]any)[1].(map[string]any)["n"] = 99
	s.Output.(map[string]any)["k"].([]any)[0] = "changed"
	*s.StartedAt = time.Time{}
	*s.DurationMs = -1

	fresh := tr.State()
	assert.Equal(t, schema.StepStatusCompleted, fresh.Steps["a"].Status)
	items := fresh.IntermediateResults["a"].(map[string]any)["items"].([]any)
	assert.Equal(t, float64(1), items[1].(map[string]any)["n"])
	assert.Equal(t, float64(1), fresh.Output.(map[string]any)["k"].([]any)[0])
	assert.False(t, fresh.StartedAt.IsZero())
	assert.NotEqual(t, int64(-1), *fresh.DurationMs)

	step, _ := tr.StepState("a")
	step.Output.(map[string]any)["items"] = "gone"
	again, _ := tr.StepState("a")
	assert.IsType(t, []any{}, again.Output.(map[string]any)["items"])
}

func TestExecutionState_StepStatuses(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize(steps("a", "b"))
	tr.SkipStep("b", "")
	assert.Equal(t, map[string]any{"a": "pending", "b": "skipped"}, tr.State().StepStatuses())
}

// --- Notifications ---

func TestTracker_NotificationSequence(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize(steps("a"))
	tr.Start()
	tr.StartStep("a")
	tr.clock.Advance(250 * time.Millisecond)
	tr.CompleteStep("a", nil)
	tr.Finalize(context.Background(), schema.ExecutionStatusCompleted, nil)

	events := tr.subs.Events()
	require.Len(t, events, 4)

	start := events[0].(StatusUpdate)
	assert.Equal(t, schema.ExecutionStatusPending, start.PreviousStatus)
	assert.Equal(t, schema.ExecutionStatusRunning, start.Status)
	assert.Equal(t, "ex-1", start.ExecutionID)

	running := events[1].(StepStatusChange)
	assert.Equal(t, "a", running.StepKey)
	assert.Equal(t, schema.StepStatusPending, running.PreviousStatus)
	assert.Equal(t, schema.StepStatusRunning, running.Status)
	assert.Nil(t, running.DurationMs)

	done := events[2].(StepStatusChange)
	assert.Equal(t, schema.StepStatusCompleted, done.Status)
	require.NotNil(t, done.DurationMs)
	assert.Equal(t, int64(250), *done.DurationMs)

	final := events[3].(StatusUpdate)
	assert.Equal(t, schema.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
}

func TestTracker_PanickingSubscriberRecovered(t *testing.T) {
	tr := newTestTracker(t, Options{Subscribers: []Subscriber{SubscriberFuncs{
		StepStatusChange: func(StepStatusChange) { panic("subscriber bug") },
	}}})
	tr.Initialize(steps("a"))

	assert.NotPanics(t, func() { tr.StartStep("a") })
	assert.Len(t, tr.subs.StepChanges(), 1, "later subscribers still notified")
	assert.Equal(t, 1, tr.State().StepsRunning)
}

func TestTracker_Unsubscribe(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize(steps("a", "b"))

	extra := &recordingSubscriber{}
	unsubscribe := tr.Subscribe(extra)
	tr.StartStep("a")
	unsubscribe()
	unsubscribe()
	tr.StartStep("b")

	assert.Len(t, extra.StepChanges(), 1)
	assert.Len(t, tr.subs.StepChanges(), 2)
}

func TestTracker_DestroyDropsSubscribers(t *testing.T) {
	tr := newTestTracker(t, Options{FlushInterval: time.Millisecond})
	tr.Initialize(steps("a"))
	tr.Destroy()
	tr.Destroy()

	tr.StartStep("a")
	assert.Empty(t, tr.subs.Events())
	assert.Equal(t, 1, tr.State().StepsRunning)
}

func TestSubscriberFuncs_NilFieldsSkipped(t *testing.T) {
	assert.NotPanics(t, func() {
		SubscriberFuncs{}.OnStatusUpdate(StatusUpdate{})
		SubscriberFuncs{}.OnStepStatusChange(StepStatusChange{})
	})
}

// --- Background flush ---

func TestTracker_PeriodicFlushOnlyWhenDirty(t *testing.T) {
	st := &recordingStore{}
	tr := newTestTracker(t, Options{Store: st, FlushInterval: 5 * time.Millisecond})
	tr.Initialize(steps("a"))
	tr.Start()

	require.Eventually(t, func() bool { return st.Calls() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	settled := st.Calls()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, st.Calls(), "clean tracker does not flush")

	last := st.Updates()[len(st.Updates())-1]
	assert.Equal(t, schema.ExecutionStatusRunning, *last.Status)
	assert.NotNil(t, last.StartedAt)
	assert.Nil(t, last.CompletedAt)

	tr.StartStep("a")
	require.Eventually(t, func() bool { return st.Calls() > settled }, time.Second, 5*time.Millisecond)
}

func TestTracker_FlushFailureRetriesOnNextTick(t *testing.T) {
	st := &recordingStore{failNext: 2}
	tr := newTestTracker(t, Options{Store: st, FlushInterval: 5 * time.Millisecond})
	tr.Initialize(steps("a"))

	require.Eventually(t, func() bool { return len(st.Updates()) >= 1 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, st.Calls(), 3)
	assert.Equal(t, schema.ExecutionStatusPending, tr.Status(), "failures leave state untouched")
}

// goDispatcher runs each job on its own goroutine and counts submissions.
type goDispatcher struct {
	mu        sync.Mutex
	submitted int
	reject    bool
}

func (d *goDispatcher) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reject {
		return errors.New("pool is shut down")
	}
	d.submitted++
	go func() { _ = fn(ctx) }()
	return nil
}

func (d *goDispatcher) Submitted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submitted
}

func TestTracker_FlushUsesDispatcher(t *testing.T) {
	st := &recordingStore{}
	d := &goDispatcher{}
	tr := newTestTracker(t, Options{Store: st, Dispatcher: d, FlushInterval: 5 * time.Millisecond})
	tr.Initialize(steps("a"))

	require.Eventually(t, func() bool { return len(st.Updates()) >= 1 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, d.Submitted(), 1)

	tr.Finalize(context.Background(), schema.ExecutionStatusCompleted, nil)
	assert.Equal(t, schema.ExecutionStatusCompleted, *st.Updates()[len(st.Updates())-1].Status)
}

func TestTracker_RejectedDispatchKeepsDirty(t *testing.T) {
	st := &recordingStore{}
	d := &goDispatcher{reject: true}
	tr := newTestTracker(t, Options{Store: st, Dispatcher: d, FlushInterval: 5 * time.Millisecond})
	tr.Initialize(steps("a"))

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, st.Calls())

	// Finalize writes synchronously without the dispatcher.
	tr.Finalize(context.Background(), schema.ExecutionStatusCompleted, nil)
	assert.Equal(t, 1, st.Calls())
}

// --- Properties ---

func TestTracker_RandomSequenceKeepsInvariants(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	keys := []string{"a", "b", "c", "d", "e", "f"}

	for round := 0; round < 50; round++ {
		tr := newTestTracker(t, Options{})
		tr.Initialize(steps(keys...))
		tr.Start()
		lastProgress := 0

		for i := 0; i < 40; i++ {
			key := keys[rng.IntN(len(keys))]
			if rng.IntN(10) == 0 {
				key = "unknown"
			}
			switch rng.IntN(6) {
			case 0, 1:
				tr.StartStep(key)
			case 2:
				tr.CompleteStep(key, i)
			case 3:
				tr.FailStep(key, fmt.Sprintf("err %d", i))
			case 4:
				tr.SkipStep(key, "")
			case 5:
				tr.RecordRetry(key, i)
			}
			s := tr.State()
			requireCountsConsistent(t, s)
			require.GreaterOrEqual(t, s.Progress, lastProgress, "progress decreased")
			require.LessOrEqual(t, s.Progress, 100)
			lastProgress = s.Progress
		}
	}
}

func TestTracker_ConcurrentStepUpdates(t *testing.T) {
	tr := newTestTracker(t, Options{FlushInterval: time.Millisecond})
	keys := make([]string, 32)
	for i := range keys {
		keys[i] = fmt.Sprintf("step-%02d", i)
	}
	tr.Initialize(steps(keys...))
	tr.Start()

	var wg sync.WaitGroup
	for i, k := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.StartStep(k)
			tr.RecordRetry(k, 1)
			_ = tr.State()
			if i%2 == 0 {
				tr.CompleteStep(k, map[string]any{"i": i})
			} else {
				tr.FailStep(k, "boom")
			}
		}()
	}
	wg.Wait()

	s := tr.State()
	requireCountsConsistent(t, s)
	assert.Equal(t, 16, s.StepsCompleted)
	assert.Equal(t, 16, s.StepsFailed)
	assert.Equal(t, 100, s.Progress)
	assert.Len(t, tr.subs.StepChanges(), 64)
}

func TestTracker_SubscriberReadsDuringConcurrentUpdates(t *testing.T) {
	tr := newTestTracker(t, Options{})
	keys := make([]string, 16)
	for i := range keys {
		keys[i] = fmt.Sprintf("step-%02d", i)
	}
	tr.Initialize(steps(keys...))

	var mu sync.Mutex
	var progress []int
	tr.Subscribe(SubscriberFuncs{
		StepStatusChange: func(StepStatusChange) {
			p := tr.Progress()
			_ = tr.State()
			mu.Lock()
			progress = append(progress, p)
			mu.Unlock()
		},
	})
	tr.Start()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for w := range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := w; i < len(keys); i += 2 {
					tr.StartStep(keys[i])
					tr.CompleteStep(keys[i], i)
				}
			}()
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("step updates did not finish; subscriber callback blocked the tracker")
	}

	changes := tr.subs.StepChanges()
	require.Len(t, changes, 2*len(keys))
	seen := map[string]schema.StepStatus{}
	for _, c := range changes {
		if c.Status == schema.StepStatusCompleted {
			require.Equal(t, schema.StepStatusRunning, seen[c.StepKey], "step %s completed before running was delivered", c.StepKey)
		}
		seen[c.StepKey] = c.Status
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, progress, 2*len(keys))
	assert.Equal(t, 100, tr.Progress())
}

func TestTracker_SubscriberMutationIsDelivered(t *testing.T) {
	tr := newTestTracker(t, Options{})
	tr.Initialize(steps("a", "b"))
	tr.Subscribe(SubscriberFuncs{
		StepStatusChange: func(ev StepStatusChange) {
			if ev.StepKey == "a" && ev.Status == schema.StepStatusFailed {
				tr.SkipStep("b", "upstream failed")
			}
		},
	})
	tr.Start()
	tr.StartStep("a")
	tr.FailStep("a", "boom")

	st, ok := tr.StepState("b")
	require.True(t, ok)
	assert.Equal(t, schema.StepStatusSkipped, st.Status)

	changes := tr.subs.StepChanges()
	require.Len(t, changes, 3)
	assert.Equal(t, "a", changes[1].StepKey)
	assert.Equal(t, schema.StepStatusFailed, changes[1].Status)
	assert.Equal(t, "b", changes[2].StepKey)
	assert.Equal(t, schema.StepStatusSkipped, changes[2].Status)
}
