package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/rendis/flowtrack/pkg/schema"
)

// Tracker is the in-memory state machine of one workflow execution.
//
// Every method serialises on a per-tracker mutex. Step transitions on
// unknown keys, transitions the current step status does not allow, and
// status-changing calls after Finalize are logged and ignored; none of them
// return an error. A background loop, started by Initialize, writes dirty
// state to the Store every FlushInterval. Finalize or Destroy stops it.
type Tracker struct {
	executionID string
	workflowID  string
	opts        Options
	logger      *slog.Logger
	now         Clock

	mu sync.Mutex

	status       schema.ExecutionStatus
	progress     int
	total        int
	pending      int
	running      int
	completed    int
	failed       int
	skipped      int
	currentStep  string
	steps        map[string]*StepExecutionState
	startedAt    *time.Time
	lastUpdated  time.Time
	completedAt  *time.Time
	durationMs   *int64
	results      map[string]any
	resultsSize  int
	errorMessage string
	output       any

	initialized bool
	finalized   bool
	destroyed   bool

	dirty      bool
	generation uint64
	flushing   bool
	flushWG    sync.WaitGroup
	stopLoop   context.CancelFunc
	loopDone   chan struct{}

	subs      []subscription
	nextSubID int

	// queue holds notifications not yet delivered, in emission order. One
	// caller at a time drains it, without holding mu.
	queue    []queuedNote
	draining bool
}

// New creates a tracker in Pending status with no steps. Call Initialize
// before any step transition.
func New(executionID, workflowID string, opts Options) *Tracker {
	opts = opts.withDefaults()
	t := &Tracker{
		executionID: executionID,
		workflowID:  workflowID,
		opts:        opts,
		logger:      opts.Logger.With("execution_id", executionID, "workflow_id", workflowID),
		now:         opts.Clock,
		status:      schema.ExecutionStatusPending,
		steps:       make(map[string]*StepExecutionState),
		results:     make(map[string]any),
	}
	t.lastUpdated = t.now()
	for _, s := range opts.Subscribers {
		t.addSubscriber(s)
	}
	return t
}

// ExecutionID returns the execution this tracker owns.
func (t *Tracker) ExecutionID() string { return t.executionID }

// WorkflowID returns the workflow the execution runs.
func (t *Tracker) WorkflowID() string { return t.workflowID }

// Initialize creates a Pending entry per step and starts the background
// flush loop. A second call is ignored.
func (t *Tracker) Initialize(steps []schema.StepDefinition) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.initialized || t.finalized || t.destroyed {
		t.logger.Warn("initialize ignored",
			"initialized", t.initialized, "finalized", t.finalized, "destroyed", t.destroyed)
		return
	}

	for _, def := range steps {
		if _, dup := t.steps[def.Key]; dup {
			t.logger.Warn("duplicate step key ignored", "step_key", def.Key)
			continue
		}
		t.steps[def.Key] = &StepExecutionState{
			StepKey:  def.Key,
			StepName: def.DisplayName(),
			Status:   schema.StepStatusPending,
		}
	}
	t.total = len(t.steps)
	t.pending = t.total
	t.initialized = true
	t.markDirty()

	if t.opts.FlushInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		t.stopLoop = cancel
		t.loopDone = make(chan struct{})
		go t.flushLoop(ctx, t.opts.FlushInterval, t.loopDone)
	}

	t.logger.Debug("tracker initialized", "steps_total", t.total)
}

// Start moves the execution from Pending to Running.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		t.logger.Warn("start ignored, execution already finalized")
		return
	}
	if t.status != schema.ExecutionStatusPending {
		status := t.status
		t.mu.Unlock()
		t.logger.Warn("start ignored, execution not pending", "status", status)
		return
	}

	now := t.now()
	prev := t.status
	t.status = schema.ExecutionStatusRunning
	t.startedAt = &now
	t.markDirty()

	t.unlockAndNotify(notification{status: t.statusUpdate(prev, now)})
}

// StartStep moves a step from Pending to Running and makes it the current step.
func (t *Tracker) StartStep(key string) {
	t.mu.Lock()
	step, ok := t.lookupStep("start", key)
	if !ok {
		t.mu.Unlock()
		return
	}
	if step.Status != schema.StepStatusPending {
		t.mu.Unlock()
		t.rejectTransition(key, step.Status, schema.StepStatusRunning)
		return
	}

	now := t.now()
	step.Status = schema.StepStatusRunning
	step.StartedAt = &now
	t.pending--
	t.running++
	t.currentStep = key
	t.recomputeProgress()
	t.markDirty()

	t.unlockAndNotify(notification{step: &StepStatusChange{
		ExecutionID:    t.executionID,
		StepKey:        key,
		PreviousStatus: schema.StepStatusPending,
		Status:         schema.StepStatusRunning,
		Timestamp:      now,
	}})
}

// CompleteStep moves a Running step to Completed. A non-nil output is
// retained as an intermediate result unless that would exceed the size cap;
// a dropped result never fails the transition.
func (t *Tracker) CompleteStep(key string, output any) {
	t.finishStep(key, schema.StepStatusCompleted, output, "")
}

// FailStep moves a Running step to Failed and records errMsg on it.
func (t *Tracker) FailStep(key, errMsg string) {
	t.finishStep(key, schema.StepStatusFailed, nil, errMsg)
}

// SkipStep moves a Pending or Running step to Skipped. A non-empty reason
// is stored in the step's error field.
func (t *Tracker) SkipStep(key, reason string) {
	t.finishStep(key, schema.StepStatusSkipped, nil, reason)
}

func (t *Tracker) finishStep(key string, to schema.StepStatus, output any, errMsg string) {
	t.mu.Lock()
	step, ok := t.lookupStep(string(to), key)
	if !ok {
		t.mu.Unlock()
		return
	}
	prev := step.Status
	if !canFinish(prev, to) {
		t.mu.Unlock()
		t.rejectTransition(key, prev, to)
		return
	}

	now := t.now()
	switch prev {
	case schema.StepStatusPending:
		t.pending--
	case schema.StepStatusRunning:
		t.running--
	}
	switch to {
	case schema.StepStatusCompleted:
		t.completed++
		t.retainResult(step, output)
	case schema.StepStatusFailed:
		t.failed++
		step.Error = errMsg
	case schema.StepStatusSkipped:
		t.skipped++
		if errMsg != "" {
			step.Error = errMsg
		}
	}

	step.Status = to
	step.CompletedAt = &now
	if step.StartedAt != nil {
		d := now.Sub(*step.StartedAt).Milliseconds()
		step.DurationMs = &d
	}
	if t.currentStep == key {
		t.currentStep = ""
	}
	t.recomputeProgress()
	t.markDirty()

	t.unlockAndNotify(notification{step: &StepStatusChange{
		ExecutionID:    t.executionID,
		StepKey:        key,
		PreviousStatus: prev,
		Status:         to,
		DurationMs:     cloneInt64(step.DurationMs),
		Timestamp:      now,
	}})
}

// canFinish reports whether a step in from may move to the terminal status to.
func canFinish(from, to schema.StepStatus) bool {
	switch to {
	case schema.StepStatusCompleted, schema.StepStatusFailed:
		return from == schema.StepStatusRunning
	case schema.StepStatusSkipped:
		return from == schema.StepStatusPending || from == schema.StepStatusRunning
	}
	return false
}

// retainResult stores output as the step's intermediate result if results
// are enabled and the combined encoded size stays within the cap.
// Caller holds mu.
func (t *Tracker) retainResult(step *StepExecutionState, output any) {
	if output == nil || t.opts.DisableIntermediateResults {
		return
	}
	value, size, err := normalizeJSON(output)
	if err != nil {
		t.logger.Warn("step output is not JSON-encodable, not retained",
			"step_key", step.StepKey, "error", err)
		return
	}
	limit := t.opts.MaxIntermediateResultsSize
	if limit > 0 && t.resultsSize+size > limit {
		t.logger.Debug("intermediate result dropped, size limit reached",
			"step_key", step.StepKey, "size", size, "retained", t.resultsSize, "limit", limit)
		return
	}
	t.results[step.StepKey] = value
	t.resultsSize += size
	step.Output = cloneValue(value)
}

// RecordRetry sets the retry count of a non-terminal step. Unknown keys
// are ignored silently.
func (t *Tracker) RecordRetry(key string, attempt int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized {
		t.logger.Debug("retry ignored, execution already finalized", "step_key", key)
		return
	}
	step, ok := t.steps[key]
	if !ok {
		return
	}
	if step.Status.IsTerminal() {
		t.logger.Debug("retry ignored, step already terminal", "step_key", key, "status", step.Status)
		return
	}
	step.RetryCount = attempt
	t.markDirty()
}

// SetError records an execution-level error message. It does not change
// the execution status.
func (t *Tracker) SetError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized {
		t.logger.Warn("set error ignored, execution already finalized")
		return
	}
	t.errorMessage = msg
	t.markDirty()
}

// Finalize sets a terminal status, stops the background flush and writes
// the final state synchronously. A write failure is logged, not returned:
// the in-memory state stays authoritative. Calls after the first, and calls
// with a non-terminal status, are ignored.
func (t *Tracker) Finalize(ctx context.Context, status schema.ExecutionStatus, output any) {
	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		t.logger.Debug("finalize ignored, execution already finalized")
		return
	}
	if !status.IsTerminal() {
		t.mu.Unlock()
		t.logger.Warn("finalize ignored, status is not terminal", "status", status)
		return
	}

	now := t.now()
	prev := t.status
	t.status = status
	t.completedAt = &now
	var d int64
	if t.startedAt != nil {
		d = now.Sub(*t.startedAt).Milliseconds()
	}
	t.durationMs = &d
	if output != nil {
		value, _, err := normalizeJSON(output)
		if err != nil {
			t.logger.Warn("execution output is not JSON-encodable, dropped", "error", err)
		} else {
			t.output = value
		}
	}
	t.finalized = true
	t.markDirty()

	update, err := t.buildUpdate(true)
	gen := t.generation
	stop, done := t.detachLoop()
	ev := t.statusUpdate(prev, now)
	t.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	t.flushWG.Wait()

	switch {
	case err != nil:
		t.logger.Error("final flush skipped, state could not be encoded", "error", err)
	case t.opts.Store != nil:
		if werr := t.opts.Store.UpdateExecution(ctx, t.executionID, update); werr != nil {
			t.logger.Error("final flush failed, execution state not persisted", "status", status, "error", werr)
		} else {
			t.mu.Lock()
			if t.generation == gen {
				t.dirty = false
			}
			t.mu.Unlock()
		}
	}

	t.logger.Info("execution finalized", "status", status, "duration_ms", d, "progress", ev.Progress)

	t.mu.Lock()
	t.unlockAndNotify(notification{status: ev})
}

// Destroy stops the background flush and drops every subscriber. It is
// safe to call more than once and whether or not the tracker was finalized.
func (t *Tracker) Destroy() {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	t.subs = nil
	stop, done := t.detachLoop()
	t.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
}

// Subscribe registers s and returns a function that removes it.
func (t *Tracker) Subscribe(s Subscriber) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.addSubscriber(s)

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, sub := range t.subs {
				if sub.id == id {
					t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// --- Accessors ---

// State returns a deep copy of the current snapshot.
func (t *Tracker) State() ExecutionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

// Status returns the execution status.
func (t *Tracker) Status() schema.ExecutionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Progress returns the completion percentage, 0 to 100.
func (t *Tracker) Progress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// CurrentStep returns the most recently started non-terminal step, or "".
func (t *Tracker) CurrentStep() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentStep
}

// StepState returns a copy of one step's state.
func (t *Tracker) StepState(key string) (StepExecutionState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	step, ok := t.steps[key]
	if !ok {
		return StepExecutionState{}, false
	}
	return step.clone(), true
}

// StartedAt returns when Start was called.
func (t *Tracker) StartedAt() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startedAt == nil {
		return time.Time{}, false
	}
	return *t.startedAt, true
}

// IsComplete reports whether the execution is finalized or terminal.
func (t *Tracker) IsComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalized || t.status.IsTerminal()
}

// --- internals, caller holds mu unless noted ---

func (t *Tracker) snapshot() ExecutionState {
	s := ExecutionState{
		ExecutionID:    t.executionID,
		WorkflowID:     t.workflowID,
		Status:         t.status,
		Progress:       t.progress,
		StepsTotal:     t.total,
		StepsCompleted: t.completed,
		StepsFailed:    t.failed,
		StepsSkipped:   t.skipped,
		StepsRunning:   t.running,
		StepsPending:   t.pending,
		CurrentStep:    t.currentStep,
		Steps:          make(map[string]StepExecutionState, len(t.steps)),
		StartedAt:      cloneTime(t.startedAt),
		LastUpdatedAt:  t.lastUpdated,
		CompletedAt:    cloneTime(t.completedAt),
		DurationMs:     cloneInt64(t.durationMs),
		ErrorMessage:   t.errorMessage,
		Output:         cloneValue(t.output),
	}
	for k, step := range t.steps {
		s.Steps[k] = step.clone()
	}
	if !t.opts.DisableIntermediateResults {
		s.IntermediateResults = cloneResults(t.results)
	}
	return s
}

func (t *Tracker) lookupStep(op, key string) (*StepExecutionState, bool) {
	if t.finalized {
		t.logger.Warn("step transition ignored, execution already finalized", "op", op, "step_key", key)
		return nil, false
	}
	step, ok := t.steps[key]
	if !ok {
		t.logger.Warn("step transition ignored, unknown step", "op", op, "step_key", key)
		return nil, false
	}
	return step, true
}

// rejectTransition logs an ignored transition. Called without mu.
func (t *Tracker) rejectTransition(key string, from, to schema.StepStatus) {
	t.logger.Warn("step transition ignored",
		"step_key", key,
		"error", schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid step transition: %s -> %s", from, to).
			WithStep(key).Error(),
	)
}

func (t *Tracker) recomputeProgress() {
	if t.total == 0 {
		t.progress = 0
		return
	}
	done := t.completed + t.failed + t.skipped
	t.progress = int(math.Round(100 * float64(done) / float64(t.total)))
}

func (t *Tracker) markDirty() {
	t.dirty = true
	t.generation++
	t.lastUpdated = t.now()
}

func (t *Tracker) statusUpdate(prev schema.ExecutionStatus, at time.Time) *StatusUpdate {
	return &StatusUpdate{
		ExecutionID:    t.executionID,
		PreviousStatus: prev,
		Status:         t.status,
		Progress:       t.progress,
		CurrentStep:    t.currentStep,
		Timestamp:      at,
	}
}

// detachLoop clears the loop handle and returns what the caller needs to
// stop it after releasing mu.
func (t *Tracker) detachLoop() (context.CancelFunc, chan struct{}) {
	stop, done := t.stopLoop, t.loopDone
	t.stopLoop, t.loopDone = nil, nil
	return stop, done
}

func (t *Tracker) addSubscriber(s Subscriber) int {
	t.nextSubID++
	t.subs = append(t.subs, subscription{id: t.nextSubID, sub: s})
	return t.nextSubID
}

func (t *Tracker) subscribers() []Subscriber {
	out := make([]Subscriber, len(t.subs))
	for i, s := range t.subs {
		out[i] = s.sub
	}
	return out
}

// unlockAndNotify queues notes for the subscribers registered now and
// releases mu. If no other caller is draining the queue, this one drains it
// until it is empty.
func (t *Tracker) unlockAndNotify(notes ...notification) {
	subs := t.subscribers()
	for _, n := range notes {
		t.queue = append(t.queue, queuedNote{subs: subs, note: n})
	}
	drain := !t.draining
	t.draining = true
	t.mu.Unlock()

	if drain {
		t.drain()
	}
}

// drain delivers queued notifications. Callbacks run without mu held, so
// they may call any Tracker method; notifications they cause are appended
// to the queue and delivered by this loop.
func (t *Tracker) drain() {
	for {
		t.mu.Lock()
		batch := t.queue
		t.queue = nil
		if len(batch) == 0 {
			t.draining = false
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		for _, q := range batch {
			for _, s := range q.subs {
				t.safeCall(s, q.note)
			}
		}
	}
}

func (t *Tracker) safeCall(s Subscriber, n notification) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("subscriber panicked", "panic", fmt.Sprint(r))
		}
	}()
	switch {
	case n.status != nil:
		s.OnStatusUpdate(*n.status)
	case n.step != nil:
		s.OnStepStatusChange(*n.step)
	}
}
