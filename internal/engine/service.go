package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowtrack/internal/expressions"
	"github.com/rendis/flowtrack/internal/logging"
	"github.com/rendis/flowtrack/internal/store"
	"github.com/rendis/flowtrack/internal/streaming"
	"github.com/rendis/flowtrack/internal/tracker"
	"github.com/rendis/flowtrack/internal/validation"
	"github.com/rendis/flowtrack/pkg/schema"
)

// Service is the entry point for everything outside this package: it owns
// workflow definitions, the live trackers and the reads over both.
type Service interface {
	// ValidateWorkflow runs the validation pipeline on a raw definition.
	ValidateWorkflow(raw []byte) (*schema.WorkflowDefinition, *schema.ValidationResult)

	// DefineWorkflow validates and persists a definition under a new ID.
	DefineWorkflow(ctx context.Context, def *schema.WorkflowDefinition) (*store.Workflow, error)

	// Workflow returns a stored definition.
	Workflow(ctx context.Context, workflowID string) (*store.Workflow, error)

	// ListWorkflows returns stored definitions, newest first.
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error)

	// DeleteWorkflow removes a definition together with its persisted
	// executions. A workflow with live executions is a CONFLICT.
	DeleteWorkflow(ctx context.Context, workflowID string) error

	// ListExecutions returns persisted execution records, newest first. A
	// live execution is reported as of its last flush.
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error)

	// StartExecution creates an execution record and a running tracker for it.
	StartExecution(ctx context.Context, workflowID string) (tracker.ExecutionState, error)

	// Step transitions. Each returns the step's state after the call.
	StartStep(ctx context.Context, executionID, stepKey string) (tracker.StepExecutionState, error)
	CompleteStep(ctx context.Context, executionID, stepKey string, output any) (tracker.StepExecutionState, error)
	FailStep(ctx context.Context, executionID, stepKey, errMsg string) (tracker.StepExecutionState, error)
	SkipStep(ctx context.Context, executionID, stepKey, reason string) (tracker.StepExecutionState, error)
	RecordRetry(ctx context.Context, executionID, stepKey string, attempt int) (tracker.StepExecutionState, error)

	// SetError records an execution-level error message.
	SetError(ctx context.Context, executionID, msg string) error

	// Finalize ends a live execution with a terminal status.
	Finalize(ctx context.Context, executionID string, status schema.ExecutionStatus, output any) (tracker.ExecutionState, error)

	// Status returns the live snapshot, or the persisted one once finalized.
	Status(ctx context.Context, executionID string) (tracker.ExecutionState, error)

	// Query runs a jq expression over the execution's status.
	Query(ctx context.Context, executionID, query string) (any, error)

	// ShouldRun evaluates a step's condition against the live execution.
	ShouldRun(ctx context.Context, executionID, stepKey string) (bool, error)

	// ExpireOverdue finalizes every live execution past its deadline with
	// status timeout and returns how many it finalized.
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)

	// Live returns the number of executions still tracked in memory.
	Live() int

	// Close destroys every live tracker without finalizing it.
	Close()
}

// ConditionEvaluator evaluates step guards. Satisfied by
// *expressions.CELEngine.
type ConditionEvaluator interface {
	EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error)
}

// ServiceDeps holds the collaborators a Service needs. Hub, Pool and Clock
// are optional.
type ServiceDeps struct {
	Store      store.Store
	Validator  *validation.WorkflowValidator
	Conditions ConditionEvaluator
	Outputs    expressions.Engine
	Queries    expressions.Engine
	Hub        streaming.EventHub
	Pool       *WorkerPool
	Logger     *slog.Logger
	Clock      tracker.Clock
}

// ServiceConfig holds Service tuning.
type ServiceConfig struct {
	// Tracker is the template for every tracker the service creates.
	// Store, Dispatcher, Logger, Clock and Subscribers are filled in per
	// execution.
	Tracker tracker.Options
	// DefaultTimeout applies to workflows that declare none. Zero means
	// executions without a declared timeout never expire.
	DefaultTimeout time.Duration
}

type service struct {
	deps     ServiceDeps
	config   ServiceConfig
	logger   *slog.Logger
	now      tracker.Clock
	registry *Registry
}

// NewService creates a Service.
func NewService(deps ServiceDeps, cfg ServiceConfig) Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &service{
		deps:     deps,
		config:   cfg,
		logger:   logger,
		now:      now,
		registry: NewRegistry(),
	}
}

func (s *service) ValidateWorkflow(raw []byte) (*schema.WorkflowDefinition, *schema.ValidationResult) {
	return s.deps.Validator.ValidateJSON(raw)
}

func (s *service) DefineWorkflow(ctx context.Context, def *schema.WorkflowDefinition) (*store.Workflow, error) {
	result := s.deps.Validator.Validate(def)
	if err := result.ToError(); err != nil {
		return nil, err
	}
	for _, w := range result.Warnings {
		s.logger.WarnContext(ctx, "workflow definition warning", "path", w.Path, "code", w.Code, "message", w.Message)
	}

	now := s.now()
	wf := &store.Workflow{
		ID:         uuid.NewString(),
		Name:       def.Name,
		Definition: *def,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.deps.Store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	s.logger.InfoContext(logging.WithWorkflowID(ctx, wf.ID), "workflow defined", "name", wf.Name, "steps", len(def.Steps))
	return wf, nil
}

func (s *service) Workflow(ctx context.Context, workflowID string) (*store.Workflow, error) {
	return s.deps.Store.GetWorkflow(ctx, workflowID)
}

func (s *service) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	if err := checkPage(filter.Limit, filter.Offset); err != nil {
		return nil, err
	}
	return s.deps.Store.ListWorkflows(ctx, filter)
}

func (s *service) DeleteWorkflow(ctx context.Context, workflowID string) error {
	if s.registry.HasWorkflow(workflowID) {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s has live executions", workflowID)
	}
	if err := s.deps.Store.DeleteWorkflow(ctx, workflowID); err != nil {
		return err
	}
	s.logger.InfoContext(logging.WithWorkflowID(ctx, workflowID), "workflow deleted")
	return nil
}

func (s *service) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown execution status %q", *filter.Status)
	}
	if err := checkPage(filter.Limit, filter.Offset); err != nil {
		return nil, err
	}
	return s.deps.Store.ListExecutions(ctx, filter)
}

func checkPage(limit, offset int) error {
	if limit < 0 || offset < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "limit and offset must not be negative, got %d and %d", limit, offset)
	}
	return nil
}

func (s *service) StartExecution(ctx context.Context, workflowID string) (tracker.ExecutionState, error) {
	wf, err := s.deps.Store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return tracker.ExecutionState{}, err
	}
	timeout, err := s.timeoutFor(&wf.Definition)
	if err != nil {
		return tracker.ExecutionState{}, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}

	exec := &store.Execution{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		Status:     schema.ExecutionStatusPending,
		StepsTotal: len(wf.Definition.Steps),
		CreatedAt:  s.now(),
	}
	if err := s.deps.Store.CreateExecution(ctx, exec); err != nil {
		return tracker.ExecutionState{}, err
	}

	t := tracker.New(exec.ID, wf.ID, s.trackerOptions(wf.ID))
	t.Initialize(wf.Definition.Steps)
	t.Start()

	live := &liveExecution{tracker: t, workflow: wf}
	if timeout > 0 {
		started, _ := t.StartedAt()
		live.deadline = started.Add(timeout)
	}
	if err := s.registry.Add(live); err != nil {
		t.Destroy()
		return tracker.ExecutionState{}, err
	}

	ctx = logging.WithWorkflowID(logging.WithExecutionID(ctx, exec.ID), wf.ID)
	s.logger.InfoContext(ctx, "execution started", "steps_total", len(wf.Definition.Steps), "timeout", timeout)
	return t.State(), nil
}

func (s *service) trackerOptions(workflowID string) tracker.Options {
	opts := s.config.Tracker
	opts.Store = s.deps.Store
	opts.Logger = s.logger
	opts.Clock = s.now
	opts.Subscribers = nil
	opts.Dispatcher = nil
	if s.deps.Pool != nil {
		opts.Dispatcher = s.deps.Pool
	}
	if s.deps.Hub != nil {
		opts.Subscribers = []tracker.Subscriber{streaming.NewRelay(s.deps.Hub, workflowID, s.logger)}
	}
	return opts
}

func (s *service) timeoutFor(def *schema.WorkflowDefinition) (time.Duration, error) {
	d, err := def.TimeoutDuration()
	if err != nil {
		return 0, err
	}
	if d == 0 {
		d = s.config.DefaultTimeout
	}
	return d, nil
}

// stepAction names a step transition for error reporting and precondition
// checks.
type stepAction string

const (
	actionStart    stepAction = "start"
	actionComplete stepAction = "complete"
	actionFail     stepAction = "fail"
	actionSkip     stepAction = "skip"
	actionRetry    stepAction = "retry"
)

// allowedFrom reports whether action is legal for a step in status from.
func (a stepAction) allowedFrom(from schema.StepStatus) bool {
	switch a {
	case actionStart:
		return from == schema.StepStatusPending
	case actionComplete, actionFail:
		return from == schema.StepStatusRunning
	case actionSkip:
		return from == schema.StepStatusPending || from == schema.StepStatusRunning
	case actionRetry:
		return !from.IsTerminal()
	}
	return false
}

func (s *service) StartStep(ctx context.Context, executionID, stepKey string) (tracker.StepExecutionState, error) {
	return s.stepTransition(ctx, executionID, stepKey, actionStart, func(t *tracker.Tracker) {
		t.StartStep(stepKey)
	})
}

func (s *service) CompleteStep(ctx context.Context, executionID, stepKey string, output any) (tracker.StepExecutionState, error) {
	return s.stepTransition(ctx, executionID, stepKey, actionComplete, func(t *tracker.Tracker) {
		t.CompleteStep(stepKey, output)
	})
}

func (s *service) FailStep(ctx context.Context, executionID, stepKey, errMsg string) (tracker.StepExecutionState, error) {
	return s.stepTransition(ctx, executionID, stepKey, actionFail, func(t *tracker.Tracker) {
		t.FailStep(stepKey, errMsg)
	})
}

func (s *service) SkipStep(ctx context.Context, executionID, stepKey, reason string) (tracker.StepExecutionState, error) {
	return s.stepTransition(ctx, executionID, stepKey, actionSkip, func(t *tracker.Tracker) {
		t.SkipStep(stepKey, reason)
	})
}

func (s *service) RecordRetry(ctx context.Context, executionID, stepKey string, attempt int) (tracker.StepExecutionState, error) {
	if attempt < 0 {
		return tracker.StepExecutionState{}, schema.NewErrorf(schema.ErrCodeValidation,
			"retry attempt must not be negative, got %d", attempt).WithStep(stepKey)
	}
	return s.stepTransition(ctx, executionID, stepKey, actionRetry, func(t *tracker.Tracker) {
		t.RecordRetry(stepKey, attempt)
	})
}

// stepTransition checks the precondition for action and applies it. A
// concurrent caller may still win the race between the check and apply;
// the tracker then ignores the losing call.
func (s *service) stepTransition(ctx context.Context, executionID, stepKey string, action stepAction, apply func(*tracker.Tracker)) (tracker.StepExecutionState, error) {
	live, err := s.lookup(ctx, executionID)
	if err != nil {
		return tracker.StepExecutionState{}, err
	}
	current, ok := live.tracker.StepState(stepKey)
	if !ok {
		return tracker.StepExecutionState{}, schema.NewErrorf(schema.ErrCodeNotFound,
			"execution %s has no step %q", executionID, stepKey).WithStep(stepKey)
	}
	if !action.allowedFrom(current.Status) {
		return current, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot %s step in status %s", action, current.Status).
			WithStep(stepKey).
			WithDetails(map[string]any{"action": string(action), "status": string(current.Status)})
	}

	apply(live.tracker)

	after, _ := live.tracker.StepState(stepKey)
	ctx = logging.WithStepKey(logging.WithExecutionID(ctx, executionID), stepKey)
	s.logger.DebugContext(ctx, "step transition", "action", string(action), "from", current.Status, "to", after.Status)
	return after, nil
}

func (s *service) SetError(ctx context.Context, executionID, msg string) error {
	live, err := s.lookup(ctx, executionID)
	if err != nil {
		return err
	}
	live.tracker.SetError(msg)
	return nil
}

func (s *service) Finalize(ctx context.Context, executionID string, status schema.ExecutionStatus, output any) (tracker.ExecutionState, error) {
	if !status.IsTerminal() {
		return tracker.ExecutionState{}, schema.NewErrorf(schema.ErrCodeValidation,
			"finalize requires a terminal status, got %q", status)
	}
	live, ok := s.registry.Remove(executionID)
	if !ok {
		return tracker.ExecutionState{}, s.notLive(ctx, executionID)
	}
	return s.finalize(ctx, live, status, output), nil
}

// finalize runs the output expression when needed and ends the tracker.
// The caller has already removed live from the registry, so cancellation of
// ctx is ignored: nothing else would persist the terminal state.
func (s *service) finalize(ctx context.Context, live *liveExecution, status schema.ExecutionStatus, output any) tracker.ExecutionState {
	t := live.tracker
	ctx = logging.WithWorkflowID(logging.WithExecutionID(context.WithoutCancel(ctx), t.ExecutionID()), t.WorkflowID())

	if output == nil && live.workflow.Definition.Output != "" && s.deps.Outputs != nil {
		v, err := s.evaluateOutput(ctx, t, live.workflow.Definition.Output, status)
		if err != nil {
			s.logger.WarnContext(ctx, "output expression failed, finalizing without output", "error", err)
		} else {
			output = v
		}
	}

	t.Finalize(ctx, status, output)
	state := t.State()
	t.Destroy()
	return state
}

func (s *service) evaluateOutput(ctx context.Context, t *tracker.Tracker, expression string, status schema.ExecutionStatus) (any, error) {
	state := t.State()
	state.Status = status
	data, err := scopeOf(state).Data()
	if err != nil {
		return nil, err
	}
	return s.deps.Outputs.Evaluate(ctx, expression, data)
}

func scopeOf(state tracker.ExecutionState) expressions.Scope {
	exec := map[string]any{
		"id":          state.ExecutionID,
		"workflow_id": state.WorkflowID,
		"status":      string(state.Status),
		"progress":    state.Progress,
	}
	if state.ErrorMessage != "" {
		exec["error"] = state.ErrorMessage
	}
	return expressions.Scope{
		Results:   state.IntermediateResults,
		Steps:     state.StepStatuses(),
		Execution: exec,
	}
}

func (s *service) Status(ctx context.Context, executionID string) (tracker.ExecutionState, error) {
	if live, ok := s.registry.Get(executionID); ok {
		return live.tracker.State(), nil
	}
	rec, err := s.deps.Store.GetExecution(ctx, executionID)
	if err != nil {
		return tracker.ExecutionState{}, err
	}
	return stateFromRecord(rec)
}

// stateFromRecord rebuilds a snapshot from a persisted execution. Counts
// not stored as columns are derived from the step states.
func stateFromRecord(rec *store.Execution) (tracker.ExecutionState, error) {
	state := tracker.ExecutionState{
		ExecutionID:    rec.ID,
		WorkflowID:     rec.WorkflowID,
		Status:         rec.Status,
		Progress:       rec.Progress,
		StepsTotal:     rec.StepsTotal,
		StepsCompleted: rec.StepsCompleted,
		StepsFailed:    rec.StepsFailed,
		Steps:          map[string]tracker.StepExecutionState{},
		StartedAt:      rec.StartedAt,
		LastUpdatedAt:  rec.UpdatedAt,
		CompletedAt:    rec.CompletedAt,
		DurationMs:     rec.DurationMs,
		ErrorMessage:   rec.ErrorMessage,
	}
	if len(rec.StepStates) > 0 {
		if err := json.Unmarshal(rec.StepStates, &state.Steps); err != nil {
			return tracker.ExecutionState{}, fmt.Errorf("decode step states of %s: %w", rec.ID, err)
		}
	}
	if len(rec.Output) > 0 {
		if err := json.Unmarshal(rec.Output, &state.Output); err != nil {
			return tracker.ExecutionState{}, fmt.Errorf("decode output of %s: %w", rec.ID, err)
		}
	}
	for _, st := range state.Steps {
		switch st.Status {
		case schema.StepStatusSkipped:
			state.StepsSkipped++
		case schema.StepStatusRunning:
			state.StepsRunning++
		case schema.StepStatusPending:
			state.StepsPending++
		}
	}
	return state, nil
}

func (s *service) Query(ctx context.Context, executionID, query string) (any, error) {
	if s.deps.Queries == nil {
		return nil, schema.NewError(schema.ErrCodeExpression, "queries are not enabled")
	}
	state, err := s.Status(ctx, executionID)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode execution state: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode execution state: %w", err)
	}
	return s.deps.Queries.Evaluate(ctx, query, data)
}

func (s *service) ShouldRun(ctx context.Context, executionID, stepKey string) (bool, error) {
	live, err := s.lookup(ctx, executionID)
	if err != nil {
		return false, err
	}
	def, ok := live.workflow.Definition.Step(stepKey)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeNotFound,
			"execution %s has no step %q", executionID, stepKey).WithStep(stepKey)
	}
	if def.Condition == "" {
		return true, nil
	}
	if s.deps.Conditions == nil {
		return false, schema.NewError(schema.ErrCodeExpression, "conditions are not enabled").WithStep(stepKey)
	}

	data, err := scopeOf(live.tracker.State()).Data()
	if err != nil {
		return false, fmt.Errorf("build condition scope: %w", err)
	}
	run, err := s.deps.Conditions.EvaluateBool(ctx, def.Condition, data)
	if err != nil {
		var se *schema.Error
		if errors.As(err, &se) {
			return false, se.WithStep(stepKey)
		}
		return false, err
	}
	return run, nil
}

func (s *service) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	expired := 0
	for _, id := range s.registry.Expired(now) {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		live, ok := s.registry.Remove(id)
		if !ok {
			continue
		}
		msg := "execution exceeded its deadline"
		if d, err := s.timeoutFor(&live.workflow.Definition); err == nil && d > 0 {
			msg = fmt.Sprintf("execution exceeded timeout of %s", d)
		}
		live.tracker.SetError(msg)
		s.finalize(ctx, live, schema.ExecutionStatusTimeout, nil)
		expired++
	}
	if expired > 0 {
		s.logger.InfoContext(ctx, "overdue executions expired", "count", expired)
	}
	return expired, nil
}

func (s *service) Live() int { return s.registry.Len() }

func (s *service) Close() {
	drained := s.registry.Drain()
	for _, live := range drained {
		live.tracker.Destroy()
	}
	if len(drained) > 0 {
		s.logger.Warn("service closed with live executions", "count", len(drained))
	}
}

// lookup returns the live execution for id or the error explaining why it
// is not live.
func (s *service) lookup(ctx context.Context, executionID string) (*liveExecution, error) {
	if live, ok := s.registry.Get(executionID); ok {
		return live, nil
	}
	return nil, s.notLive(ctx, executionID)
}

// notLive distinguishes an unknown execution (NOT_FOUND) from one that
// exists but has been finalized or abandoned (CONFLICT).
func (s *service) notLive(ctx context.Context, executionID string) error {
	rec, err := s.deps.Store.GetExecution(ctx, executionID)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", executionID)
		}
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is not live", executionID).
		WithDetails(map[string]any{"status": string(rec.Status)})
}

var _ Service = (*service)(nil)
