package tracker

import (
	"time"

	"github.com/rendis/flowtrack/pkg/schema"
)

// StatusUpdate is emitted on Start and Finalize.
type StatusUpdate struct {
	ExecutionID    string                 `json:"execution_id"`
	PreviousStatus schema.ExecutionStatus `json:"previous_status"`
	Status         schema.ExecutionStatus `json:"status"`
	Progress       int                    `json:"progress"`
	CurrentStep    string                 `json:"current_step,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// StepStatusChange is emitted on every accepted step transition.
// DurationMs is set only when Status is terminal and the step had started.
type StepStatusChange struct {
	ExecutionID    string            `json:"execution_id"`
	StepKey        string            `json:"step_key"`
	PreviousStatus schema.StepStatus `json:"previous_status"`
	Status         schema.StepStatus `json:"status"`
	DurationMs     *int64            `json:"duration_ms,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// Subscriber receives tracker notifications in emission order, after the
// tracker's lock is released. Callbacks may call any Tracker method. When
// one goroutine drives the tracker, a notification is delivered before the
// call that caused it returns; under concurrent callers it may be delivered
// by whichever caller is draining the queue.
type Subscriber interface {
	OnStatusUpdate(StatusUpdate)
	OnStepStatusChange(StepStatusChange)
}

// SubscriberFuncs adapts plain functions to Subscriber. Nil fields are skipped.
type SubscriberFuncs struct {
	StatusUpdate     func(StatusUpdate)
	StepStatusChange func(StepStatusChange)
}

func (f SubscriberFuncs) OnStatusUpdate(ev StatusUpdate) {
	if f.StatusUpdate != nil {
		f.StatusUpdate(ev)
	}
}

func (f SubscriberFuncs) OnStepStatusChange(ev StepStatusChange) {
	if f.StepStatusChange != nil {
		f.StepStatusChange(ev)
	}
}

// notification is one queued event; exactly one field is set.
type notification struct {
	status *StatusUpdate
	step   *StepStatusChange
}

type queuedNote struct {
	subs []Subscriber
	note notification
}

type subscription struct {
	id  int
	sub Subscriber
}
