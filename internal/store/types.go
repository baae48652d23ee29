package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/flowtrack/pkg/schema"
)

// Workflow is a validated, persisted workflow definition.
type Workflow struct {
	ID         string                    `json:"id"`
	Name       string                    `json:"name"`
	Definition schema.WorkflowDefinition `json:"definition"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// WorkflowFilter controls ListWorkflows.
type WorkflowFilter struct {
	Name   string
	Since  *time.Time
	Limit  int
	Offset int
}

// Execution is the durable record of one workflow run. It is written by
// the service on start and afterwards only through tracker flushes.
type Execution struct {
	ID             string                 `json:"id"`
	WorkflowID     string                 `json:"workflow_id"`
	Status         schema.ExecutionStatus `json:"status"`
	Progress       int                    `json:"progress"`
	StepsTotal     int                    `json:"steps_total"`
	StepsCompleted int                    `json:"steps_completed"`
	StepsFailed    int                    `json:"steps_failed"`
	StepStates     json.RawMessage        `json:"step_states,omitempty"`
	Output         json.RawMessage        `json:"output,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	DurationMs     *int64                 `json:"duration_ms,omitempty"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// ExecutionUpdate holds the fields a flush may change. Nil fields are left
// untouched.
type ExecutionUpdate struct {
	Status         *schema.ExecutionStatus
	Progress       *int
	StepsCompleted *int
	StepsFailed    *int
	StartedAt      *time.Time
	ErrorMessage   *string
	Output         json.RawMessage
	StepStates     json.RawMessage
	CompletedAt    *time.Time
	DurationMs     *int64
}

// Empty reports whether the update carries no field.
func (u ExecutionUpdate) Empty() bool {
	return u.Status == nil && u.Progress == nil && u.StepsCompleted == nil &&
		u.StepsFailed == nil && u.StartedAt == nil && u.ErrorMessage == nil &&
		u.Output == nil && u.StepStates == nil && u.CompletedAt == nil && u.DurationMs == nil
}

// ExecutionFilter controls ListExecutions.
type ExecutionFilter struct {
	WorkflowID string
	Status     *schema.ExecutionStatus
	Since      *time.Time
	Limit      int
	Offset     int
}
