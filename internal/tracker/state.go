package tracker

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/rendis/flowtrack/pkg/schema"
)

// StepExecutionState is the state of one step within one execution.
type StepExecutionState struct {
	StepKey     string            `json:"step_key"`
	StepName    string            `json:"step_name"`
	Status      schema.StepStatus `json:"status"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  *int64            `json:"duration_ms,omitempty"`
	Output      any               `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	RetryCount  int               `json:"retry_count"`
}

// ExecutionState is a point-in-time snapshot of one execution. Values
// returned by Tracker.State share no memory with the tracker.
type ExecutionState struct {
	ExecutionID         string                        `json:"execution_id"`
	WorkflowID          string                        `json:"workflow_id"`
	Status              schema.ExecutionStatus        `json:"status"`
	Progress            int                           `json:"progress"`
	StepsTotal          int                           `json:"steps_total"`
	StepsCompleted      int                           `json:"steps_completed"`
	StepsFailed         int                           `json:"steps_failed"`
	StepsSkipped        int                           `json:"steps_skipped"`
	StepsRunning        int                           `json:"steps_running"`
	StepsPending        int                           `json:"steps_pending"`
	CurrentStep         string                        `json:"current_step,omitempty"`
	Steps               map[string]StepExecutionState `json:"steps"`
	StartedAt           *time.Time                    `json:"started_at,omitempty"`
	LastUpdatedAt       time.Time                     `json:"last_updated_at"`
	CompletedAt         *time.Time                    `json:"completed_at,omitempty"`
	DurationMs          *int64                        `json:"duration_ms,omitempty"`
	IntermediateResults map[string]any                `json:"intermediate_results,omitempty"`
	ErrorMessage        string                        `json:"error_message,omitempty"`
	Output              any                           `json:"output,omitempty"`
}

// StepStatuses maps each step key to its status.
func (s ExecutionState) StepStatuses() map[string]any {
	out := make(map[string]any, len(s.Steps))
	for k, st := range s.Steps {
		out[k] = string(st.Status)
	}
	return out
}

func (s StepExecutionState) clone() StepExecutionState {
	c := s
	c.StartedAt = cloneTime(s.StartedAt)
	c.CompletedAt = cloneTime(s.CompletedAt)
	c.DurationMs = cloneInt64(s.DurationMs)
	c.Output = cloneValue(s.Output)
	return c
}

// normalizeJSON encodes v and decodes it back into plain JSON values, so
// the tracker never keeps a reference the caller can still mutate. It also
// returns the encoded size.
func normalizeJSON(v any) (any, int, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, 0, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, 0, err
	}
	return out, len(raw), nil
}

// cloneValue deep-copies a value produced by normalizeJSON.
func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		// nil, string, float64, bool
		return val
	}
}

func cloneResults(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := maps.Clone(m)
	for k, v := range out {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneInt64(n *int64) *int64 {
	if n == nil {
		return nil
	}
	c := *n
	return &c
}
