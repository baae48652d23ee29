package schema

import (
	"fmt"
	"time"
)

// WorkflowDefinition is the JSON-serializable workflow format submitted on
// workflow create/update.
type WorkflowDefinition struct {
	Name     string           `json:"name,omitempty"`
	Steps    []StepDefinition `json:"steps"`
	Output   string           `json:"output,omitempty"`  // expr expression over step results, evaluated at finalize
	Timeout  string           `json:"timeout,omitempty"` // execution deadline (e.g. "30m")
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// StepDefinition describes a single step and the steps it waits on.
type StepDefinition struct {
	Key       string   `json:"key"`
	Name      string   `json:"name,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"` // step keys that must complete first
	Condition string   `json:"condition,omitempty"`  // CEL guard, evaluated before the step runs
}

// DisplayName returns Name, falling back to Key.
func (s StepDefinition) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Key
}

// TimeoutDuration parses Timeout. A zero duration means no deadline.
func (d *WorkflowDefinition) TimeoutDuration() (time.Duration, error) {
	if d.Timeout == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(d.Timeout)
	if err != nil {
		return 0, fmt.Errorf("parse timeout %q: %w", d.Timeout, err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("timeout %q must be positive", d.Timeout)
	}
	return dur, nil
}

// Step returns the definition for key.
func (d *WorkflowDefinition) Step(key string) (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.Key == key {
			return s, true
		}
	}
	return StepDefinition{}, false
}
