package expressions

import (
	"encoding/json"
	"fmt"
)

// Scope is the variable set every engine sees:
//   - results:   intermediate step outputs keyed by step key
//   - steps:     step status keyed by step key
//   - execution: execution metadata (id, workflow_id, status, progress, error)
type Scope struct {
	Results   map[string]any
	Steps     map[string]any
	Execution map[string]any
}

// Data returns the scope as a plain JSON-shaped map. Values are round-tripped
// through encoding/json so every engine sees the same types (float64 numbers,
// map[string]any objects) regardless of what the step runner reported, and
// the result shares no memory with the caller.
func (s Scope) Data() (map[string]any, error) {
	data := make(map[string]any, 3)
	for name, m := range map[string]map[string]any{
		"results":   s.Results,
		"steps":     s.Steps,
		"execution": s.Execution,
	} {
		v, err := normalize(m)
		if err != nil {
			return nil, fmt.Errorf("normalize %s: %w", name, err)
		}
		data[name] = v
	}
	return data, nil
}

func normalize(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(m))
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
