package validation

import (
	"strings"

	"github.com/rendis/flowtrack/pkg/schema"
)

// DFS node colours.
const (
	unvisited = iota
	inProgress
	done
)

// ValidateDAG checks that steps form a directed acyclic graph.
//
// Checks run in a fixed order so that the reported error is the most
// specific one: empty or duplicate keys, then dangling and self references,
// then cycles. A cycle is reported with its full path in traversal order,
// e.g. "cycle detected: a -> b -> c -> a". The function is pure and safe for
// concurrent use.
func ValidateDAG(steps []schema.StepDefinition) error {
	keys := make(map[string]struct{}, len(steps))
	for i, s := range steps {
		if s.Key == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty key", i)
		}
		if _, exists := keys[s.Key]; exists {
			return schema.NewErrorf(schema.ErrCodeDuplicateStep, "duplicate step key: %s", s.Key).
				WithStep(s.Key)
		}
		keys[s.Key] = struct{}{}
	}

	// dependents[x] lists the steps that depend on x: execution flows
	// dependency -> dependent.
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, exists := keys[dep]; !exists {
				return schema.NewErrorf(schema.ErrCodeMissingDependency,
					"step %s depends on non-existent step %s", s.Key, dep).
					WithStep(s.Key).
					WithDetails(map[string]any{"dependency": dep})
			}
			if dep == s.Key {
				return schema.NewErrorf(schema.ErrCodeSelfDependency,
					"step %s cannot depend on itself", s.Key).
					WithStep(s.Key)
			}
			dependents[dep] = append(dependents[dep], s.Key)
		}
	}

	if cycle := findCycle(steps, dependents); cycle != nil {
		return schema.NewErrorf(schema.ErrCodeCycleDetected,
			"cycle detected: %s", strings.Join(cycle, " -> ")).
			WithDetails(map[string]any{"cycle": cycle})
	}
	return nil
}

// findCycle runs a three-colour DFS from every unvisited step, in step-list
// order, and returns the first cycle found as a closed path (first == last),
// or nil if the graph is acyclic.
func findCycle(steps []schema.StepDefinition, dependents map[string][]string) []string {
	color := make(map[string]int, len(steps))
	stack := make([]string, 0, len(steps))
	var cycle []string

	var visit func(node string) bool
	visit = func(node string) bool {
		color[node] = inProgress
		stack = append(stack, node)

		for _, next := range dependents[node] {
			switch color[next] {
			case inProgress:
				// Back edge: the cycle is the stack suffix starting where
				// next was entered, closed by next itself.
				start := len(stack) - 1
				for stack[start] != next {
					start--
				}
				cycle = make([]string, 0, len(stack)-start+1)
				cycle = append(cycle, stack[start:]...)
				cycle = append(cycle, next)
				return true
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[node] = done
		return false
	}

	for _, s := range steps {
		if color[s.Key] != unvisited {
			continue
		}
		if visit(s.Key) {
			return cycle
		}
	}
	return nil
}

// validateDAG adapts ValidateDAG to the pipeline's ValidationResult.
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	err := ValidateDAG(def.Steps)
	if err == nil {
		return result
	}

	path := "steps"
	code := schema.ErrCodeValidation
	msg := err.Error()
	if flowErr, ok := err.(*schema.Error); ok {
		code = flowErr.Code
		msg = flowErr.Message
		if flowErr.StepKey != "" {
			path = "steps[" + flowErr.StepKey + "]"
		}
	}
	result.AddError(path, code, msg)
	return result
}
