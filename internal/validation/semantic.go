package validation

import (
	"fmt"

	"github.com/rendis/flowtrack/pkg/schema"
)

// validateSemantic checks what the JSON Schema cannot: expressions compile,
// the timeout parses, and depends_on lists carry no repeats.
// conditions and outputs may be nil to skip expression checks.
func validateSemantic(def *schema.WorkflowDefinition, conditions, outputs ExpressionCompiler) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if step.Condition != "" && conditions != nil {
			if err := conditions.Compile(step.Condition); err != nil {
				result.AddError(path+".condition", schema.ErrCodeExpression,
					fmt.Sprintf("step %s has an invalid condition: %s", step.Key, errMessage(err)))
			}
		}

		seen := make(map[string]bool, len(step.DependsOn))
		for j, dep := range step.DependsOn {
			if seen[dep] {
				result.AddWarning(fmt.Sprintf("%s.depends_on[%d]", path, j), schema.ErrCodeValidation,
					fmt.Sprintf("step %s lists dependency %s more than once", step.Key, dep))
			}
			seen[dep] = true
		}
	}

	if def.Output != "" && outputs != nil {
		if err := outputs.Compile(def.Output); err != nil {
			result.AddError("output", schema.ErrCodeExpression,
				fmt.Sprintf("invalid output expression: %s", errMessage(err)))
		}
	}

	if _, err := def.TimeoutDuration(); err != nil {
		result.AddError("timeout", schema.ErrCodeValidation, err.Error())
	}

	return result
}

func errMessage(err error) string {
	if flowErr, ok := err.(*schema.Error); ok {
		return flowErr.Message
	}
	return err.Error()
}
