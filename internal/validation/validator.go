package validation

import "github.com/rendis/flowtrack/pkg/schema"

// Validator checks workflow definitions for correctness before they are persisted.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// ExpressionCompiler reports whether an expression compiles. Satisfied by
// the engines in internal/expressions.
type ExpressionCompiler interface {
	Compile(expression string) error
}
