package expressions

import "context"

// Engine evaluates expressions against an execution scope.
// Three implementations: CEL (step guards), Expr (workflow output), GoJQ (queries).
type Engine interface {
	Name() string
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
