package expressions

import "context"

// Engine evaluates a compiled expression against a data scope.
// Implementations must be safe for concurrent use.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
