package expressions

import (
	"context"
	"fmt"
)

// Engine evaluates expressions within workflow steps.
// Three implementations: CEL (conditions), Expr (conditions, record filters), GoJQ (loop items, transforms).
type Engine interface {
	Name() string
	// Check compiles expression without evaluating it.
	Check(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Engines resolves an engine by name.
type Engines struct {
	CEL  *CELEngine
	Expr *ExprEngine
	JQ   *GoJQEngine
}

// NewEngines builds the three engines.
func NewEngines() (*Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{CEL: celEngine, Expr: NewExprEngine(), JQ: NewGoJQEngine()}, nil
}

// Condition returns the engine used for condition steps; "" selects CEL.
func (e *Engines) Condition(name string) (Engine, error) {
	switch name {
	case "", "cel":
		return e.CEL, nil
	case "expr":
		return e.Expr, nil
	default:
		return nil, fmt.Errorf("unknown condition engine %q (want cel or expr)", name)
	}
}

// EvaluateBool evaluates a condition and requires a boolean result.
func EvaluateBool(ctx context.Context, engine Engine, expression string, data map[string]any) (bool, error) {
	out, err := engine.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%s expression %q returned %T, want bool", engine.Name(), expression, out)
	}
	return b, nil
}
