package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/automata/internal/expressions"
	"github.com/rendis/automata/internal/stepschema"
)

// ExprActions returns the expression evaluation actions.
func ExprActions() []Action {
	return []Action{
		&exprEvalAction{engine: expressions.NewExprEngine()},
	}
}

// --- expr.eval ---

type exprEvalAction struct {
	engine *expressions.ExprEngine
}

func (a *exprEvalAction) Name() string { return "expr.eval" }

func (a *exprEvalAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Evaluate an Expr expression against the execution namespace or explicit data.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "expression": {"type": "string", "minLength": 1},
    "data": {}
  },
  "required": ["expression"]
}`),
		Output: stepschema.Object(map[string]*stepschema.Shape{
			"result": stepschema.Null(stepschema.Any()),
		}),
	}
}

func (a *exprEvalAction) Validate(params map[string]any) error {
	expression := stringParam(params, "expression", "")
	if expression == "" {
		return validationErrorf(a.Name(), "requires non-empty 'expression' string parameter")
	}
	if err := a.engine.Check(expression); err != nil {
		return validationErrorf(a.Name(), "%v", err)
	}
	return nil
}

func (a *exprEvalAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	expression := stringParam(input.Params, "expression", "")

	scope := make(map[string]any, len(input.Variables)+1)
	for k, v := range input.Variables {
		scope[k] = v
	}
	if data, ok := input.Params["data"]; ok {
		scope["data"] = data
	}

	result, err := a.engine.Evaluate(ctx, expression, scope)
	if err != nil {
		return nil, executionErrorf(a.Name(), "%v", err).WithCause(err)
	}
	return marshalOutput(a.Name(), map[string]any{"result": result})
}
