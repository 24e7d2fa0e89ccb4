package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/automata/internal/expressions"
	"github.com/rendis/automata/internal/stepschema"
	"github.com/rendis/automata/pkg/schema"
)

// DataActions returns the data shaping actions.
func DataActions() []Action {
	return []Action{
		&dataSetAction{},
		&dataTransformAction{jq: expressions.NewGoJQEngine()},
		&dataValidateAction{},
	}
}

// --- data.set ---

type dataSetAction struct{}

func (a *dataSetAction) Name() string { return "data.set" }

func (a *dataSetAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Emit the given values as the step output.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {"values": {"type": "object"}},
  "required": ["values"]
}`),
		Output: stepschema.Object(nil),
	}
}

func (a *dataSetAction) Validate(params map[string]any) error {
	if mapParam(params, "values") == nil {
		return validationErrorf(a.Name(), "requires 'values' object parameter")
	}
	return nil
}

func (a *dataSetAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	return marshalOutput(a.Name(), mapParam(input.Params, "values"))
}

// --- data.transform ---

type dataTransformAction struct {
	jq *expressions.GoJQEngine
}

func (a *dataTransformAction) Name() string { return "data.transform" }

func (a *dataTransformAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Run a jq program over input (the execution namespace when omitted).",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "expression": {"type": "string", "minLength": 1},
    "input": {},
    "all": {"type": "boolean"}
  },
  "required": ["expression"]
}`),
		Output: stepschema.Object(map[string]*stepschema.Shape{
			"result": stepschema.Null(stepschema.Any()),
		}),
	}
}

func (a *dataTransformAction) Validate(params map[string]any) error {
	expression := stringParam(params, "expression", "")
	if expression == "" {
		return validationErrorf(a.Name(), "requires non-empty 'expression' string parameter")
	}
	if err := a.jq.Check(expression); err != nil {
		return validationErrorf(a.Name(), "%v", err)
	}
	return nil
}

func (a *dataTransformAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	var data any = input.Variables
	if v, ok := input.Params["input"]; ok {
		data = v
	}

	results, err := a.jq.EvaluateAll(ctx, stringParam(input.Params, "expression", ""), data)
	if err != nil {
		return nil, executionErrorf(a.Name(), "%v", err).WithCause(err)
	}

	var result any
	switch {
	case boolParam(input.Params, "all", false):
		if results == nil {
			results = []any{}
		}
		result = results
	case len(results) > 0:
		result = results[0]
	}
	return marshalOutput(a.Name(), map[string]any{"result": result})
}

// --- data.validate ---

type dataValidateAction struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

func (a *dataValidateAction) Name() string { return "data.validate" }

func (a *dataValidateAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Check data against a JSON Schema. With failOnInvalid the step fails instead of reporting.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "data": {},
    "schema": {"type": "object"},
    "failOnInvalid": {"type": "boolean"}
  },
  "required": ["data", "schema"]
}`),
		Output: stepschema.Object(map[string]*stepschema.Shape{
			"valid":  stepschema.Boolean(),
			"errors": stepschema.ArrayOf(stepschema.String()),
		}),
	}
}

func (a *dataValidateAction) Validate(params map[string]any) error {
	if _, ok := params["data"]; !ok {
		return validationErrorf(a.Name(), "requires 'data' parameter")
	}
	if mapParam(params, "schema") == nil {
		return validationErrorf(a.Name(), "requires 'schema' object parameter")
	}
	return nil
}

func (a *dataValidateAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	compiled, err := a.compile(mapParam(input.Params, "schema"))
	if err != nil {
		return nil, err
	}
	doc, err := stepschema.ToJSONValue(input.Params["data"])
	if err != nil {
		return nil, validationErrorf(a.Name(), "data is not JSON serializable: %v", err)
	}

	errs := []string{}
	if verr := compiled.Validate(doc); verr != nil {
		errs = schemaErrors(verr)
	}
	if len(errs) > 0 && boolParam(input.Params, "failOnInvalid", false) {
		return nil, schema.NewErrorf(schema.ErrCodeNonRetryable, "%s: data does not match schema", a.Name()).
			WithDetails(map[string]any{"errors": errs})
	}
	return marshalOutput(a.Name(), map[string]any{"valid": len(errs) == 0, "errors": errs})
}

func (a *dataValidateAction) compile(doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, validationErrorf(a.Name(), "schema is not JSON serializable: %v", err)
	}
	key := string(raw)

	a.mu.RLock()
	c, ok := a.cache[key]
	a.mu.RUnlock()
	if ok {
		return c, nil
	}

	c, err = stepschema.CompileDocument("automata://actions/data.validate/inline.json", doc)
	if err != nil {
		return nil, validationErrorf(a.Name(), "%v", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cache == nil {
		a.cache = make(map[string]*jsonschema.Schema)
	}
	if existing, ok := a.cache[key]; ok {
		return existing, nil
	}
	a.cache[key] = c
	return c, nil
}

// schemaErrors flattens a validation error into "location: message" lines.
func schemaErrors(err error) []string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []string{err.Error()}
	}
	var out []string
	var walk func(v *jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			out = append(out, fmt.Sprintf("/%s: %s", strings.Join(v.InstanceLocation, "/"), v.Error()))
			return
		}
		for _, c := range v.Causes {
			walk(c)
		}
	}
	walk(verr)
	return out
}
