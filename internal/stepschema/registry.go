package stepschema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/automata/pkg/schema"
)

// ActionSchemas resolves the output shape declared by a registered action.
// Satisfied by the action registry.
type ActionSchemas interface {
	OutputShape(action string) (*Shape, bool)
}

// Built-in output shapes per step type.
var (
	TriggerOutput = Object(map[string]*Shape{
		"type":        String(),
		"triggeredAt": String(),
		"data":        Opt(Object(nil)),
	})

	LLMOutput = Object(map[string]*Shape{
		"text": String(),
		"usage": Object(map[string]*Shape{
			"promptTokens":     Integer(),
			"completionTokens": Integer(),
			"totalTokens":      Integer(),
		}),
		"finishReason": String(),
		"model":        Opt(String()),
		"durationMs":   Integer(),
	})

	ConditionOutput = Object(map[string]*Shape{
		"matched": Boolean(),
	})

	LoopState = Object(map[string]*Shape{
		"currentIndex":     Integer(),
		"totalItems":       Integer(),
		"isComplete":       Boolean(),
		"iterations":       Integer(),
		"batchesProcessed": Integer(),
	})

	LoopOutput = Object(map[string]*Shape{
		"state": LoopState,
		"batch": Opt(ArrayOf(Any())),
		"item":  Opt(Null(Any())),
	})
)

// Registry is the step schema registry: a pure lookup from step type (and action
// name) to output shape, plus compiled JSON Schemas for runtime output checks.
type Registry struct {
	actions ActionSchemas

	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// NewRegistry creates a Registry. actions may be nil when no action step is used.
func NewRegistry(actions ActionSchemas) *Registry {
	return &Registry{
		actions:  actions,
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// OutputSchema returns the output shape of a step type. actionName is only
// consulted for action steps.
func (r *Registry) OutputSchema(stepType schema.StepType, actionName string) (*Shape, error) {
	switch stepType {
	case schema.StepTypeTrigger:
		return TriggerOutput, nil
	case schema.StepTypeLLM:
		return LLMOutput, nil
	case schema.StepTypeCondition:
		return ConditionOutput, nil
	case schema.StepTypeLoop:
		return LoopOutput, nil
	case schema.StepTypeAction:
		if actionName == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "action step has no action name")
		}
		if r.actions == nil {
			return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "action %q not registered", actionName)
		}
		shape, ok := r.actions.OutputShape(actionName)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "action %q not registered", actionName)
		}
		if shape == nil {
			return Any(), nil
		}
		return shape, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", stepType)
	}
}

// OutputSchemaFor is a convenience wrapper resolving the action name from the step config.
func (r *Registry) OutputSchemaFor(step *schema.StepDefinition) (*Shape, error) {
	action := ""
	if cfg, ok := step.Config.(schema.ActionConfig); ok {
		action = cfg.Action
	}
	return r.OutputSchema(step.StepType, action)
}

// ValidateOutput checks a produced step output against the declared shape.
func (r *Registry) ValidateOutput(stepType schema.StepType, actionName string, output any) error {
	compiled, err := r.compiledFor(stepType, actionName)
	if err != nil {
		return err
	}
	doc, err := toJSONValue(output)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "output is not JSON serializable").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s output does not match schema: %s", stepType, err.Error()).WithCause(err)
	}
	return nil
}

func (r *Registry) compiledFor(stepType schema.StepType, actionName string) (*jsonschema.Schema, error) {
	key := string(stepType)
	if stepType == schema.StepTypeAction {
		key += ":" + actionName
	}

	r.mu.RLock()
	if c, ok := r.compiled[key]; ok {
		r.mu.RUnlock()
		return c, nil
	}
	r.mu.RUnlock()

	shape, err := r.OutputSchema(stepType, actionName)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.compiled[key]; ok {
		return c, nil
	}

	c, err := CompileShape(key, shape)
	if err != nil {
		return nil, err
	}
	r.compiled[key] = c
	return c, nil
}

// CompileShape compiles the JSON Schema rendering of a shape.
func CompileShape(name string, shape *Shape) (*jsonschema.Schema, error) {
	doc := shape.JSONSchema()
	doc["$schema"] = "https://json-schema.org/draft/2020-12/schema"
	return CompileDocument("automata://schemas/"+name, doc)
}

// CompileDocument compiles a JSON Schema document given as a Go value.
func CompileDocument(url string, doc any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema %s: %w", url, err)
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", url, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", url, err)
	}
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON so numbers become json.Number,
// which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// ToJSONValue is exported for packages validating documents against compiled schemas.
func ToJSONValue(v any) (any, error) { return toJSONValue(v) }
