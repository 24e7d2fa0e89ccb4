package validation

import (
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/automata/internal/stepschema"
	"github.com/rendis/automata/pkg/schema"
)

const durationPattern = `^[0-9]+(ns|us|µs|ms|s|m|h)$`

// configSchemaDocs holds the JSON Schema of each step config variant.
var configSchemaDocs = map[schema.StepType]map[string]any{
	schema.StepTypeTrigger: {
		"type":     "object",
		"required": []any{"type"},
		"properties": map[string]any{
			"type":               map[string]any{"type": "string", "enum": []any{"manual", "schedule", "webhook", "api"}},
			"schedule":           map[string]any{"type": "string"},
			"minIntervalSeconds": map[string]any{"type": "integer", "minimum": 0},
		},
		"additionalProperties": false,
	},
	schema.StepTypeLLM: {
		"type":     "object",
		"required": []any{"prompt"},
		"properties": map[string]any{
			"prompt":       map[string]any{"type": "string", "minLength": 1},
			"systemPrompt": map[string]any{"type": "string"},
			"model":        map[string]any{"type": "string"},
			"tools":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"timeout":      map[string]any{"type": "string", "pattern": durationPattern},
		},
		"additionalProperties": false,
	},
	schema.StepTypeCondition: {
		"type":     "object",
		"required": []any{"expression"},
		"properties": map[string]any{
			"expression": map[string]any{"type": "string", "minLength": 1},
			"engine":     map[string]any{"type": "string", "enum": []any{"cel", "expr"}},
		},
		"additionalProperties": false,
	},
	schema.StepTypeAction: {
		"type":     "object",
		"required": []any{"action"},
		"properties": map[string]any{
			"action":     map[string]any{"type": "string", "minLength": 1},
			"parameters": map[string]any{"type": "object"},
			"retryPolicy": map[string]any{
				"type":     "object",
				"required": []any{"maxRetries"},
				"properties": map[string]any{
					"maxRetries": map[string]any{"type": "integer", "minimum": 0},
					"backoffMs":  map[string]any{"type": "integer", "minimum": 0},
				},
				"additionalProperties": false,
			},
			"timeout": map[string]any{"type": "string", "pattern": durationPattern},
		},
		"additionalProperties": false,
	},
	schema.StepTypeLoop: {
		"type":     "object",
		"required": []any{"items"},
		"properties": map[string]any{
			"items":         map[string]any{"type": "string", "minLength": 1},
			"batchSize":     map[string]any{"type": "integer", "minimum": 1},
			"maxIterations": map[string]any{"type": "integer", "minimum": 0},
		},
		"additionalProperties": false,
	},
}

// ConfigSchemas holds the compiled config schema of every step type.
type ConfigSchemas struct {
	compiled map[schema.StepType]*jsonschema.Schema
}

// NewConfigSchemas compiles the per-type config schemas.
func NewConfigSchemas() (*ConfigSchemas, error) {
	cs := &ConfigSchemas{compiled: make(map[schema.StepType]*jsonschema.Schema, len(configSchemaDocs))}
	for stepType, doc := range configSchemaDocs {
		full := make(map[string]any, len(doc)+1)
		for k, v := range doc {
			full[k] = v
		}
		full["$schema"] = "https://json-schema.org/draft/2020-12/schema"
		compiled, err := stepschema.CompileDocument("automata://config/"+string(stepType)+".json", full)
		if err != nil {
			return nil, err
		}
		cs.compiled[stepType] = compiled
	}
	return cs, nil
}

// Validate checks the step type and its config against the schema of that type.
func (cs *ConfigSchemas) Validate(step *schema.StepDefinition, base string) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if !step.StepType.Valid() {
		result.Add(schema.ValidationIssue{
			Path:     base + ".stepType",
			Code:     schema.ErrCodeValidation,
			Message:  fmt.Sprintf("unknown step type %q", step.StepType),
			StepSlug: step.StepSlug,
		})
		return result
	}
	if step.Config == nil {
		result.Add(schema.ValidationIssue{
			Path:     base + ".config",
			Code:     schema.ErrCodeValidation,
			Message:  "config is required",
			StepSlug: step.StepSlug,
		})
		return result
	}
	if step.Config.StepType() != step.StepType {
		result.Add(schema.ValidationIssue{
			Path:     base + ".config",
			Code:     schema.ErrCodeValidation,
			Message:  fmt.Sprintf("config is for %s but step type is %s", step.Config.StepType(), step.StepType),
			StepSlug: step.StepSlug,
		})
		return result
	}

	doc, err := stepschema.ToJSONValue(step.Config)
	if err != nil {
		result.Add(schema.ValidationIssue{
			Path:     base + ".config",
			Code:     schema.ErrCodeValidation,
			Message:  "config is not serializable: " + err.Error(),
			StepSlug: step.StepSlug,
		})
		return result
	}
	if err := cs.compiled[step.StepType].Validate(doc); err != nil {
		for _, v := range collectViolations(err) {
			result.Add(schema.ValidationIssue{
				Path:     base + ".config" + v.location,
				Code:     schema.ErrCodeValidation,
				Message:  v.message,
				StepSlug: step.StepSlug,
			})
		}
	}
	return result
}

type violation struct {
	location string
	message  string
}

// collectViolations walks a ValidationError tree and returns its leaf messages
// with their instance locations.
func collectViolations(err error) []violation {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []violation{{message: err.Error()}}
	}
	return leafViolations(verr)
}

func leafViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := ""
		if len(verr.InstanceLocation) > 0 {
			loc = "." + strings.Join(verr.InstanceLocation, ".")
		}
		return []violation{{location: loc, message: verr.Error()}}
	}
	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, leafViolations(cause)...)
	}
	return out
}
