package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/automata/internal/stepschema"
)

// Action is an executable unit of work behind an action step.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(params map[string]any) error
}

// ActionSchema describes the input/output contract of an action.
// Output drives reference validation of steps.<slug>.* paths; nil means any.
type ActionSchema struct {
	Description string            `json:"description,omitempty"`
	InputSchema json.RawMessage   `json:"inputSchema,omitempty"`
	Output      *stepschema.Shape `json:"-"`
}

// ExecutionInfo identifies the execution and step invoking an action.
type ExecutionInfo struct {
	ExecutionID    string `json:"executionId"`
	WfDefinitionID string `json:"wfDefinitionId"`
	OrganizationID string `json:"organizationId"`
	StepSlug       string `json:"stepSlug"`
}

// ActionInput is the data provided to an action at execution time.
type ActionInput struct {
	Params    map[string]any `json:"params"`
	Execution ExecutionInfo  `json:"execution"`
	// Variables is a read-only copy of the execution namespace.
	Variables map[string]any `json:"variables,omitempty"`
}

// Suspension asks the interpreter to park the execution in waiting.
type Suspension struct {
	Kind     string         `json:"kind"`
	Prompt   string         `json:"prompt,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ActionOutput is the result of an action execution. When Suspend is set,
// Data is ignored and the step output is taken from the resume payload.
type ActionOutput struct {
	Data    json.RawMessage `json:"data,omitempty"`
	Suspend *Suspension     `json:"suspend,omitempty"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func marshalOutput(name string, v any) (*ActionOutput, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, executionErrorf(name, "marshal output: %v", err)
	}
	return &ActionOutput{Data: data}, nil
}
