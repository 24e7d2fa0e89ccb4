package actions

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/automata/internal/logging"
	"github.com/rendis/automata/internal/stepschema"
	"github.com/rendis/automata/pkg/schema"
)

// SuspensionHumanApproval is the suspension kind raised by human.approval.
const SuspensionHumanApproval = "human_approval"

// ApprovalShape is the resume payload expected by human.approval.
var ApprovalShape = stepschema.Object(map[string]*stepschema.Shape{
	"approved":    stepschema.Boolean(),
	"comment":     stepschema.Opt(stepschema.String()),
	"respondedBy": stepschema.Opt(stepschema.String()),
})

// WorkflowActions returns the execution control actions.
func WorkflowActions(logger *slog.Logger) []Action {
	if logger == nil {
		logger = slog.Default()
	}
	return []Action{
		&workflowLogAction{logger: logger},
		&workflowFailAction{},
		&humanApprovalAction{},
	}
}

// --- workflow.log ---

type workflowLogAction struct {
	logger *slog.Logger
}

func (a *workflowLogAction) Name() string { return "workflow.log" }

func (a *workflowLogAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Write a structured log entry correlated with the execution.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "message": {"type": "string", "minLength": 1},
    "level": {"type": "string", "enum": ["debug","info","warn","error"]},
    "data": {}
  },
  "required": ["message"]
}`),
		Output: stepschema.Object(map[string]*stepschema.Shape{"logged": stepschema.Boolean()}),
	}
}

func (a *workflowLogAction) Validate(params map[string]any) error {
	if stringParam(params, "message", "") == "" {
		return validationErrorf(a.Name(), "missing required param 'message'")
	}
	return nil
}

func (a *workflowLogAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	ctx = logging.WithExecution(ctx, input.Execution.OrganizationID, input.Execution.WfDefinitionID, input.Execution.ExecutionID)
	ctx = logging.WithStepSlug(ctx, input.Execution.StepSlug)

	var attrs []any
	if data, ok := input.Params["data"]; ok {
		attrs = append(attrs, slog.Any("data", data))
	}
	a.logger.Log(ctx, logging.ParseLevel(stringParam(input.Params, "level", "info")),
		stringParam(input.Params, "message", ""), attrs...)

	return marshalOutput(a.Name(), map[string]any{"logged": true})
}

// --- workflow.fail ---

type workflowFailAction struct{}

func (a *workflowFailAction) Name() string { return "workflow.fail" }

func (a *workflowFailAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Fail the execution with a reason. Never retried.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {"reason": {"type": "string", "minLength": 1}},
  "required": ["reason"]
}`),
	}
}

func (a *workflowFailAction) Validate(params map[string]any) error {
	if stringParam(params, "reason", "") == "" {
		return validationErrorf(a.Name(), "missing required param 'reason'")
	}
	return nil
}

func (a *workflowFailAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	return nil, schema.NewError(schema.ErrCodeNonRetryable, stringParam(input.Params, "reason", "workflow.fail invoked"))
}

// --- human.approval ---

type humanApprovalAction struct{}

func (a *humanApprovalAction) Name() string { return "human.approval" }

func (a *humanApprovalAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Park the execution until a person approves or rejects. The resume payload becomes the output.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "prompt": {"type": "string", "minLength": 1},
    "assignee": {"type": "string"},
    "context": {}
  },
  "required": ["prompt"]
}`),
		Output: ApprovalShape,
	}
}

func (a *humanApprovalAction) Validate(params map[string]any) error {
	if stringParam(params, "prompt", "") == "" {
		return validationErrorf(a.Name(), "missing required param 'prompt'")
	}
	return nil
}

func (a *humanApprovalAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	meta := map[string]any{"stepSlug": input.Execution.StepSlug}
	if assignee := stringParam(input.Params, "assignee", ""); assignee != "" {
		meta["assignee"] = assignee
	}
	if c, ok := input.Params["context"]; ok {
		meta["context"] = c
	}
	return &ActionOutput{Suspend: &Suspension{
		Kind:     SuspensionHumanApproval,
		Prompt:   stringParam(input.Params, "prompt", ""),
		Metadata: meta,
	}}, nil
}
