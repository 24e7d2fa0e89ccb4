package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/automata/internal/expressions"
	"github.com/rendis/automata/pkg/schema"
)

// DefaultLLMTimeout bounds an llm step whose config sets no timeout.
const DefaultLLMTimeout = 120 * time.Second

// LLMRequest is a single completion request issued by an llm step.
type LLMRequest struct {
	Model          string   `json:"model,omitempty"`
	SystemPrompt   string   `json:"systemPrompt,omitempty"`
	Prompt         string   `json:"prompt"`
	Tools          []string `json:"tools,omitempty"`
	OrganizationID string   `json:"organizationId,omitempty"`
	ExecutionID    string   `json:"executionId,omitempty"`
}

// LLMUsage reports token accounting for a completion.
type LLMUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// LLMResponse is the provider's answer to an LLMRequest.
type LLMResponse struct {
	Text         string   `json:"text"`
	Usage        LLMUsage `json:"usage"`
	FinishReason string   `json:"finishReason"`
	Model        string   `json:"model,omitempty"`
}

// LLMProvider performs completions for llm steps. Implementations must honor
// ctx cancellation; the interpreter enforces the step deadline through it.
type LLMProvider interface {
	Generate(ctx context.Context, req LLMRequest) (*LLMResponse, error)
}

// LLMProviderFunc adapts a function to LLMProvider.
type LLMProviderFunc func(ctx context.Context, req LLMRequest) (*LLMResponse, error)

func (f LLMProviderFunc) Generate(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	return f(ctx, req)
}

func (in *Interpreter) runLLM(ctx context.Context, run *executionRun, step *schema.StepDefinition) (*stepResult, error) {
	cfg, err := schema.ConfigAs[schema.LLMConfig](step)
	if err != nil {
		return nil, err
	}
	if in.llm == nil {
		return nil, schema.NewError(schema.ErrCodeActionUnavailable, "no llm provider configured").WithStep(step.StepSlug)
	}

	interp := expressions.Interpolator{}
	prompt, err := interp.InterpolateString(cfg.Prompt, run.ns.Map())
	if err != nil {
		return nil, interpolationError(step.StepSlug, "prompt", err)
	}
	system, err := interp.InterpolateString(cfg.SystemPrompt, run.ns.Map())
	if err != nil {
		return nil, interpolationError(step.StepSlug, "systemPrompt", err)
	}

	timeout := in.cfg.LLMTimeout
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil || d <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid llm timeout %q", cfg.Timeout).WithStep(step.StepSlug)
		}
		timeout = d
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := in.now()
	resp, err := in.llm.Generate(callCtx, LLMRequest{
		Model:          cfg.Model,
		SystemPrompt:   system,
		Prompt:         prompt,
		Tools:          cfg.Tools,
		OrganizationID: run.exec.OrganizationID,
		ExecutionID:    run.exec.ID,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, schema.AgentTimeoutError(step.StepSlug, timeout)
		}
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "llm call failed: %s", err).WithStep(step.StepSlug).WithCause(err)
	}
	if resp == nil {
		return nil, schema.NewError(schema.ErrCodeActionExecution, "llm provider returned no response").WithStep(step.StepSlug)
	}

	model := resp.Model
	if model == "" {
		model = cfg.Model
	}
	output := map[string]any{
		"text": resp.Text,
		"usage": map[string]any{
			"promptTokens":     resp.Usage.PromptTokens,
			"completionTokens": resp.Usage.CompletionTokens,
			"totalTokens":      resp.Usage.TotalTokens,
		},
		"finishReason": resp.FinishReason,
		"durationMs":   in.now().Sub(start).Milliseconds(),
	}
	if model != "" {
		output["model"] = model
	}
	return &stepResult{output: output, outcome: schema.OutcomeDefault}, nil
}
