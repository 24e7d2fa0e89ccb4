package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/automata/internal/actions"
	"github.com/rendis/automata/internal/expressions"
	"github.com/rendis/automata/internal/store"
	"github.com/rendis/automata/pkg/schema"
)

func (in *Interpreter) runTrigger(run *executionRun) (*stepResult, error) {
	output := map[string]any{
		"type":        string(run.exec.TriggerType),
		"triggeredAt": run.exec.StartedAt.UTC().Format(time.RFC3339),
	}
	if input, ok := run.ns[expressions.KeyInput].(map[string]any); ok {
		output["data"] = input
	}
	return &stepResult{output: output, outcome: schema.OutcomeDefault}, nil
}

func (in *Interpreter) runCondition(ctx context.Context, run *executionRun, step *schema.StepDefinition) (*stepResult, error) {
	cfg, err := schema.ConfigAs[schema.ConditionConfig](step)
	if err != nil {
		return nil, err
	}
	eng, err := in.engines.Condition(cfg.Engine)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s", err).WithStep(step.StepSlug)
	}

	expression := expressions.RewriteExpressionReferences(cfg.Expression)
	matched, err := expressions.EvaluateBool(ctx, eng, expression, run.ns.Map())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "evaluate condition: %s", err).WithStep(step.StepSlug).WithCause(err)
	}

	in.emit(ctx, run, step.StepSlug, schema.EventConditionEvaluated, map[string]any{
		"engine":     eng.Name(),
		"expression": cfg.Expression,
		"matched":    matched,
	})
	outcome := schema.OutcomeFalse
	if matched {
		outcome = schema.OutcomeTrue
	}
	return &stepResult{output: map[string]any{"matched": matched}, outcome: outcome}, nil
}

func (in *Interpreter) runAction(ctx context.Context, run *executionRun, step *schema.StepDefinition) (*stepResult, error) {
	cfg, err := schema.ConfigAs[schema.ActionConfig](step)
	if err != nil {
		return nil, err
	}
	action, err := in.actions.Get(cfg.Action)
	if err != nil {
		return nil, asAutomataError(err).WithStep(step.StepSlug)
	}

	rendered, err := expressions.Interpolator{}.Interpolate(cfg.Parameters, run.ns.Map())
	if err != nil {
		return nil, interpolationError(step.StepSlug, "parameters", err)
	}
	params, _ := rendered.(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	if err := in.actions.ValidateParams(cfg.Action, params); err != nil {
		return nil, asAutomataError(err).WithStep(step.StepSlug)
	}

	timeout := in.cfg.ActionTimeout
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil || d <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid action timeout %q", cfg.Timeout).WithStep(step.StepSlug)
		}
		timeout = d
	}

	input := actions.ActionInput{
		Params: params,
		Execution: actions.ExecutionInfo{
			ExecutionID:    run.exec.ID,
			WfDefinitionID: run.exec.WfDefinitionID,
			OrganizationID: run.exec.OrganizationID,
			StepSlug:       step.StepSlug,
		},
		Variables: run.ns.Clone().Map(),
	}

	retry := BuildRetryBehaviorFromPolicy(cfg.RetryPolicy)
	var out *actions.ActionOutput
	for attempt := 1; ; attempt++ {
		out, err = in.callAction(ctx, run, action, input, timeout)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt >= retry.Attempts() || !IsRetryableError(err) {
			return nil, schema.ActionExecutionError(step.StepSlug, cfg.Action, err)
		}

		delay := retry.Delay(attempt)
		run.logger.Warn("action failed, retrying",
			"step", step.StepSlug, "action", cfg.Action, "attempt", attempt, "delay", delay, "error", err)
		in.emit(ctx, run, step.StepSlug, schema.EventStepRetrying, map[string]any{
			"attempt": attempt,
			"delayMs": delay.Milliseconds(),
			"error":   err.Error(),
		})
		if err := WaitForBackoff(ctx, delay); err != nil {
			return nil, err
		}
	}

	if out.Suspend != nil {
		return &stepResult{suspend: &store.WaitingFor{
			Kind:     out.Suspend.Kind,
			Prompt:   out.Suspend.Prompt,
			Metadata: out.Suspend.Metadata,
		}}, nil
	}

	var output any
	if len(out.Data) > 0 {
		if err := json.Unmarshal(out.Data, &output); err != nil {
			return nil, schema.ActionExecutionError(step.StepSlug, cfg.Action, err)
		}
	}
	return &stepResult{output: output, outcome: schema.OutcomeDefault}, nil
}

// callAction runs one attempt behind the tenant's breaker for the action.
func (in *Interpreter) callAction(ctx context.Context, run *executionRun, action actions.Action, input actions.ActionInput, timeout time.Duration) (*actions.ActionOutput, error) {
	org, name := run.exec.OrganizationID, action.Name()
	if err := in.breakers.Allow(org, name); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := action.Execute(callCtx, input)
	if err != nil {
		if ctx.Err() == nil && IsRetryableError(err) {
			if in.breakers.Failure(org, name) == BreakerOpen {
				run.logger.Warn("action breaker open", "action", name)
			}
		} else {
			in.breakers.Success(org, name)
		}
		return nil, err
	}
	in.breakers.Success(org, name)
	if out == nil {
		out = &actions.ActionOutput{}
	}
	return out, nil
}
