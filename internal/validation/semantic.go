package validation

import (
	"fmt"
	"time"

	"github.com/rendis/automata/internal/expressions"
	"github.com/rendis/automata/pkg/schema"
)

// validateStepSemantic checks what the config schemas cannot express:
// registered actions, cron syntax, expression syntax and durations.
func (v *Validator) validateStepSemantic(step *schema.StepDefinition, base string) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	add := func(field, msg string) {
		result.Add(schema.ValidationIssue{
			Path:     base + ".config." + field,
			Code:     schema.ErrCodeValidation,
			Message:  msg,
			StepSlug: step.StepSlug,
		})
	}

	switch cfg := step.Config.(type) {
	case schema.TriggerConfig:
		if cfg.Type == schema.TriggerSchedule {
			if cfg.Schedule == "" {
				add("schedule", "schedule trigger requires a cron expression")
			} else if _, err := CronParser.Parse(cfg.Schedule); err != nil {
				add("schedule", fmt.Sprintf("invalid cron expression %q: %s", cfg.Schedule, err))
			}
		} else if cfg.Schedule != "" {
			add("schedule", fmt.Sprintf("schedule is only allowed on schedule triggers, not %s", cfg.Type))
		}

	case schema.LLMConfig:
		checkDuration(cfg.Timeout, add)

	case schema.ConditionConfig:
		if v.engines == nil {
			break
		}
		engine, err := v.engines.Condition(cfg.Engine)
		if err != nil {
			add("engine", err.Error())
			break
		}
		if err := engine.Check(expressions.RewriteExpressionReferences(cfg.Expression)); err != nil {
			add("expression", fmt.Sprintf("%s compile error: %s", engine.Name(), err))
		}

	case schema.ActionConfig:
		if v.actions != nil && !v.actions.Has(cfg.Action) {
			result.Add(schema.ValidationIssue{
				Path:     base + ".config.action",
				Code:     schema.ErrCodeActionUnavailable,
				Message:  fmt.Sprintf("action %q not registered", cfg.Action),
				StepSlug: step.StepSlug,
			})
		}
		if cfg.RetryPolicy != nil && cfg.RetryPolicy.MaxRetries > 0 && cfg.RetryPolicy.BackoffMs == 0 {
			result.Add(schema.ValidationIssue{
				Path:     base + ".config.retryPolicy.backoffMs",
				Code:     schema.ErrCodeValidation,
				Message:  "retries without backoff run back to back",
				Severity: schema.SeverityWarning,
				StepSlug: step.StepSlug,
			})
		}
		checkDuration(cfg.Timeout, add)

	case schema.LoopConfig:
		if _, ok := expressions.SingleReference(cfg.Items); ok || v.engines == nil {
			break
		}
		if err := v.engines.JQ.Check(cfg.Items); err != nil {
			add("items", fmt.Sprintf("items must be a {{ reference }} or a jq expression: %s", err))
		}
	}
	return result
}

func checkDuration(value string, add func(field, msg string)) {
	if value == "" {
		return
	}
	if d, err := time.ParseDuration(value); err != nil || d <= 0 {
		add("timeout", fmt.Sprintf("invalid timeout %q", value))
	}
}
