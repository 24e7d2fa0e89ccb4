package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/automata/internal/expressions"
	"github.com/rendis/automata/pkg/schema"
)

// ValidateReferences checks every steps.<slug>.<path> reference in the config of
// step against steps: the target must exist, come strictly earlier in order
// (a loop may read its own state) and expose the path in its output schema.
// References into optional or nullable fields produce warnings.
func (v *Validator) ValidateReferences(step *schema.StepDefinition, steps []schema.StepDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	refs, err := configReferences(step)
	if err != nil {
		result.Add(schema.ValidationIssue{
			Path:     stepPath(step.StepSlug) + ".config",
			Code:     schema.ErrCodeValidation,
			Message:  err.Error(),
			StepSlug: step.StepSlug,
		})
		return result
	}

	bySlug := make(map[string]*schema.StepDefinition, len(steps))
	for i := range steps {
		bySlug[steps[i].StepSlug] = &steps[i]
	}

	for _, ref := range refs {
		issue := schema.ValidationIssue{
			Path:      stepPath(step.StepSlug) + ".config." + ref.Location,
			StepSlug:  step.StepSlug,
			Reference: ref.Raw,
		}
		if ref.Segments == nil {
			issue.Code = schema.ErrCodeInterpolation
			issue.Message = fmt.Sprintf("malformed reference %q", ref.Raw)
			result.Add(issue)
			continue
		}
		slug, path, ok := ref.StepRef()
		if !ok {
			continue
		}

		target := bySlug[slug]
		if target == nil {
			issue.Code = schema.CodeUnknownStepReference
			issue.Message = fmt.Sprintf("references unknown step %q", slug)
			result.Add(issue)
			continue
		}

		if target.Order >= step.Order && !isLoopSelfReference(step, target, path) {
			issue.Code = schema.CodeForwardOrCyclicReference
			issue.Message = fmt.Sprintf("step %q (order %d) cannot read step %q (order %d)",
				step.StepSlug, step.Order, slug, target.Order)
			result.Add(issue)
			continue
		}

		shape, err := v.registry.OutputSchemaFor(target)
		if err != nil {
			issue.Code = schema.CodeInvalidOutputPath
			issue.Message = fmt.Sprintf("output schema of step %q unavailable: %s", slug, err)
			result.Add(issue)
			continue
		}
		res, err := shape.Resolve(path)
		if err != nil {
			issue.Code = schema.CodeInvalidOutputPath
			issue.Message = fmt.Sprintf("step %q output has no path %q: %s", slug, strings.Join(path, "."), err)
			result.Add(issue)
			continue
		}
		if res.Uncertain {
			issue.Code = schema.CodeNullableOutputPath
			issue.Message = fmt.Sprintf("%q of step %q may be absent or null", res.UncertainAt, slug)
			issue.Severity = schema.SeverityWarning
			result.Add(issue)
		}
	}
	return result
}

// isLoopSelfReference allows a loop step to read its own persisted state.
func isLoopSelfReference(step, target *schema.StepDefinition, path []string) bool {
	return step.StepSlug == target.StepSlug &&
		step.StepType == schema.StepTypeLoop &&
		len(path) > 0 && path[0] == "state"
}

// configReferences extracts {{ }} references from the decoded config, plus bare
// steps.* identifiers from condition expressions.
func configReferences(step *schema.StepDefinition) ([]expressions.Reference, error) {
	if step.Config == nil {
		return nil, nil
	}
	raw, err := json.Marshal(step.Config)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	refs := expressions.ExtractReferences(decoded)
	if cfg, ok := step.Config.(schema.ConditionConfig); ok {
		refs = append(refs, expressions.ExtractBareStepReferences(cfg.Expression, "expression")...)
	}
	return refs, nil
}
