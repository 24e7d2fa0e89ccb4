package validation

import (
	"github.com/rendis/automata/pkg/schema"
)

// ValidateDefinition runs the full pipeline over a workflow:
// 1. Structural (config JSON Schemas, step graph)
// 2. Semantic (actions, cron, expressions, durations)
// 3. References (existence, ordering, output paths)
// Structural errors short-circuit the later stages.
func (v *Validator) ValidateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}
	if len(def.Steps) == 0 {
		result.AddError("steps", schema.ErrCodeValidation, "workflow has no steps")
		return result
	}

	// Stage 1: Structural.
	for i := range def.Steps {
		result.Merge(v.configs.Validate(&def.Steps[i], stepPath(def.Steps[i].StepSlug)))
	}
	result.Merge(validateGraph(def))
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	for i := range def.Steps {
		result.Merge(v.validateStepSemantic(&def.Steps[i], stepPath(def.Steps[i].StepSlug)))
	}

	// Stage 3: References.
	for i := range def.Steps {
		result.Merge(v.ValidateReferences(&def.Steps[i], def.Steps))
	}
	return result
}
