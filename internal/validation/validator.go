package validation

import (
	"github.com/robfig/cron/v3"

	"github.com/rendis/automata/internal/expressions"
	"github.com/rendis/automata/internal/stepschema"
	"github.com/rendis/automata/pkg/schema"
)

// ActionLookup checks whether an action name is registered.
type ActionLookup interface {
	Has(name string) bool
}

// CronParser is the five-field parser shared with the scheduler.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validator checks workflow definitions and individual step configs.
// It is side-effect free and safe for concurrent use.
type Validator struct {
	registry *stepschema.Registry
	actions  ActionLookup
	engines  *expressions.Engines
	configs  *ConfigSchemas
}

// New creates a Validator. actions may be nil to skip action existence checks.
func New(registry *stepschema.Registry, actions ActionLookup, engines *expressions.Engines) (*Validator, error) {
	configs, err := NewConfigSchemas()
	if err != nil {
		return nil, err
	}
	return &Validator{
		registry: registry,
		actions:  actions,
		engines:  engines,
		configs:  configs,
	}, nil
}

// ValidateStepConfig validates one step against the steps of its workflow:
// config shape, expression syntax and variable references.
func (v *Validator) ValidateStepConfig(step *schema.StepDefinition, steps []schema.StepDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if step == nil {
		result.AddError("/", schema.ErrCodeValidation, "step is nil")
		return result
	}
	base := stepPath(step.StepSlug)
	result.Merge(v.configs.Validate(step, base))
	if !result.Valid() {
		return result
	}
	result.Merge(v.validateStepSemantic(step, base))
	result.Merge(v.ValidateReferences(step, steps))
	return result
}

func stepPath(slug string) string {
	return "steps." + slug
}
