package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/automata/internal/expressions"
	"github.com/rendis/automata/internal/stepschema"
	"github.com/rendis/automata/pkg/schema"
)

// mockActions implements ActionLookup and stepschema.ActionSchemas for tests.
type mockActions map[string]*stepschema.Shape

func (m mockActions) Has(name string) bool {
	_, ok := m[name]
	return ok
}

func (m mockActions) OutputShape(name string) (*stepschema.Shape, bool) {
	s, ok := m[name]
	return s, ok
}

var testActions = mockActions{
	"crm.fetch": stepschema.Object(map[string]*stepschema.Shape{
		"rows": stepschema.ArrayOf(stepschema.Object(map[string]*stepschema.Shape{
			"id":    stepschema.String(),
			"email": stepschema.Opt(stepschema.String()),
		})),
		"count": stepschema.Integer(),
	}),
	"crm.update": nil,
}

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	v, err := New(stepschema.NewRegistry(testActions), testActions, engines)
	require.NoError(t, err)
	return v
}

func triggerStep(slug string, order int, next string) schema.StepDefinition {
	return schema.StepDefinition{
		StepSlug:  slug,
		StepType:  schema.StepTypeTrigger,
		Order:     order,
		Config:    schema.TriggerConfig{Type: schema.TriggerManual},
		NextSteps: map[string]string{schema.OutcomeDefault: next},
	}
}

func actionStep(slug string, order int, action string, params map[string]any, next string) schema.StepDefinition {
	s := schema.StepDefinition{
		StepSlug: slug,
		StepType: schema.StepTypeAction,
		Order:    order,
		Config:   schema.ActionConfig{Action: action, Parameters: params},
	}
	if next != "" {
		s.NextSteps = map[string]string{schema.OutcomeDefault: next}
	}
	return s
}

func codes(issues []schema.ValidationIssue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Code)
	}
	return out
}

func TestValidateReferences_Valid(t *testing.T) {
	v := newTestValidator(t)
	steps := []schema.StepDefinition{
		triggerStep("start", 1, "fetch"),
		actionStep("fetch", 2, "crm.fetch", nil, "update"),
		actionStep("update", 3, "crm.update", map[string]any{
			"ids":   "{{ steps.fetch.rows }}",
			"first": "{{ steps.fetch.rows[0].id }}",
			"note":  "fetched {{ steps.fetch.count }} rows",
		}, ""),
	}
	result := v.ValidateReferences(&steps[2], steps)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestValidateReferences_UnknownStep(t *testing.T) {
	v := newTestValidator(t)
	steps := []schema.StepDefinition{
		triggerStep("start", 1, "update"),
		actionStep("update", 2, "crm.update", map[string]any{"id": "{{ steps.ghost.id }}"}, ""),
	}
	result := v.ValidateReferences(&steps[1], steps)
	require.Len(t, result.Errors, 1)
	issue := result.Errors[0]
	assert.Equal(t, schema.CodeUnknownStepReference, issue.Code)
	assert.Equal(t, "steps.update.config.parameters.id", issue.Path)
	assert.Equal(t, "steps.ghost.id", issue.Reference)
	assert.Equal(t, "update", issue.StepSlug)
}

func TestValidateReferences_ForwardAndSelf(t *testing.T) {
	v := newTestValidator(t)
	steps := []schema.StepDefinition{
		triggerStep("start", 1, "update"),
		actionStep("update", 2, "crm.update", map[string]any{
			"later": "{{ steps.fetch.count }}",
			"self":  "{{ steps.update.anything }}",
		}, "fetch"),
		actionStep("fetch", 3, "crm.fetch", nil, ""),
	}
	result := v.ValidateReferences(&steps[1], steps)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, []string{schema.CodeForwardOrCyclicReference, schema.CodeForwardOrCyclicReference}, codes(result.Errors))
}

func TestValidateReferences_LoopSelfState(t *testing.T) {
	v := newTestValidator(t)
	loop := schema.StepDefinition{
		StepSlug: "iterate",
		StepType: schema.StepTypeLoop,
		Order:    2,
		Config:   schema.LoopConfig{Items: "{{ steps.iterate.state.totalItems }}"},
	}
	steps := []schema.StepDefinition{triggerStep("start", 1, "iterate"), loop}
	result := v.ValidateReferences(&steps[1], steps)
	assert.True(t, result.Valid())

	steps[1].Config = schema.LoopConfig{Items: "{{ steps.iterate.batch }}"}
	result = v.ValidateReferences(&steps[1], steps)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.CodeForwardOrCyclicReference, result.Errors[0].Code)
}

func TestValidateReferences_InvalidPath(t *testing.T) {
	v := newTestValidator(t)
	steps := []schema.StepDefinition{
		triggerStep("start", 1, "fetch"),
		actionStep("fetch", 2, "crm.fetch", nil, "update"),
		actionStep("update", 3, "crm.update", map[string]any{
			"x": "{{ steps.fetch.total }}",
			"y": "{{ steps.start.type.length }}",
		}, ""),
	}
	result := v.ValidateReferences(&steps[2], steps)
	require.Len(t, result.Errors, 2)
	for _, e := range result.Errors {
		assert.Equal(t, schema.CodeInvalidOutputPath, e.Code)
	}
	assert.Contains(t, result.Errors[0].Message, "count")
}

func TestValidateReferences_NullableWarning(t *testing.T) {
	v := newTestValidator(t)
	steps := []schema.StepDefinition{
		triggerStep("start", 1, "fetch"),
		actionStep("fetch", 2, "crm.fetch", nil, "update"),
		actionStep("update", 3, "crm.update", map[string]any{
			"email":    "{{ steps.fetch.rows[0].email }}",
			"customer": "{{ steps.start.data.customerId }}",
		}, ""),
	}
	result := v.ValidateReferences(&steps[2], steps)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 2)
	for _, w := range result.Warnings {
		assert.Equal(t, schema.CodeNullableOutputPath, w.Code)
		assert.Equal(t, schema.SeverityWarning, w.Severity)
	}
}

func TestValidateReferences_UnregisteredActionTarget(t *testing.T) {
	v := newTestValidator(t)
	steps := []schema.StepDefinition{
		triggerStep("start", 1, "mail"),
		actionStep("mail", 2, "mail.send", nil, "update"),
		actionStep("update", 3, "crm.update", map[string]any{"id": "{{ steps.mail.messageId }}"}, ""),
	}
	result := v.ValidateReferences(&steps[2], steps)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.CodeInvalidOutputPath, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "mail.send")
}

func TestValidateReferences_ActionWithoutShapeAcceptsAnyPath(t *testing.T) {
	v := newTestValidator(t)
	steps := []schema.StepDefinition{
		triggerStep("start", 1, "update"),
		actionStep("update", 2, "crm.update", nil, "next"),
		actionStep("next", 3, "crm.update", map[string]any{"v": "{{ steps.update.whatever.deep }}"}, ""),
	}
	assert.True(t, v.ValidateReferences(&steps[2], steps).Valid())
}

func TestValidateReferences_ConditionBareIdentifiers(t *testing.T) {
	v := newTestValidator(t)
	steps := []schema.StepDefinition{
		triggerStep("start", 1, "fetch"),
		actionStep("fetch", 2, "crm.fetch", nil, "check"),
		{
			StepSlug: "check",
			StepType: schema.StepTypeCondition,
			Order:    3,
			Config:   schema.ConditionConfig{Expression: `steps.fetch.count > 0 && steps.fetch.size > 1 && {{ steps.fetch.rows[0].id }} != ""`},
		},
	}
	result := v.ValidateReferences(&steps[2], steps)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.CodeInvalidOutputPath, result.Errors[0].Code)
	assert.Equal(t, "steps.fetch.size", result.Errors[0].Reference)
	assert.Equal(t, "steps.check.config.expression", result.Errors[0].Path)
}

func TestValidateReferences_NonStepReferencesIgnored(t *testing.T) {
	v := newTestValidator(t)
	steps := []schema.StepDefinition{
		triggerStep("start", 1, "update"),
		actionStep("update", 2, "crm.update", map[string]any{
			"region": "{{ input.region }}",
			"exec":   "{{ execution.id }}",
		}, ""),
	}
	result := v.ValidateReferences(&steps[1], steps)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestValidateReferences_MalformedReference(t *testing.T) {
	v := newTestValidator(t)
	steps := []schema.StepDefinition{
		triggerStep("start", 1, "update"),
		actionStep("update", 2, "crm.update", map[string]any{"bad": "{{ steps.start.data[x] }}"}, ""),
	}
	result := v.ValidateReferences(&steps[1], steps)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeInterpolation, result.Errors[0].Code)
}

// Any reference from order k to order >= k is rejected.
func TestValidateReferences_OrderProperty(t *testing.T) {
	v := newTestValidator(t)
	for from := 1; from <= 4; from++ {
		for to := 1; to <= 4; to++ {
			steps := []schema.StepDefinition{
				actionStep("s1", 1, "crm.fetch", nil, ""),
				actionStep("s2", 2, "crm.fetch", nil, ""),
				actionStep("s3", 3, "crm.fetch", nil, ""),
				actionStep("s4", 4, "crm.fetch", nil, ""),
			}
			target := steps[to-1].StepSlug
			steps[from-1].Config = schema.ActionConfig{
				Action:     "crm.fetch",
				Parameters: map[string]any{"n": "{{ steps." + target + ".count }}"},
			}
			result := v.ValidateReferences(&steps[from-1], steps)
			if to >= from {
				require.Len(t, result.Errors, 1, "from %d to %d", from, to)
				assert.Equal(t, schema.CodeForwardOrCyclicReference, result.Errors[0].Code)
			} else {
				assert.True(t, result.Valid(), "from %d to %d", from, to)
			}
		}
	}
}
