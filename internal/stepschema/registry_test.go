package stepschema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/automata/pkg/schema"
)

type fakeActions map[string]*Shape

func (f fakeActions) OutputShape(name string) (*Shape, bool) {
	s, ok := f[name]
	return s, ok
}

func TestRegistry_BuiltinShapes(t *testing.T) {
	r := NewRegistry(nil)

	llm, err := r.OutputSchema(schema.StepTypeLLM, "")
	require.NoError(t, err)
	res, err := llm.Resolve([]string{"usage", "totalTokens"})
	require.NoError(t, err)
	assert.Equal(t, KindInteger, res.Shape.Kind)
	assert.False(t, res.Uncertain)

	cond, err := r.OutputSchema(schema.StepTypeCondition, "")
	require.NoError(t, err)
	res, err = cond.Resolve([]string{"matched"})
	require.NoError(t, err)
	assert.Equal(t, KindBoolean, res.Shape.Kind)

	loop, err := r.OutputSchema(schema.StepTypeLoop, "")
	require.NoError(t, err)
	for _, f := range []string{"currentIndex", "totalItems", "isComplete", "iterations"} {
		_, err := loop.Resolve([]string{"state", f})
		assert.NoError(t, err, f)
	}
}

func TestRegistry_ActionShapes(t *testing.T) {
	r := NewRegistry(fakeActions{
		"crm.lookup": Object(map[string]*Shape{"customer": Object(map[string]*Shape{"email": Null(String())})}),
		"opaque":     nil,
	})

	shape, err := r.OutputSchema(schema.StepTypeAction, "crm.lookup")
	require.NoError(t, err)
	res, err := shape.Resolve([]string{"customer", "email"})
	require.NoError(t, err)
	assert.True(t, res.Uncertain)
	assert.Equal(t, "customer.email", res.UncertainAt)

	shape, err = r.OutputSchema(schema.StepTypeAction, "opaque")
	require.NoError(t, err)
	assert.Equal(t, KindAny, shape.Kind)

	_, err = r.OutputSchema(schema.StepTypeAction, "missing")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeActionUnavailable))

	_, err = r.OutputSchema(schema.StepTypeAction, "")
	require.Error(t, err)

	_, err = r.OutputSchema("bogus", "")
	require.Error(t, err)
}

func TestShape_ResolveErrors(t *testing.T) {
	_, err := LLMOutput.Resolve([]string{"txt"})
	var pe *PathError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "txt", pe.Segment)
	assert.Contains(t, pe.Known, "text")

	_, err = LLMOutput.Resolve([]string{"text", "length"})
	require.Error(t, err)

	arr := Object(map[string]*Shape{"rows": ArrayOf(Object(map[string]*Shape{"id": String()}))})
	res, err := arr.Resolve([]string{"rows", "0", "id"})
	require.NoError(t, err)
	assert.Equal(t, KindString, res.Shape.Kind)
	_, err = arr.Resolve([]string{"rows", "first"})
	require.Error(t, err)
}

func TestShape_OpenObjectAcceptsAnyPath(t *testing.T) {
	res, err := TriggerOutput.Resolve([]string{"data", "customer", "name"})
	require.NoError(t, err)
	assert.Equal(t, KindAny, res.Shape.Kind)
	assert.True(t, res.Uncertain, "data is optional")
}

func TestRegistry_ValidateOutput(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.ValidateOutput(schema.StepTypeCondition, "", map[string]any{"matched": true}))
	require.Error(t, r.ValidateOutput(schema.StepTypeCondition, "", map[string]any{"matched": "yes"}))
	require.Error(t, r.ValidateOutput(schema.StepTypeCondition, "", map[string]any{}))

	loopOut := map[string]any{
		"state": map[string]any{
			"currentIndex": 3, "totalItems": 3, "isComplete": true, "iterations": 3, "batchesProcessed": 3,
		},
		"batch": []any{3},
		"item":  nil,
	}
	require.NoError(t, r.ValidateOutput(schema.StepTypeLoop, "", loopOut))
}

func TestShape_JSONSchemaRequired(t *testing.T) {
	doc := Object(map[string]*Shape{"a": String(), "b": Opt(Integer()), "c": Null(Boolean())}).JSONSchema()
	assert.Equal(t, "object", doc["type"])
	assert.Equal(t, []any{"a", "c"}, doc["required"])
	props := doc["properties"].(map[string]any)
	assert.Equal(t, []any{"boolean", "null"}, props["c"].(map[string]any)["type"])
}
