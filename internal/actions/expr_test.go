package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/automata/pkg/schema"
)

func TestExprEvalAction_Validate(t *testing.T) {
	a := ExprActions()[0]

	tests := []struct {
		name    string
		input   map[string]any
		wantErr bool
	}{
		{"valid expression", map[string]any{"expression": "1 + 1"}, false},
		{"empty expression", map[string]any{"expression": ""}, true},
		{"missing expression", map[string]any{}, true},
		{"expression not string", map[string]any{"expression": 123}, true},
		{"syntax error", map[string]any{"expression": "][invalid"}, true},
		{"with optional data", map[string]any{"expression": "count(data, # > 1)", "data": []int{1, 2, 3}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Validate(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExprEvalAction_Execute(t *testing.T) {
	a := ExprActions()[0]

	tests := []struct {
		name       string
		expression string
		want       any
	}{
		{"arithmetic", "2 * (3 + 4)", float64(14)},
		{"string concat", `"lead-" + "42"`, "lead-42"},
		{"comparison", "10 > 3", true},
		{"nil", "nil", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := execAction(t, a, map[string]any{"expression": tt.expression})
			require.NoError(t, err)
			assert.Equal(t, tt.want, result["result"])
		})
	}
}

func TestExprEvalAction_Execute_Namespace(t *testing.T) {
	a := ExprActions()[0]

	out, err := a.Execute(context.Background(), ActionInput{
		Params: map[string]any{"expression": "steps.fetch.count + input.offset"},
		Variables: map[string]any{
			"steps": map[string]any{"fetch": map[string]any{"count": 10}},
			"input": map[string]any{"offset": 5},
		},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"result": 15}`, string(out.Data))
}

func TestExprEvalAction_Execute_ExplicitData(t *testing.T) {
	a := ExprActions()[0]

	result, err := execAction(t, a, map[string]any{
		"data": []map[string]any{
			{"level": "ERROR"}, {"level": "INFO"}, {"level": "ERROR"},
		},
		"expression": "len(filter(data, {.level == 'ERROR'}))",
	})
	require.NoError(t, err)
	assert.Equal(t, float64(2), result["result"])
}

func TestExprEvalAction_Execute_RuntimeError(t *testing.T) {
	a := ExprActions()[0]
	_, err := execAction(t, a, map[string]any{"expression": "data[5]", "data": []any{1, 2}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeActionExecution, errCode(t, err))
}
