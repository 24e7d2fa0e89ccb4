package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/automata/pkg/schema"
)

func TestDataSet(t *testing.T) {
	a := findAction(t, DataActions(), "data.set")

	result, err := execAction(t, a, map[string]any{"values": map[string]any{"tier": "gold", "limit": 3}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tier": "gold", "limit": float64(3)}, result)

	_, err = execAction(t, a, map[string]any{"values": "nope"})
	assert.Error(t, err)
}

func TestDataTransform(t *testing.T) {
	a := findAction(t, DataActions(), "data.transform")
	rows := []any{
		map[string]any{"email": "a@x.io", "score": 10},
		map[string]any{"email": "b@x.io", "score": 90},
	}

	result, err := execAction(t, a, map[string]any{
		"expression": "[.[] | select(.score > 50) | .email]",
		"input":      rows,
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"b@x.io"}, result["result"])

	result, err = execAction(t, a, map[string]any{
		"expression": ".[] | .score",
		"input":      rows,
		"all":        true,
	})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(10), float64(90)}, result["result"])

	result, err = execAction(t, a, map[string]any{"expression": "empty", "input": rows})
	require.NoError(t, err)
	assert.Nil(t, result["result"])
}

func TestDataTransform_Namespace(t *testing.T) {
	a := findAction(t, DataActions(), "data.transform")
	out, err := a.Execute(context.Background(), ActionInput{
		Params:    map[string]any{"expression": ".steps.fetch.count * 2"},
		Variables: map[string]any{"steps": map[string]any{"fetch": map[string]any{"count": 21}}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"result": 42}`, string(out.Data))
}

func TestDataTransform_Invalid(t *testing.T) {
	a := findAction(t, DataActions(), "data.transform")
	assert.Error(t, a.Validate(map[string]any{"expression": ".[[["}))
	assert.Error(t, a.Validate(map[string]any{}))
}

func TestDataValidate(t *testing.T) {
	a := findAction(t, DataActions(), "data.validate")
	contact := map[string]any{
		"type":     "object",
		"required": []any{"email"},
		"properties": map[string]any{
			"email": map[string]any{"type": "string"},
			"age":   map[string]any{"type": "integer", "minimum": 0},
		},
	}

	result, err := execAction(t, a, map[string]any{
		"data":   map[string]any{"email": "a@x.io", "age": 30},
		"schema": contact,
	})
	require.NoError(t, err)
	assert.Equal(t, true, result["valid"])
	assert.Empty(t, result["errors"])

	result, err = execAction(t, a, map[string]any{
		"data":   map[string]any{"age": -1},
		"schema": contact,
	})
	require.NoError(t, err)
	assert.Equal(t, false, result["valid"])
	assert.NotEmpty(t, result["errors"])

	_, err = execAction(t, a, map[string]any{
		"data":          map[string]any{"age": -1},
		"schema":        contact,
		"failOnInvalid": true,
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNonRetryable, errCode(t, err))
}

func TestDataValidate_BadSchema(t *testing.T) {
	a := findAction(t, DataActions(), "data.validate")
	_, err := execAction(t, a, map[string]any{
		"data":   1,
		"schema": map[string]any{"type": 5},
	})
	assert.Equal(t, schema.ErrCodeValidation, errCode(t, err))
}
