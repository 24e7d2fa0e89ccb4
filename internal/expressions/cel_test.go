package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/automata/pkg/schema"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_StepOutputs(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ns := map[string]any{
		"steps": map[string]any{
			"classify": map[string]any{"text": "urgent", "usage": map[string]any{"totalTokens": float64(42)}},
		},
		"input": map[string]any{"vip": true},
	}

	out, err := e.Evaluate(context.Background(), `steps.classify.text == "urgent" && input.vip`, ns)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), `steps.classify.usage.totalTokens > 10`, ns)
	require.NoError(t, err)
	assert.Equal(t, true, out, "double vs int literal")
}

func TestCEL_VarsExposeBaseVariables(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `vars.region == "eu"`, map[string]any{"region": "eu"})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_MissingNamespaceDefaultsToEmptyMap(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `size(loop) == 0`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_LoopScope(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ns := map[string]any{"loop": map[string]any{"item": 3, "index": 2}}

	for _, expression := range []string{
		"loop.item > 1",
		RewriteExpressionReferences("{{loop.item}} > 1"),
		"loop.index == 2",
		`loop.item > 1 && "loop" == 'loop'`,
		"iter.item == 3",
	} {
		out, err := e.Evaluate(context.Background(), expression, ns)
		require.NoError(t, err, expression)
		assert.Equal(t, true, out, expression)
	}
	require.NoError(t, e.Check("loop.item > 1"))
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	err = e.Check("")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = e.Check("steps.a ==")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = e.Check("unknown_var > 1")
	assert.Error(t, err, "undeclared variables fail to compile")

	_, err = e.Evaluate(context.Background(), "steps.missing.field", map[string]any{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestCEL_ConcurrentEvaluate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), `steps.a.n + 1.0`, map[string]any{
				"steps": map[string]any{"a": map[string]any{"n": float64(1)}},
			})
			assert.NoError(t, err)
			assert.Equal(t, float64(2), out)
		}()
	}
	wg.Wait()
}

func TestEngines_Condition(t *testing.T) {
	engines, err := NewEngines()
	require.NoError(t, err)

	eng, err := engines.Condition("")
	require.NoError(t, err)
	assert.Equal(t, "cel", eng.Name())

	eng, err = engines.Condition("expr")
	require.NoError(t, err)
	assert.Equal(t, "expr", eng.Name())

	_, err = engines.Condition("lua")
	assert.Error(t, err)

	ok, err := EvaluateBool(context.Background(), engines.CEL, "1 < 2", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = EvaluateBool(context.Background(), engines.CEL, "1 + 2", nil)
	assert.Error(t, err)
}
