package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/automata/pkg/schema"
)

func testNamespace() map[string]any {
	return map[string]any{
		"region": "eu",
		"steps": map[string]any{
			"classify": map[string]any{"text": "urgent", "usage": map[string]any{"totalTokens": float64(12)}},
			"fetch":    map[string]any{"rows": []any{map[string]any{"id": "r1"}}},
		},
	}
}

func TestParsePath(t *testing.T) {
	segs, err := ParsePath(" steps.fetch.rows[0].id ")
	require.NoError(t, err)
	assert.Equal(t, []string{"steps", "fetch", "rows", "0", "id"}, segs)

	segs, err = ParsePath("m[1][2]")
	require.NoError(t, err)
	assert.Equal(t, []string{"m", "1", "2"}, segs)

	for _, bad := range []string{"", "a..b", "a[x]", "a[1"} {
		_, err := ParsePath(bad)
		assert.Error(t, err, bad)
	}
}

func TestExtractReferences(t *testing.T) {
	cfg := map[string]any{
		"prompt": "Reply to {{ steps.classify.text }} in {{region}}",
		"parameters": map[string]any{
			"to":   "{{steps.fetch.rows[0].id}}",
			"list": []any{"{{ steps.a.b }}", 3},
		},
		"broken": "{{ a..b }}",
	}
	refs := ExtractReferences(cfg)
	require.Len(t, refs, 5)

	byRaw := map[string]Reference{}
	for _, r := range refs {
		byRaw[r.Raw] = r
	}
	assert.Equal(t, "parameters.list[0]", byRaw["steps.a.b"].Location)
	assert.Equal(t, "parameters.to", byRaw["steps.fetch.rows[0].id"].Location)
	assert.Nil(t, byRaw["a..b"].Segments)

	slug, path, ok := byRaw["steps.fetch.rows[0].id"].StepRef()
	require.True(t, ok)
	assert.Equal(t, "fetch", slug)
	assert.Equal(t, []string{"rows", "0", "id"}, path)

	_, _, ok = byRaw["region"].StepRef()
	assert.False(t, ok)
}

func TestExtractBareStepReferences(t *testing.T) {
	refs := ExtractBareStepReferences(`steps.classify.text == "x" && mysteps.no.match || steps.loop1.state.isComplete && {{ steps.skip.me }}`, "expression")
	require.Len(t, refs, 2)
	assert.Equal(t, "steps.classify.text", refs[0].Raw)
	assert.Equal(t, "steps.loop1.state.isComplete", refs[1].Raw)
	assert.Equal(t, "expression", refs[1].Location)
}

func TestInterpolate_TypedAndEmbedded(t *testing.T) {
	in := Interpolator{}
	out, err := in.Interpolate(map[string]any{
		"tokens":  "{{ steps.classify.usage.totalTokens }}",
		"message": "Level: {{steps.classify.text}} ({{steps.classify.usage.totalTokens}})",
		"row":     "{{steps.fetch.rows[0]}}",
		"n":       5,
	}, testNamespace())
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, float64(12), m["tokens"])
	assert.Equal(t, "Level: urgent (12)", m["message"])
	assert.Equal(t, map[string]any{"id": "r1"}, m["row"])
	assert.Equal(t, 5, m["n"])
}

func TestInterpolate_MissingValues(t *testing.T) {
	lenient := Interpolator{}
	out, err := lenient.Interpolate("x={{steps.nope.text}}", testNamespace())
	require.NoError(t, err)
	assert.Equal(t, "x=", out)

	out, err = lenient.Interpolate("{{steps.nope.text}}", testNamespace())
	require.NoError(t, err)
	assert.Nil(t, out)

	strict := Interpolator{Strict: true}
	_, err = strict.Interpolate("{{steps.nope.text}}", testNamespace())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInterpolation))
}

func TestInterpolate_DoesNotAliasNamespace(t *testing.T) {
	ns := testNamespace()
	out, err := Interpolator{}.Interpolate("{{steps.fetch.rows[0]}}", ns)
	require.NoError(t, err)
	out.(map[string]any)["id"] = "changed"
	row, _ := Lookup(ns, []string{"steps", "fetch", "rows", "0", "id"})
	assert.Equal(t, "r1", row)
}

func TestLookup_Errors(t *testing.T) {
	ns := testNamespace()
	_, err := Lookup(ns, []string{"steps", "fetch", "rows", "3"})
	assert.Error(t, err)
	_, err = Lookup(ns, []string{"region", "x"})
	assert.Error(t, err)
}

func TestRewriteExpressionReferences(t *testing.T) {
	assert.Equal(t, `(steps.a.matched) && x`, RewriteExpressionReferences(`{{ steps.a.matched }} && x`))
}

func TestRewriteLoopScope(t *testing.T) {
	assert.Equal(t, "iter.item > 1", RewriteLoopScope("loop.item > 1", "iter"))
	assert.Equal(t, "size(iter) == 0", RewriteLoopScope("size(loop) == 0", "iter"))
	assert.Equal(t, "(iter.item) > 1", RewriteLoopScope(RewriteExpressionReferences("{{loop.item}} > 1"), "iter"))
	assert.Equal(t, `steps.loop.x == "loop" && loops > 0`, RewriteLoopScope(`steps.loop.x == "loop" && loops > 0`, "iter"))
	assert.Equal(t, `iter.name == 'it\'s loop'`, RewriteLoopScope(`loop.name == 'it\'s loop'`, "iter"))
}

func TestSingleReference(t *testing.T) {
	path, ok := SingleReference(" {{ steps.fetch.rows }} ")
	assert.True(t, ok)
	assert.Equal(t, "steps.fetch.rows", path)

	_, ok = SingleReference("{{ a }} and {{ b }}")
	assert.False(t, ok)
	_, ok = SingleReference(".steps.fetch.rows | map(.id)")
	assert.False(t, ok)
}
