package expressions

import (
	"encoding/json"
	"fmt"
)

// Namespace keys with engine-defined meaning.
const (
	KeySteps     = "steps"
	KeyLoop      = "loop"
	KeyInput     = "input"
	KeyExecution = "execution"
)

// Namespace is the variables namespace of an execution:
// {...base, steps: {<slug>: output}, loop?: {...}}.
type Namespace map[string]any

// NewNamespace copies base and makes sure the steps map exists.
func NewNamespace(base map[string]any) Namespace {
	ns := Namespace(deepCopyMap(base))
	if ns == nil {
		ns = Namespace{}
	}
	if _, ok := ns[KeySteps].(map[string]any); !ok {
		ns[KeySteps] = map[string]any{}
	}
	return ns
}

// DecodeNamespace parses serialized variables. Empty input yields an empty namespace.
func DecodeNamespace(raw json.RawMessage) (Namespace, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return NewNamespace(nil), nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode variables: %w", err)
	}
	return NewNamespace(m), nil
}

// Steps returns the step outputs map.
func (n Namespace) Steps() map[string]any {
	steps, ok := n[KeySteps].(map[string]any)
	if !ok {
		steps = map[string]any{}
		n[KeySteps] = steps
	}
	return steps
}

// SetStepOutput records (or replaces, on a revisit) the output of a step.
func (n Namespace) SetStepOutput(slug string, output any) {
	n.Steps()[slug] = deepCopyAny(output)
}

// StepOutput returns the recorded output of a step.
func (n Namespace) StepOutput(slug string) (any, bool) {
	out, ok := n.Steps()[slug]
	return out, ok
}

// SetLoop exposes the current loop batch under "loop".
func (n Namespace) SetLoop(v map[string]any) { n[KeyLoop] = deepCopyMap(v) }

// ClearLoop removes the loop key.
func (n Namespace) ClearLoop() { delete(n, KeyLoop) }

// Merge copies vars into the namespace. A "steps" entry is merged per slug
// instead of replacing the map.
func (n Namespace) Merge(vars map[string]any) {
	for k, v := range vars {
		if k == KeySteps {
			if steps, ok := v.(map[string]any); ok {
				for slug, out := range steps {
					n.SetStepOutput(slug, out)
				}
				continue
			}
		}
		n[k] = deepCopyAny(v)
	}
}

// Clone returns a deep copy.
func (n Namespace) Clone() Namespace { return Namespace(deepCopyMap(n)) }

// Map returns the namespace as a plain map for the expression engines.
func (n Namespace) Map() map[string]any { return map[string]any(n) }

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case Namespace:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}

// DeepCopy exposes deepCopyAny to other packages.
func DeepCopy(v any) any { return deepCopyAny(v) }
