package expressions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/automata/pkg/schema"
)

// refPattern matches one {{ path }} template reference.
var refPattern = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// bareStepPattern matches steps.<slug>.<path> identifiers inside CEL/expr source.
var bareStepPattern = regexp.MustCompile(`(^|[^\w.])(steps\.[A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*|\[\d+\])*)`)

// Reference is one variable reference found in a step config.
type Reference struct {
	Raw      string   `json:"raw"`
	Segments []string `json:"segments"`
	Location string   `json:"location,omitempty"`
}

// StepRef splits a steps.<slug>.<path> reference.
func (r Reference) StepRef() (slug string, path []string, ok bool) {
	if len(r.Segments) < 2 || r.Segments[0] != "steps" {
		return "", nil, false
	}
	return r.Segments[1], r.Segments[2:], true
}

// ParsePath splits "steps.a.items[0].id" into [steps a items 0 id].
func ParsePath(path string) ([]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "empty variable reference")
	}
	var out []string
	for _, part := range strings.Split(path, ".") {
		name, rest, _ := strings.Cut(part, "[")
		if name == "" && rest == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "empty segment in %q", path)
		}
		if name != "" {
			out = append(out, name)
		}
		for rest != "" {
			idx, tail, ok := strings.Cut(rest, "]")
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "unclosed index in %q", path)
			}
			if _, err := strconv.Atoi(idx); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "non-numeric index %q in %q", idx, path)
			}
			out = append(out, idx)
			rest = strings.TrimPrefix(tail, "[")
		}
	}
	return out, nil
}

// HasReferences reports whether s contains a {{ }} reference.
func HasReferences(s string) bool {
	return refPattern.MatchString(s)
}

// ExtractReferences walks a decoded config value (maps, slices, strings) and
// returns every {{ }} reference in a stable order. Malformed paths are returned
// with nil Segments so callers can report them.
func ExtractReferences(value any) []Reference {
	var refs []Reference
	walkStrings(value, "", func(loc, s string) {
		for _, m := range refPattern.FindAllStringSubmatch(s, -1) {
			segs, err := ParsePath(m[1])
			if err != nil {
				segs = nil
			}
			refs = append(refs, Reference{Raw: m[1], Segments: segs, Location: loc})
		}
	})
	return refs
}

// ExtractBareStepReferences returns steps.<slug>.<path> identifiers used
// directly in a CEL or expr expression. {{ }} tokens are skipped; ExtractReferences
// reports those.
func ExtractBareStepReferences(expression, location string) []Reference {
	var refs []Reference
	bare := refPattern.ReplaceAllString(expression, " ")
	for _, m := range bareStepPattern.FindAllStringSubmatch(bare, -1) {
		segs, err := ParsePath(m[2])
		if err != nil {
			continue
		}
		refs = append(refs, Reference{Raw: m[2], Segments: segs, Location: location})
	}
	return refs
}

func walkStrings(value any, loc string, fn func(loc, s string)) {
	switch v := value.(type) {
	case string:
		fn(loc, v)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkStrings(v[k], joinLoc(loc, k), fn)
		}
	case []any:
		for i, item := range v {
			walkStrings(item, fmt.Sprintf("%s[%d]", loc, i), fn)
		}
	}
}

func joinLoc(loc, key string) string {
	if loc == "" {
		return key
	}
	return loc + "." + key
}

// Interpolator resolves {{ }} references against a variables namespace.
// In strict mode a missing value is an error; otherwise it resolves to nil.
type Interpolator struct {
	Strict bool
}

// Interpolate returns a copy of value with every reference resolved. A string
// that is exactly one reference takes the referenced value with its type;
// references embedded in longer strings are stringified.
func (in Interpolator) Interpolate(value any, ns map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return in.interpolateString(v, ns)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := in.Interpolate(item, ns)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := in.Interpolate(item, ns)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// InterpolateString resolves references in s and always returns a string.
func (in Interpolator) InterpolateString(s string, ns map[string]any) (string, error) {
	var firstErr error
	out := refPattern.ReplaceAllStringFunc(s, func(tok string) string {
		if firstErr != nil {
			return tok
		}
		val, err := in.resolve(refPattern.FindStringSubmatch(tok)[1], ns)
		if err != nil {
			firstErr = err
			return tok
		}
		return stringify(val)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func (in Interpolator) interpolateString(s string, ns map[string]any) (any, error) {
	if path, ok := SingleReference(s); ok {
		return in.resolve(path, ns)
	}
	return in.InterpolateString(s, ns)
}

// SingleReference reports whether s is exactly one {{ path }} token and returns the path.
func SingleReference(s string) (string, bool) {
	s = strings.TrimSpace(s)
	loc := refPattern.FindStringSubmatchIndex(s)
	if loc == nil || loc[0] != 0 || loc[1] != len(s) {
		return "", false
	}
	return s[loc[2]:loc[3]], true
}

func (in Interpolator) resolve(path string, ns map[string]any) (any, error) {
	segs, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	val, err := Lookup(ns, segs)
	if err != nil {
		if in.Strict {
			return nil, err
		}
		return nil, nil
	}
	return deepCopyAny(val), nil
}

// Lookup walks segments through nested maps and slices.
func Lookup(root any, segments []string) (any, error) {
	current := root
	for i, seg := range segments {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found at %q; available: [%s]", seg, strings.Join(segments[:i], "."), strings.Join(mapKeys(v), ", ")).
					WithDetails(map[string]any{"path": strings.Join(segments, "."), "available_fields": mapKeys(v)})
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"index %q out of range at %q (len %d)", seg, strings.Join(segments[:i], "."), len(v))
			}
			current = v[idx]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into %T at %q", current, strings.Join(segments[:i+1], "."))
		}
	}
	return current, nil
}

// RewriteExpressionReferences turns {{ path }} tokens inside a CEL/expr
// expression into bare (path) identifiers the engines resolve from the namespace.
func RewriteExpressionReferences(expression string) string {
	return refPattern.ReplaceAllString(expression, "($1)")
}

// RewriteLoopScope renames the bare identifier loop to alias outside string
// literals. Member accesses such as steps.loop are left alone.
func RewriteLoopScope(expression, alias string) string {
	if !strings.Contains(expression, KeyLoop) {
		return expression
	}
	var b strings.Builder
	b.Grow(len(expression))
	var quote byte
	for i := 0; i < len(expression); {
		c := expression[i]
		if quote != 0 {
			b.WriteByte(c)
			switch c {
			case '\\':
				if i+1 < len(expression) {
					b.WriteByte(expression[i+1])
					i++
				}
			case quote:
				quote = 0
			}
			i++
			continue
		}
		if c == '"' || c == '\'' {
			quote = c
			b.WriteByte(c)
			i++
			continue
		}
		if isIdentStart(c) {
			j := i + 1
			for j < len(expression) && isIdentPart(expression[j]) {
				j++
			}
			word := expression[i:j]
			if word == KeyLoop && !afterDot(expression, i) {
				word = alias
			}
			b.WriteString(word)
			i = j
			continue
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// afterDot reports whether the token at i is a member selection.
func afterDot(s string, i int) bool {
	for i--; i >= 0; i-- {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
			continue
		case '.':
			return true
		default:
			return false
		}
	}
	return false
}

// stringify converts a resolved value into its inline text form.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
