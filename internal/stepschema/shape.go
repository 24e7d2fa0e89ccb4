// Package stepschema declares the output shape of every step type so that
// references between steps can be checked before a workflow runs.
package stepschema

import (
	"fmt"
	"sort"
	"strconv"
)

// Kind is the JSON type of a shape node.
type Kind string

const (
	KindObject  Kind = "object"
	KindArray   Kind = "array"
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
	KindAny     Kind = "any"
)

// Shape is a structural description of a JSON value.
// Objects without Fields and KindAny nodes accept any sub-path.
type Shape struct {
	Kind        Kind              `json:"kind"`
	Fields      map[string]*Shape `json:"fields,omitempty"`
	Items       *Shape            `json:"items,omitempty"`
	Optional    bool              `json:"optional,omitempty"`
	Nullable    bool              `json:"nullable,omitempty"`
	Description string            `json:"description,omitempty"`
}

// Object builds an object shape.
func Object(fields map[string]*Shape) *Shape { return &Shape{Kind: KindObject, Fields: fields} }

// ArrayOf builds an array shape.
func ArrayOf(items *Shape) *Shape { return &Shape{Kind: KindArray, Items: items} }

// String, Number, Integer, Boolean and Any build leaf shapes.
func String() *Shape  { return &Shape{Kind: KindString} }
func Number() *Shape  { return &Shape{Kind: KindNumber} }
func Integer() *Shape { return &Shape{Kind: KindInteger} }
func Boolean() *Shape { return &Shape{Kind: KindBoolean} }
func Any() *Shape     { return &Shape{Kind: KindAny} }

// Opt marks a copy of s as optional.
func Opt(s *Shape) *Shape {
	cp := *s
	cp.Optional = true
	return &cp
}

// Null marks a copy of s as nullable.
func Null(s *Shape) *Shape {
	cp := *s
	cp.Nullable = true
	return &cp
}

// Resolution is the outcome of walking a path through a shape.
type Resolution struct {
	Shape *Shape
	// Uncertain is set when any segment crossed an optional or nullable field.
	Uncertain bool
	// UncertainAt is the first segment path that was optional or nullable.
	UncertainAt string
}

// PathError reports the first segment that does not exist in the shape.
type PathError struct {
	Segment string
	Prefix  string
	Known   []string
}

func (e *PathError) Error() string {
	where := e.Prefix
	if where == "" {
		where = "<root>"
	}
	if len(e.Known) == 0 {
		return fmt.Sprintf("no field %q under %s", e.Segment, where)
	}
	return fmt.Sprintf("no field %q under %s (known: %v)", e.Segment, where, e.Known)
}

// Resolve walks path (already split on dots) and returns the shape it lands on.
func (s *Shape) Resolve(path []string) (Resolution, error) {
	res := Resolution{Shape: s}
	cur := s
	prefix := ""
	for _, seg := range path {
		if cur.Kind == KindAny || (cur.Kind == KindObject && cur.Fields == nil) {
			res.Shape = Any()
			return res, nil
		}
		var next *Shape
		switch cur.Kind {
		case KindObject:
			next = cur.Fields[seg]
			if next == nil {
				return res, &PathError{Segment: seg, Prefix: prefix, Known: cur.fieldNames()}
			}
		case KindArray:
			if _, err := strconv.Atoi(seg); err != nil || cur.Items == nil {
				return res, &PathError{Segment: seg, Prefix: prefix}
			}
			next = cur.Items
		default:
			return res, &PathError{Segment: seg, Prefix: prefix}
		}
		if prefix == "" {
			prefix = seg
		} else {
			prefix += "." + seg
		}
		if (next.Optional || next.Nullable) && !res.Uncertain {
			res.Uncertain = true
			res.UncertainAt = prefix
		}
		cur = next
	}
	res.Shape = cur
	return res, nil
}

func (s *Shape) fieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for k := range s.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// JSONSchema renders the shape as a JSON Schema 2020-12 fragment.
func (s *Shape) JSONSchema() map[string]any {
	out := map[string]any{}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if s.Kind != KindAny {
		if s.Nullable {
			out["type"] = []any{string(s.Kind), "null"}
		} else {
			out["type"] = string(s.Kind)
		}
	}
	switch s.Kind {
	case KindObject:
		if len(s.Fields) > 0 {
			props := make(map[string]any, len(s.Fields))
			var required []any
			for _, name := range s.fieldNames() {
				f := s.Fields[name]
				props[name] = f.JSONSchema()
				if !f.Optional {
					required = append(required, name)
				}
			}
			out["properties"] = props
			if len(required) > 0 {
				out["required"] = required
			}
		}
	case KindArray:
		if s.Items != nil {
			out["items"] = s.Items.JSONSchema()
		}
	}
	return out
}
