package engine

import (
	"encoding/json"
	"fmt"
	"reflect"
)

const (
	circularMarker     = "[Circular]"
	defaultSafeJSONCap = 64 * 1024
)

// SafeJSON marshals v for failure capture and logs. Reference cycles through
// maps, slices and pointers are replaced with "[Circular]", values that cannot
// be encoded become their fmt representation, and output above maxBytes is
// replaced by a truncation summary.
func SafeJSON(v any, maxBytes int) json.RawMessage {
	if maxBytes <= 0 {
		maxBytes = defaultSafeJSONCap
	}
	clean := sanitize(reflect.ValueOf(v), map[uintptr]bool{})
	raw, err := json.Marshal(clean)
	if err != nil {
		raw, _ = json.Marshal(fmt.Sprint(v))
	}
	if len(raw) <= maxBytes {
		return raw
	}
	preview := string(raw[:maxBytes/2])
	out, _ := json.Marshal(map[string]any{
		"_truncated": true,
		"_size":      len(raw),
		"preview":    preview,
	})
	return out
}

func sanitize(v reflect.Value, visiting map[uintptr]bool) any {
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return sanitize(v.Elem(), visiting)
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		switch x := v.Interface().(type) {
		case error:
			return x.Error()
		case json.Marshaler:
			return x
		}
		return withVisit(v.Pointer(), visiting, func() any { return sanitize(v.Elem(), visiting) })
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		return withVisit(v.Pointer(), visiting, func() any {
			out := make(map[string]any, v.Len())
			iter := v.MapRange()
			for iter.Next() {
				out[fmt.Sprint(iter.Key().Interface())] = sanitize(iter.Value(), visiting)
			}
			return out
		})
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Interface()
		}
		return withVisit(v.Pointer(), visiting, func() any { return sanitizeList(v, visiting) })
	case reflect.Array:
		return sanitizeList(v, visiting)
	case reflect.Struct:
		if !v.CanInterface() {
			return nil
		}
		if err, ok := v.Interface().(error); ok {
			return err.Error()
		}
		return v.Interface()
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return fmt.Sprintf("[%s]", v.Kind())
	default:
		if !v.CanInterface() {
			return nil
		}
		return v.Interface()
	}
}

func sanitizeList(v reflect.Value, visiting map[uintptr]bool) []any {
	out := make([]any, v.Len())
	for i := range out {
		out[i] = sanitize(v.Index(i), visiting)
	}
	return out
}

// withVisit guards fn against re-entering the same container on the current path.
// Shared (non-cyclic) references are encoded each time they appear.
func withVisit(ptr uintptr, visiting map[uintptr]bool, fn func() any) any {
	if ptr != 0 {
		if visiting[ptr] {
			return circularMarker
		}
		visiting[ptr] = true
		defer delete(visiting, ptr)
	}
	return fn()
}
