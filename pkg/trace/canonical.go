package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// CircularMarker replaces repeated references when canonicalizing payloads
// that contain cycles or shared structure.
const CircularMarker = "[Circular]"

// maxCanonicalDepth bounds recursion for pathological payloads that defeat
// reference tracking (e.g. freshly allocated nodes per level).
const maxCanonicalDepth = 64

// CanonicalMarshal serializes v as canonical JSON: object keys sorted
// lexicographically, compact output, no HTML escaping, and any reference
// cycle through a map, slice or pointer broken by substituting
// CircularMarker at the point of re-entry. Non-finite floats are rendered
// as null.
//
// The output never ends in a newline; callers appending to a JSONL file
// add their own terminator.
func CanonicalMarshal(v any) ([]byte, error) {
	normalized := normalize(reflect.ValueOf(v), map[uintptr]bool{}, 0)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// normalize converts v into a tree of map[string]any, []any and scalars.
// encoding/json emits map[string]any keys in sorted order, which gives the
// canonical key ordering for free.
func normalize(v reflect.Value, seen map[uintptr]bool, depth int) any {
	if depth > maxCanonicalDepth {
		return CircularMarker
	}
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		if v.Kind() == reflect.Pointer {
			addr := v.Pointer()
			if seen[addr] {
				return CircularMarker
			}
			seen[addr] = true
			defer delete(seen, addr)
		}
		return normalize(v.Elem(), seen, depth+1)

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		addr := v.Pointer()
		if seen[addr] {
			return CircularMarker
		}
		seen[addr] = true
		defer delete(seen, addr)

		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[fmt.Sprintf("%v", iter.Key().Interface())] = normalize(iter.Value(), seen, depth+1)
		}
		return out

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Interface()
		}
		addr := v.Pointer()
		if seen[addr] {
			return CircularMarker
		}
		seen[addr] = true
		defer delete(seen, addr)
		return normalizeSeq(v, seen, depth)

	case reflect.Array:
		return normalizeSeq(v, seen, depth)

	case reflect.Struct:
		// Round-trip through encoding/json so struct tags are honored, then
		// normalize the resulting map for key ordering.
		raw, err := json.Marshal(v.Interface())
		if err != nil {
			return fmt.Sprintf("%v", v.Interface())
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return fmt.Sprintf("%v", v.Interface())
		}
		return normalize(reflect.ValueOf(decoded), seen, depth+1)

	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f

	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		// Not representable in JSON; drop rather than fail the event.
		return nil

	default:
		return v.Interface()
	}
}

func normalizeSeq(v reflect.Value, seen map[uintptr]bool, depth int) any {
	out := make([]any, v.Len())
	for i := 0; i < v.Len(); i++ {
		out[i] = normalize(v.Index(i), seen, depth+1)
	}
	return out
}

// canonicalMap flattens an event into the persisted line shape. Absent
// optional fields are serialized as explicit nulls.
func (e *Event) canonicalMap() map[string]any {
	m := map[string]any{
		"type":       string(e.Type),
		"timestamp":  e.Timestamp,
		"session_id": e.SessionID,
		"source":     string(e.Source),
		"index":      e.Index,
		"data":       e.Data,
	}
	if e.ID != "" {
		m["id"] = e.ID
	} else {
		m["id"] = nil
	}
	if len(e.Correlations) > 0 {
		m["correlations"] = e.Correlations
	} else {
		m["correlations"] = nil
	}
	if e.Performance != nil {
		m["performance"] = e.Performance
	} else {
		m["performance"] = nil
	}
	if e.ParentID != "" {
		m["parent_id"] = e.ParentID
	} else {
		m["parent_id"] = nil
	}
	return m
}

// MarshalLine serializes the event as one canonical JSONL line without the
// trailing newline.
func (e *Event) MarshalLine() ([]byte, error) {
	return CanonicalMarshal(e.canonicalMap())
}
