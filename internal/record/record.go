// Package record defines the canonical record shape moved through archives
// and the scalar coercion applied when loosely-typed data crosses a store
// boundary.
package record

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soltura/migrate/internal/schema"
)

// Record is one canonicalized entity instance: every reference reduced to a
// flat identifier, every many-to-many relation an explicit id list under its
// relation name.
type Record map[string]any

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// PrimaryKey returns the record's primary identifier as a string, or "".
func PrimaryKey(k schema.Kind, rec Record) string {
	v, ok := rec[k.PrimaryKey]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// IsEmpty reports whether a value counts as absent for merge purposes:
// nil, the empty string, or an empty id list.
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	}
	return false
}

// FlattenReferences reduces every reference field to a flat identifier.
// References arriving as nested objects keep only their primary key;
// scalar values pass through stringified.
func FlattenReferences(k schema.Kind, rec Record) Record {
	out := rec.Clone()
	for _, f := range k.ReferenceFields() {
		v, ok := out[f.Name]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case map[string]any:
			if id, ok := t["id"]; ok && id != nil {
				out[f.Name] = fmt.Sprintf("%v", id)
			} else if pk, ok := t["pk"]; ok && pk != nil {
				out[f.Name] = fmt.Sprintf("%v", pk)
			} else {
				out[f.Name] = nil
			}
		case string:
			// already flat
		default:
			out[f.Name] = fmt.Sprintf("%v", v)
		}
	}
	return out
}

// Normalize coerces every declared field to its schema type. Unknown keys
// pass through untouched; a value that cannot be coerced is left as-is so
// the store surfaces the real error.
func Normalize(k schema.Kind, rec Record) Record {
	out := rec.Clone()
	for _, f := range k.Fields {
		v, ok := out[f.Name]
		if !ok || v == nil {
			continue
		}
		if coerced, err := Coerce(f.Type, v); err == nil {
			out[f.Name] = coerced
		}
	}
	return out
}

// Coerce converts a loosely-typed value to the given field type.
func Coerce(t schema.FieldType, v any) (any, error) {
	switch t {
	case schema.TypeString, schema.TypeDecimal:
		switch s := v.(type) {
		case string:
			return s, nil
		case float64:
			if t == schema.TypeDecimal {
				return strconv.FormatFloat(s, 'f', -1, 64), nil
			}
			return fmt.Sprintf("%v", s), nil
		default:
			return fmt.Sprintf("%v", v), nil
		}
	case schema.TypeInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			return int64(n), nil
		case string:
			f, err := strconv.ParseFloat(n, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing int %q: %w", n, err)
			}
			return int64(f), nil
		}
	case schema.TypeFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case string:
			f, err := strconv.ParseFloat(n, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing float %q: %w", n, err)
			}
			return f, nil
		}
	case schema.TypeBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			switch strings.ToLower(b) {
			case "true", "1", "yes":
				return true, nil
			case "false", "0", "no", "":
				return false, nil
			}
			return nil, fmt.Errorf("parsing bool %q", b)
		}
	case schema.TypeTime:
		switch ts := v.(type) {
		case time.Time:
			return ts, nil
		case string:
			parsed, err := time.Parse(time.RFC3339, ts)
			if err != nil {
				return nil, fmt.Errorf("parsing time %q: %w", ts, err)
			}
			return parsed, nil
		}
	case schema.TypeUUID:
		switch id := v.(type) {
		case string:
			if _, err := uuid.Parse(id); err != nil {
				return nil, fmt.Errorf("parsing uuid %q: %w", id, err)
			}
			return id, nil
		case uuid.UUID:
			return id.String(), nil
		}
	case schema.TypeJSON:
		return v, nil
	}
	return v, nil
}

// IDList converts a relation value to a list of flat identifiers.
func IDList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []string:
		return t
	case []any:
		ids := make([]string, 0, len(t))
		for _, item := range t {
			switch id := item.(type) {
			case map[string]any:
				if pk, ok := id["id"]; ok && pk != nil {
					ids = append(ids, fmt.Sprintf("%v", pk))
				}
			default:
				ids = append(ids, fmt.Sprintf("%v", item))
			}
		}
		return ids
	}
	return nil
}

// ScalarDump coerces every value of a record to a JSON-safe scalar. Used as
// the fallback when canonicalization of a batch fails.
func ScalarDump(rec Record) Record {
	out := make(Record, len(rec))
	for key, v := range rec {
		switch t := v.(type) {
		case time.Time:
			out[key] = t.UTC().Format(time.RFC3339)
		case nil, string, bool, float64, int, int64, []any, []string, map[string]any:
			out[key] = t
		default:
			out[key] = fmt.Sprintf("%v", v)
		}
	}
	return out
}
