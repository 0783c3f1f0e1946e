// Package payload reads loosely shaped JSON documents returned by the business API.
//
// Older API releases spell the same field several ways (camelCase, PascalCase,
// snake_case, legacy names). Callers pass the candidate keys in priority order and
// the first present, non-null value wins.
package payload

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/spf13/cast"
)

// Lookup returns the first non-nil value stored under one of keys. A key may be a
// dotted path ("business.id") that descends into nested objects.
func Lookup(m map[string]any, keys ...string) (any, bool) {
	if m == nil {
		return nil, false
	}
	for _, key := range keys {
		if v, ok := lookupPath(m, key); ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func lookupPath(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(key, ".")
	if !found {
		return nil, false
	}
	child, ok := Object(m[head])
	if !ok {
		return nil, false
	}
	return lookupPath(child, rest)
}

// String returns the first candidate coerced to a trimmed string.
func String(m map[string]any, keys ...string) string {
	v, ok := Lookup(m, keys...)
	if !ok {
		return ""
	}
	switch v.(type) {
	case map[string]any, []any:
		return ""
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// Bool returns the first candidate coerced to a bool. ok is false when no
// candidate is present or the value cannot be read as a boolean.
func Bool(m map[string]any, keys ...string) (value bool, ok bool) {
	v, found := Lookup(m, keys...)
	if !found {
		return false, false
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// Truthy reports whether a single value reads as true.
func Truthy(v any) bool {
	if v == nil {
		return false
	}
	b, err := cast.ToBoolE(v)
	return err == nil && b
}

// Int64 returns the first candidate coerced to an integer. Fractional numbers are
// truncated and numbers outside the int64 range saturate.
func Int64(m map[string]any, keys ...string) (int64, bool) {
	v, found := Lookup(m, keys...)
	if !found {
		return 0, false
	}
	if f, isFloat := v.(float64); isFloat {
		return floatToInt64(f)
	}
	n, err := cast.ToInt64E(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func floatToInt64(f float64) (int64, bool) {
	switch {
	case math.IsNaN(f):
		return 0, false
	case f >= math.MaxInt64:
		return math.MaxInt64, true
	case f <= math.MinInt64:
		return math.MinInt64, true
	}
	return int64(f), true
}

// Object asserts v as a JSON object.
func Object(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok && m != nil
}

// List asserts v as a JSON array. A []string is widened to []any.
func List(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// Unwrap strips a {"data": {...}} envelope when the document carries one.
func Unwrap(m map[string]any) map[string]any {
	if inner, ok := Object(m["data"]); ok {
		return inner
	}
	return m
}

// Decode parses raw JSON into a generic object.
func Decode(raw []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
