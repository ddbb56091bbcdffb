package guestcore

import (
	"fmt"
	"strconv"
	"strings"
)

// Dict is an insertion-ordered string-keyed mapping, standing in for a
// Python dict literal so printed/repr'd output preserves source order the
// way CPython's dict does.
type Dict struct {
	keys []string
	vals map[string]any
}

// NewDict returns an empty ordered dict.
func NewDict() *Dict {
	return &Dict{vals: make(map[string]any)}
}

// Set inserts or updates key, preserving first-insertion order.
func (d *Dict) Set(key string, value any) {
	if _, exists := d.vals[key]; !exists {
		d.keys = append(d.keys, key)
	}
	d.vals[key] = value
}

// Get returns the value for key, if present.
func (d *Dict) Get(key string) (any, bool) {
	v, ok := d.vals[key]
	return v, ok
}

// pyStr formats v the way Python's print() / str() would at top level:
// strings are unquoted, everything else uses pyRepr.
func pyStr(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return pyRepr(v)
}

// pyRepr formats v the way Python's repr() would, used both for nested
// container elements and for values with no natural str() form.
func pyRepr(v any) string {
	switch t := v.(type) {
	case nil:
		return "None"
	case bool:
		if t {
			return "True"
		}
		return "False"
	case string:
		return "'" + strings.ReplaceAll(t, "'", "\\'") + "'"
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10) + ".0"
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case *Dict:
		parts := make([]string, 0, len(t.keys))
		for _, k := range t.keys {
			parts = append(parts, "'"+k+"': "+pyRepr(t.vals[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, pyRepr(e))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case *toolBinding:
		return fmt.Sprintf("<function %s>", t.name)
	case map[string]any:
		return pyRepr(normalizeHostValue(t))
	default:
		return fmt.Sprintf("%v", t)
	}
}

// normalizeHostValue converts a host-provided Go value into the evaluator's
// own value vocabulary, recursively: map[string]any becomes *Dict and []any
// elements are normalized in place, so Assign can accept idiomatic Go
// map/slice literals from host code while Dict stays the single internal
// representation pyRepr and encodeValue know how to render and snapshot.
func normalizeHostValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		d := NewDict()
		for k, val := range t {
			d.Set(k, normalizeHostValue(val))
		}
		return d
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeHostValue(e)
		}
		return out
	default:
		return v
	}
}

// pyAdd implements Python's `+` for the subset of types the mini-evaluator
// supports: string concatenation and numeric addition. Two ints stay an
// int, matching Python's `int + int -> int`; any other numeric mix
// promotes through float64.
func pyAdd(a, b any) (any, error) {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return nil, fmt.Errorf("TypeError: can only concatenate str (not %T) to str", b)
		}
		return as + bs, nil
	}
	if ai, ok := a.(int); ok {
		if bi, ok := b.(int); ok {
			return ai + bi, nil
		}
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af + bf, nil
	}
	return nil, fmt.Errorf("TypeError: unsupported operand type(s) for +: %T and %T", a, b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}
