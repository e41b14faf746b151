// Package condition evaluates rule conditions against an event payload.
package condition

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"notifydispatch/internal/entity"
)

var ErrUnknownOperator = errors.New("unknown operator")

// Evaluate combines conditions with AND when all is true and OR otherwise.
// An empty list always matches.
func Evaluate(conds []entity.Condition, payload map[string]any, all bool) (bool, error) {
	if len(conds) == 0 {
		return true, nil
	}
	for i, c := range conds {
		ok, err := Match(c, payload)
		if err != nil {
			return false, fmt.Errorf("condition %d (%s): %w", i, c.Field, err)
		}
		if all && !ok {
			return false, nil
		}
		if !all && ok {
			return true, nil
		}
	}
	return all, nil
}

// Match evaluates a single condition. A field missing from the payload only
// satisfies the negative operators.
func Match(c entity.Condition, payload map[string]any) (bool, error) {
	if !c.Operator.IsValid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, c.Operator)
	}
	value, found := Lookup(payload, c.Field)
	if !found {
		return c.Operator == entity.OpNotEquals || c.Operator == entity.OpNotIn, nil
	}

	switch c.Operator {
	case entity.OpEquals:
		return equals(value, c.Value), nil
	case entity.OpNotEquals:
		return !equals(value, c.Value), nil
	case entity.OpContains:
		return contains(value, c.Value), nil
	case entity.OpGreaterThan:
		return compare(value, c.Value) > 0, nil
	case entity.OpLessThan:
		return compare(value, c.Value) < 0, nil
	case entity.OpIn:
		return in(value, c.Value), nil
	case entity.OpNotIn:
		return !in(value, c.Value), nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownOperator, c.Operator)
}

// Lookup resolves a dotted path ("machine.status") in nested maps. An exact
// key match wins over path traversal.
func Lookup(payload map[string]any, field string) (any, bool) {
	if payload == nil || field == "" {
		return nil, false
	}
	if v, ok := payload[field]; ok {
		return v, true
	}
	parts := strings.Split(field, ".")
	var cur any = payload
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equals(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := toBool(b); ok {
			return ba == bb
		}
	}
	return toString(a) == toString(b)
}

// compare returns -1, 0 or 1. Numbers compare numerically, everything else
// lexicographically.
func compare(a, b any) int {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(toString(a), toString(b))
}

func contains(field, needle any) bool {
	if items, ok := toList(field); ok {
		for _, it := range items {
			if equals(it, needle) {
				return true
			}
		}
		return false
	}
	return strings.Contains(toString(field), toString(needle))
}

func in(field, set any) bool {
	items, ok := toList(set)
	if !ok {
		for _, s := range strings.Split(toString(set), ",") {
			items = append(items, strings.TrimSpace(s))
		}
	}
	for _, it := range items {
		if equals(field, it) {
			return true
		}
	}
	return false
}

func toList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	case fmt.Stringer:
		f, err := strconv.ParseFloat(t.String(), 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(t)
		return b, err == nil
	}
	return false, false
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
