package domain

import (
	"reflect"
	"strings"
)

// Fields resolves field paths for query matching.
type Fields interface {
	Get(path string) (any, bool)
}

// Query maps field paths to a value (equality, or membership for array
// fields) or to an operator object using $in, $nin, $ne, $exists, $gt, $gte,
// $lt or $lte.
type Query map[string]any

// Matches reports whether every condition holds for f. An empty query
// matches everything.
func (q Query) Matches(f Fields) bool {
	for path, cond := range q {
		v, ok := f.Get(path)
		if !matchCondition(v, ok, cond) {
			return false
		}
	}
	return true
}

func matchCondition(v any, present bool, cond any) bool {
	if ops, ok := operatorObject(cond); ok {
		for op, arg := range ops {
			if !matchOperator(v, present, op, arg) {
				return false
			}
		}
		return true
	}
	if !present {
		return cond == nil
	}
	return valueEquals(v, cond)
}

func operatorObject(cond any) (map[string]any, bool) {
	var m map[string]any
	switch t := cond.(type) {
	case map[string]any:
		m = t
	case Query:
		m = t
	default:
		return nil, false
	}
	return m, isOperatorObject(m)
}

func isOperatorObject(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func matchOperator(v any, present bool, op string, arg any) bool {
	switch op {
	case "$exists":
		want, _ := arg.(bool)
		return present == want
	case "$ne":
		return !present || !valueEquals(v, arg)
	case "$in":
		if !present {
			return false
		}
		for _, candidate := range toList(arg) {
			if valueEquals(v, candidate) {
				return true
			}
		}
		return false
	case "$nin":
		if !present {
			return true
		}
		for _, candidate := range toList(arg) {
			if valueEquals(v, candidate) {
				return false
			}
		}
		return true
	case "$gt", "$gte", "$lt", "$lte":
		if !present {
			return false
		}
		c, ok := compareValues(v, arg)
		if !ok {
			return false
		}
		switch op {
		case "$gt":
			return c > 0
		case "$gte":
			return c >= 0
		case "$lt":
			return c < 0
		default:
			return c <= 0
		}
	}
	return false
}

// valueEquals compares a stored value with a query value. Array values match
// when any element equals the query value.
func valueEquals(v, want any) bool {
	if scalarEquals(v, want) {
		return true
	}
	if isList(v) && !isList(want) {
		for _, item := range toList(v) {
			if scalarEquals(item, want) {
				return true
			}
		}
	}
	return false
}

func scalarEquals(a, b any) bool {
	if sa, ok := toString(a); ok {
		sb, ok := toString(b)
		return ok && sa == sb
	}
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func compareValues(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	if sa, ok := toString(a); ok {
		sb, ok := toString(b)
		if !ok {
			return 0, false
		}
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func toString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case Ref:
		return string(t), true
	}
	return "", false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case Timestamp:
		return float64(t), true
	}
	return 0, false
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

func toList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
