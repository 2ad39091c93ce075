package rules

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// operatorFunc compares a resolved field value against a condition literal.
// Both sides arrive normalized.
type operatorFunc func(fieldValue, compareValue any) bool

var operators = map[Operator]operatorFunc{
	OpEq:       operatorEqual,
	OpNeq:      operatorNotEqual,
	OpGt:       ordered(func(c int) bool { return c > 0 }),
	OpGte:      ordered(func(c int) bool { return c >= 0 }),
	OpLt:       ordered(func(c int) bool { return c < 0 }),
	OpLte:      ordered(func(c int) bool { return c <= 0 }),
	OpContains: operatorContains,
	OpIn:       operatorIn,
	OpExists:   operatorExists,
}

// timestampLayouts are tried in order when coercing strings to instants
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// SupportedOperator reports whether op is known to the evaluator
func SupportedOperator(op Operator) bool {
	_, ok := operators[op]
	return ok
}

// Evaluate reports whether the snapshot satisfies the conditions under logic.
// It is a pure function of its inputs. A condition whose field is absent from
// the snapshot is false. An error is returned only for malformed input such as
// an unknown operator or logic mode.
func Evaluate(conditions []Condition, logic Logic, snapshot *EventSnapshot) (bool, error) {
	if len(conditions) == 0 {
		return false, nil
	}

	switch logic {
	case LogicAnd:
		for _, c := range conditions {
			ok, err := evaluateCondition(c, snapshot)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case LogicOr:
		for _, c := range conditions {
			ok, err := evaluateCondition(c, snapshot)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, &EvaluationError{Message: "unsupported logic mode " + strconv.Quote(string(logic))}
	}
}

// Matches evaluates the rule's conditions and scope against the snapshot
func Matches(rule *Rule, snapshot *EventSnapshot) (bool, error) {
	if !rule.AppliesTo(snapshot) {
		return false, nil
	}
	return Evaluate(rule.Conditions, rule.Logic, snapshot)
}

func evaluateCondition(c Condition, snapshot *EventSnapshot) (bool, error) {
	opFunc, ok := operators[c.Operator]
	if !ok {
		return false, &EvaluationError{
			Field:    c.Field,
			Operator: c.Operator,
			Message:  "unsupported operator",
		}
	}

	if snapshot == nil {
		return false, nil
	}
	fieldValue, exists := snapshot.Fields[c.Field]
	if !exists {
		return false, nil
	}

	return opFunc(normalize(fieldValue), normalize(c.Value)), nil
}

// operatorExists ignores the literal; absent fields never reach it
func operatorExists(fieldValue, _ any) bool {
	return fieldValue != nil
}

func operatorEqual(fieldValue, compareValue any) bool {
	return equal(fieldValue, compareValue)
}

func operatorNotEqual(fieldValue, compareValue any) bool {
	return !equal(fieldValue, compareValue)
}

func ordered(accept func(cmp int) bool) operatorFunc {
	return func(fieldValue, compareValue any) bool {
		cmp, ok := compareOrdered(fieldValue, compareValue)
		if !ok {
			return false
		}
		return accept(cmp)
	}
}

func operatorContains(fieldValue, compareValue any) bool {
	switch fv := fieldValue.(type) {
	case string:
		s, ok := compareValue.(string)
		if !ok {
			return false
		}
		return strings.Contains(fv, s)
	case []any:
		return member(compareValue, fv)
	default:
		return false
	}
}

func operatorIn(fieldValue, compareValue any) bool {
	list, ok := compareValue.([]any)
	if !ok {
		return false
	}
	return member(fieldValue, list)
}

func member(v any, list []any) bool {
	for _, item := range list {
		if equal(v, item) {
			return true
		}
	}
	return false
}

// normalize maps values onto a small set of comparable shapes:
// float64, trimmed string, bool, time.Time, []any, or the value itself.
func normalize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return strings.TrimSpace(val)
	case bool, time.Time:
		return val
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return strings.TrimSpace(val.String())
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	}

	if f, ok := toFloat64(v); ok {
		return f
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	}
	return v
}

func equal(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		switch bv := b.(type) {
		case string:
			if av == bv {
				return true
			}
			at, aok := toTime(av)
			bt, bok := toTime(bv)
			return aok && bok && at.Equal(bt)
		case time.Time:
			at, ok := toTime(av)
			return ok && at.Equal(bv)
		}
		return false
	case time.Time:
		bt, ok := toTime(b)
		return ok && av.Equal(bt)
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

// compareOrdered coerces both sides to numbers, then to instants.
// ok is false when no common ordered type exists.
func compareOrdered(a, b any) (cmp int, ok bool) {
	if af, aok := toNumber(a); aok {
		if bf, bok := toNumber(b); bok {
			return compareFloat(af, bf), true
		}
	}
	if at, aok := toTime(a); aok {
		if bt, bok := toTime(b); bok {
			return at.Compare(bt), true
		}
	}
	return 0, false
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func toNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, !math.IsNaN(val)
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case string:
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, val); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}
