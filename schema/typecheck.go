package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/liamcoop/gamification/rules"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// checkCondition type-checks a condition literal against the declared field
// type by compiling the equivalent CEL comparison. The expression is only
// checked, never evaluated; rules.Evaluate does the runtime work.
func checkCondition(fieldType string, op rules.Operator, value any) error {
	if op == rules.OpExists {
		return nil
	}

	fieldCEL := celFieldType(fieldType)

	valueCEL, err := literalType(value, fieldType, op)
	if err != nil {
		return err
	}

	var expr string
	switch op {
	case rules.OpEq:
		expr = "field == value"
	case rules.OpNeq:
		expr = "field != value"
	case rules.OpGt, rules.OpGte, rules.OpLt, rules.OpLte:
		if fieldType != TypeNumber && fieldType != TypeTimestamp {
			return fmt.Errorf("operator %s needs a number or timestamp field, field is %s", op, fieldType)
		}
		expr = "field " + orderedSymbol(op) + " value"
	case rules.OpContains:
		if fieldType == TypeList {
			expr = "value in field"
		} else {
			expr = "field.contains(value)"
		}
	case rules.OpIn:
		expr = "field in value"
	default:
		return fmt.Errorf("unsupported operator %q", op)
	}

	env, err := cel.NewEnv(
		cel.Variable("field", fieldCEL),
		cel.Variable("value", valueCEL),
	)
	if err != nil {
		return fmt.Errorf("failed to create CEL environment: %w", err)
	}

	if _, issues := env.Compile(expr); issues != nil && issues.Err() != nil {
		return fmt.Errorf("value %v does not fit a %s field under %s: %w", value, fieldType, op, issues.Err())
	}
	return nil
}

func orderedSymbol(op rules.Operator) string {
	switch op {
	case rules.OpGt:
		return ">"
	case rules.OpGte:
		return ">="
	case rules.OpLt:
		return "<"
	default:
		return "<="
	}
}

func celFieldType(fieldType string) *cel.Type {
	switch fieldType {
	case TypeNumber:
		return cel.DoubleType
	case TypeBool:
		return cel.BoolType
	case TypeTimestamp:
		return cel.TimestampType
	case TypeList:
		return cel.ListType(cel.DynType)
	default:
		return cel.StringType
	}
}

// literalType infers the CEL type of a condition literal. Strings are read as
// timestamps on timestamp fields, and as numbers on number fields when the
// operator orders, mirroring the evaluator's coercions.
func literalType(v any, fieldType string, op rules.Operator) (*cel.Type, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("value is required")
	case bool:
		return cel.BoolType, nil
	case string:
		if fieldType == TypeTimestamp {
			if !isTimestamp(val) {
				return nil, fmt.Errorf("value %q is not a timestamp", val)
			}
			return cel.TimestampType, nil
		}
		if fieldType == TypeNumber && isOrdered(op) {
			if _, err := strconv.ParseFloat(val, 64); err == nil {
				return cel.DoubleType, nil
			}
		}
		return cel.StringType, nil
	case json.Number:
		return cel.DoubleType, nil
	case time.Time:
		return cel.TimestampType, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return cel.DoubleType, nil
	case reflect.Slice, reflect.Array:
		return listType(rv, fieldType)
	}

	return nil, fmt.Errorf("unsupported value type %T", v)
}

// listType is list(T) when every element shares type T, list(dyn) otherwise
func listType(rv reflect.Value, fieldType string) (*cel.Type, error) {
	var elem *cel.Type
	for i := 0; i < rv.Len(); i++ {
		t, err := literalType(rv.Index(i).Interface(), fieldType, rules.OpEq)
		if err != nil {
			return nil, fmt.Errorf("list element %d: %w", i, err)
		}
		if elem == nil {
			elem = t
			continue
		}
		if !elem.IsExactType(t) {
			return cel.ListType(cel.DynType), nil
		}
	}
	if elem == nil {
		return cel.ListType(cel.DynType), nil
	}
	return cel.ListType(elem), nil
}

func isOrdered(op rules.Operator) bool {
	switch op {
	case rules.OpGt, rules.OpGte, rules.OpLt, rules.OpLte:
		return true
	}
	return false
}

func isTimestamp(s string) bool {
	for _, layout := range timestampLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}
