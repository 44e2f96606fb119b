package schema

import (
	"math"

	"maestro/internal/errors"
)

// CheckValue reports whether value conforms to the declared field type.
// Validation is purely structural; there is no coercion beyond treating
// whole-valued float64s (the JSON decoder's only number shape) as integers.
func CheckValue(ft FieldType, value any) bool {
	if value == nil {
		return ft == TypeAny
	}
	switch ft {
	case TypeAny:
		return true
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeNumber:
		return isNumeric(value)
	case TypeInteger:
		switch n := value.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == math.Trunc(n)
		case float32:
			return float64(n) == math.Trunc(float64(n))
		}
		return false
	case TypeObject:
		_, ok := value.(map[string]any)
		return ok
	case TypeArray:
		switch value.(type) {
		case []any, []string, []map[string]any:
			return true
		}
		return false
	}
	return false
}

func isNumeric(value any) bool {
	switch value.(type) {
	case int, int32, int64, float32, float64:
		return true
	}
	return false
}

// ValidateObject checks every declared field against the given object.
// Declared fields must be present and well-typed; extra fields pass through
// untouched (schemas declare the contract, not the whole shape).
func ValidateObject(declared map[string]FieldType, object map[string]any, nodeID string, direction string) error {
	for name, ft := range declared {
		value, ok := object[name]
		if !ok {
			return errors.New(errors.KindValidation, "%s field %q missing", direction, name).WithNode(nodeID)
		}
		if !CheckValue(ft, value) {
			return errors.New(errors.KindValidation, "%s field %q is not a %s", direction, name, ft).WithNode(nodeID)
		}
	}
	return nil
}

// TypeOf reports the FieldType a runtime value would satisfy, for
// compile-time wiring checks between declared outputs and inputs.
func TypeOf(value any) FieldType {
	switch v := value.(type) {
	case nil:
		return TypeAny
	case string:
		return TypeString
	case bool:
		return TypeBoolean
	case int, int32, int64:
		return TypeInteger
	case float32:
		return TypeNumber
	case float64:
		if v == math.Trunc(v) {
			return TypeInteger
		}
		return TypeNumber
	case map[string]any:
		return TypeObject
	case []any:
		return TypeArray
	}
	return TypeAny
}

// Compatible reports whether a value of type have may flow into a position
// declared as want. Integer narrows into number; any matches everything.
func Compatible(want, have FieldType) bool {
	if want == TypeAny || have == TypeAny {
		return true
	}
	if want == TypeNumber && have == TypeInteger {
		return true
	}
	return want == have
}
