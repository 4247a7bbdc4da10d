package expressions

import (
	"strconv"
	"strings"

	"github.com/rendis/drip/pkg/schema"
)

// Comparison operators accepted by conditional nodes.
const (
	OpEq          = "eq"
	OpNe          = "ne"
	OpGt          = "gt"
	OpGte         = "gte"
	OpLt          = "lt"
	OpLte         = "lte"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpStartsWith  = "starts_with"
	OpEndsWith    = "ends_with"
	OpExists      = "exists"
	OpNotExists   = "not_exists"
)

// Operators lists every supported operator.
var Operators = []string{
	OpEq, OpNe, OpGt, OpGte, OpLt, OpLte,
	OpContains, OpNotContains, OpStartsWith, OpEndsWith,
	OpExists, OpNotExists,
}

// UnaryOperator reports whether op ignores its operand.
func UnaryOperator(op string) bool {
	return op == OpExists || op == OpNotExists
}

// Compare evaluates left <op> right.
//
// eq and ne compare numerically when both sides are numbers (or numeric
// strings) and by string form otherwise. Ordering operators require numbers
// and are false when either side is not numeric. exists is true when left is
// neither nil nor the empty string.
func Compare(op string, left, right any) (bool, error) {
	switch op {
	case OpEq:
		return equal(left, right), nil
	case OpNe:
		return !equal(left, right), nil
	case OpGt, OpGte, OpLt, OpLte:
		return compareNumeric(left, right, op), nil
	case OpContains:
		return containsValue(left, right), nil
	case OpNotContains:
		return !containsValue(left, right), nil
	case OpStartsWith:
		return strings.HasPrefix(Stringify(left), Stringify(right)), nil
	case OpEndsWith:
		return strings.HasSuffix(Stringify(left), Stringify(right)), nil
	case OpExists:
		return exists(left), nil
	case OpNotExists:
		return !exists(left), nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeExpression, "unsupported operator %q", op).
			WithDetails(map[string]any{"operator": op, "supported": Operators})
	}
}

func equal(a, b any) bool {
	af, aOk := toFloat64(a)
	bf, bOk := toFloat64(b)
	if aOk && bOk {
		return af == bf
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	return Stringify(a) == Stringify(b)
}

func compareNumeric(a, b any, op string) bool {
	af, aOk := toFloat64(a)
	bf, bOk := toFloat64(b)
	if !aOk || !bOk {
		return false
	}

	switch op {
	case OpGt:
		return af > bf
	case OpGte:
		return af >= bf
	case OpLt:
		return af < bf
	case OpLte:
		return af <= bf
	default:
		return false
	}
}

// containsValue checks substring containment for strings and membership for
// slices.
func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if equal(item, needle) {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := h[Stringify(needle)]
		return ok
	case nil:
		return false
	default:
		return strings.Contains(Stringify(h), Stringify(needle))
	}
}

func exists(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	default:
		return true
	}
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
