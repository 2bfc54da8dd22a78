// internal/rules/operators.go
package rules

import (
	"fmt"
	"strings"

	"github.com/solatis/populator/internal/populate"
	"github.com/solatis/populator/internal/types"
)

/*
 * Condition operators.
 *
 * Values reach Compare already coerced (see Coerce). Equality is structural
 * and numeric-tolerant so an int read from Go code equals the float64 a JSON
 * decoder produced. Ordering operators only compare numbers; prefix/suffix
 * only compare strings and are false for anything else.
 *
 * exists, is_null and changed never reach Compare: they inspect presence or
 * the prior record and are handled in evaluateCondition.
 */

// Operator is a condition operator.
type Operator int

const (
	OpUnspecified Operator = iota
	OpEq
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
	OpPrefix
	OpSuffix
	OpIn
	OpExists
	OpIsNull
	OpChanged
)

var operatorNames = map[string]Operator{
	"eq":      OpEq,
	"neq":     OpNeq,
	"lt":      OpLt,
	"lte":     OpLte,
	"gt":      OpGt,
	"gte":     OpGte,
	"prefix":  OpPrefix,
	"suffix":  OpSuffix,
	"in":      OpIn,
	"exists":  OpExists,
	"is_null": OpIsNull,
	"changed": OpChanged,
}

// ParseOperator maps a configuration name to an Operator.
func ParseOperator(s string) (Operator, error) {
	if op, ok := operatorNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return op, nil
	}
	return OpUnspecified, fmt.Errorf("%w: %q", types.ErrInvalidOperator, s)
}

func (op Operator) String() string {
	for name, o := range operatorNames {
		if o == op {
			return name
		}
	}
	return "unspecified"
}

// Compare applies the operator to compare value against target.
func Compare(op Operator, value, target any) bool {
	switch op {
	case OpExists:
		return value != nil
	case OpIsNull:
		return value == nil
	case OpEq:
		return populate.ValuesEqual(value, target)
	case OpNeq:
		return !populate.ValuesEqual(value, target)
	case OpLt:
		c, ok := compareNumeric(value, target)
		return ok && c < 0
	case OpLte:
		c, ok := compareNumeric(value, target)
		return ok && c <= 0
	case OpGt:
		c, ok := compareNumeric(value, target)
		return ok && c > 0
	case OpGte:
		c, ok := compareNumeric(value, target)
		return ok && c >= 0
	case OpPrefix:
		return compareStrings(value, target, strings.HasPrefix)
	case OpSuffix:
		return compareStrings(value, target, strings.HasSuffix)
	case OpIn:
		return compareIn(value, target)
	default:
		return false
	}
}

// compareNumeric performs three-way numeric comparison. ok is false when
// either side is not a number.
func compareNumeric(a, b any) (int, bool) {
	na, oka := toFloat64(a)
	nb, okb := toFloat64(b)
	if !oka || !okb {
		return 0, false
	}
	switch {
	case na < nb:
		return -1, true
	case na > nb:
		return 1, true
	default:
		return 0, true
	}
}

func compareStrings(value, target any, fn func(s, affix string) bool) bool {
	vs, ok1 := value.(string)
	ts, ok2 := target.(string)
	return ok1 && ok2 && fn(vs, ts)
}

// compareIn checks membership with equality semantics.
func compareIn(value, set any) bool {
	arr, ok := set.([]any)
	if !ok {
		return false
	}
	for _, elem := range arr {
		if populate.ValuesEqual(value, elem) {
			return true
		}
	}
	return false
}
