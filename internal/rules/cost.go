// internal/rules/cost.go
package rules

import "github.com/solatis/populator/internal/types"

/*
 * Cost model for condition ordering.
 *
 * cost = lookup_cost + (operator_cost * type_multiplier * 8^wildcards)
 *
 * Conditions inside an AND group are evaluated cheapest first so a record
 * that fails a presence check never pays for a prefix scan. Each wildcard
 * multiplies by 8, the assumed fan-out; MaxNestedWildcards caps that at 64x.
 * changed resolves the path twice (new and prior) and pays double lookup.
 * Presence checks (exists, is_null) never compare values and ignore type.
 */

const (
	// Operator base costs
	CostExists  = 1
	CostIsNull  = 1
	CostEq      = 5
	CostNeq     = 5
	CostLt      = 7
	CostLte     = 7
	CostGt      = 7
	CostGte     = 7
	CostIn      = 8
	CostChanged = 9
	CostPrefix  = 10
	CostSuffix  = 10

	// Field lookup cost per key segment
	CostLookupPerSegment = 128

	// Field type multipliers
	MultiplierBool   = 1
	MultiplierFloat  = 4
	MultiplierString = 48
	MultiplierAny    = 128
)

// CalculateConditionCost computes cost for a single condition.
func CalculateConditionCost(path []types.PathSegment, op Operator, fieldType FieldType) int {
	lookupCost := 0
	wildcardCount := 0
	for _, seg := range path {
		if seg.Key != "" {
			lookupCost += CostLookupPerSegment
		}
		if seg.Wildcard {
			wildcardCount++
		}
	}
	if op == OpChanged {
		lookupCost *= 2
	}
	typeMult := typeMultiplier(fieldType)
	if op == OpExists || op == OpIsNull {
		typeMult = MultiplierBool
	}

	execMult := 1
	for i := 0; i < wildcardCount; i++ {
		execMult *= 8
	}

	return lookupCost + (operatorCost(op) * typeMult * execMult)
}

func operatorCost(op Operator) int {
	switch op {
	case OpExists, OpIsNull:
		return CostExists
	case OpEq, OpNeq:
		return CostEq
	case OpLt, OpLte, OpGt, OpGte:
		return CostLt
	case OpIn:
		return CostIn
	case OpChanged:
		return CostChanged
	case OpPrefix, OpSuffix:
		return CostPrefix
	default:
		return CostEq
	}
}

// typeMultiplier prices comparison effort by type.
func typeMultiplier(ft FieldType) int {
	switch ft {
	case FieldTypeNumeric:
		return MultiplierFloat
	case FieldTypeBoolean:
		return MultiplierBool
	case FieldTypeText:
		return MultiplierString
	default:
		return MultiplierAny
	}
}
