package populate

import (
	"math"
	"reflect"

	"github.com/solatis/populator/internal/types"
)

// FieldChanged reports whether field differs between rec and prior. A field
// present on one side only counts as changed, as does any comparison with a
// nil prior (create phase has no prior state).
func FieldChanged(rec, prior *types.Record, field string) bool {
	if prior == nil {
		return true
	}
	nv, nok := rec.Get(field)
	pv, pok := prior.Get(field)
	if nok != pok {
		return true
	}
	return !ValuesEqual(nv, pv)
}

// IsNull reports whether field is absent or holds nil.
func IsNull(rec *types.Record, field string) bool {
	v, ok := rec.Get(field)
	return !ok || v == nil
}

// IsNotNull is the negation of IsNull.
func IsNotNull(rec *types.Record, field string) bool {
	return !IsNull(rec, field)
}

// ValuesEqual compares field values structurally. Numbers compare by value
// across Go numeric types, so int 3 equals float64 3 decoded from JSON.
// Integers compare exactly; a float equals an integer only when it is
// integral and in range.
func ValuesEqual(a, b any) bool {
	if an, ok := toNumber(a); ok {
		bn, ok := toNumber(b)
		return ok && numbersEqual(an, bn)
	}

	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !ValuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := asMap(b)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !ValuesEqual(v, w) {
				return false
			}
		}
		return true
	case types.Fields:
		return ValuesEqual(map[string]any(av), b)
	}

	return reflect.DeepEqual(a, b)
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case types.Fields:
		return m, true
	}
	return nil, false
}

type numberKind int

const (
	kindInt numberKind = iota
	kindUint
	kindFloat
)

// number holds a value in the widest Go type of its kind.
type number struct {
	kind numberKind
	i    int64
	u    uint64
	f    float64
}

func toNumber(v any) (number, bool) {
	switch n := v.(type) {
	case float64:
		return number{kind: kindFloat, f: n}, true
	case float32:
		return number{kind: kindFloat, f: float64(n)}, true
	case int:
		return number{kind: kindInt, i: int64(n)}, true
	case int8:
		return number{kind: kindInt, i: int64(n)}, true
	case int16:
		return number{kind: kindInt, i: int64(n)}, true
	case int32:
		return number{kind: kindInt, i: int64(n)}, true
	case int64:
		return number{kind: kindInt, i: n}, true
	case uint:
		return number{kind: kindUint, u: uint64(n)}, true
	case uint8:
		return number{kind: kindUint, u: uint64(n)}, true
	case uint16:
		return number{kind: kindUint, u: uint64(n)}, true
	case uint32:
		return number{kind: kindUint, u: uint64(n)}, true
	case uint64:
		return number{kind: kindUint, u: n}, true
	}
	return number{}, false
}

func numbersEqual(a, b number) bool {
	if a.kind > b.kind {
		a, b = b, a
	}
	switch {
	case a.kind == kindInt && b.kind == kindInt:
		return a.i == b.i
	case a.kind == kindUint && b.kind == kindUint:
		return a.u == b.u
	case a.kind == kindFloat:
		return a.f == b.f
	case a.kind == kindInt && b.kind == kindUint:
		return a.i >= 0 && uint64(a.i) == b.u
	case a.kind == kindInt:
		// 2^63 is exactly representable; anything at or above it overflows int64.
		if b.f != math.Trunc(b.f) || b.f < -(1<<63) || b.f >= 1<<63 {
			return false
		}
		return int64(b.f) == a.i
	default:
		if b.f != math.Trunc(b.f) || b.f < 0 || b.f >= 1<<64 {
			return false
		}
		return uint64(b.f) == a.u
	}
}
