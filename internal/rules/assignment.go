// internal/rules/assignment.go
package rules

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/solatis/populator/internal/populate"
	"github.com/solatis/populator/internal/types"
)

type assignSource int

const (
	sourceLiteral assignSource = iota
	sourceField
	sourceDataset
	sourceExpr
)

// compiledAssignment computes the value a populator writes and where.
type compiledAssignment struct {
	target     []types.PathSegment
	source     assignSource
	literal    any
	from       []types.PathSegment
	dataset    types.DataKey
	key        []types.PathSegment
	attribute  []types.PathSegment
	expr       *expression
	fallback   any
	hasDefault bool
}

func compileAssignment(a types.Assignment) (compiledAssignment, error) {
	var ca compiledAssignment

	target, err := ParsePath(a.Field)
	if err != nil {
		return ca, fmt.Errorf("%w: target: %v", types.ErrInvalidAssignment, err)
	}
	if countWildcards(target) > 0 {
		return ca, types.ErrWildcardInTarget
	}
	if target[0].IsIndex {
		return ca, fmt.Errorf("%w: target must start with a field name", types.ErrInvalidAssignment)
	}
	ca.target = target
	ca.fallback = a.Default
	ca.hasDefault = a.Default != nil

	sources := 0
	if a.Value != nil {
		sources++
		ca.source, ca.literal = sourceLiteral, a.Value
	}
	if a.From != "" {
		sources++
		ca.source = sourceField
		if ca.from, err = ParsePath(a.From); err != nil {
			return ca, err
		}
	}
	if a.Dataset != "" {
		sources++
		ca.source, ca.dataset = sourceDataset, a.Dataset
		if a.Key == "" {
			return ca, fmt.Errorf("%w: dataset %q needs a key field", types.ErrInvalidAssignment, a.Dataset)
		}
		if ca.key, err = ParsePath(a.Key); err != nil {
			return ca, err
		}
		if a.Attribute != "" {
			if ca.attribute, err = ParsePath(a.Attribute); err != nil {
				return ca, err
			}
		}
	}
	if a.Expr != "" {
		sources++
		ca.source = sourceExpr
		if ca.expr, err = compileExpression(a.Expr); err != nil {
			return ca, err
		}
	}

	if sources != 1 {
		return ca, fmt.Errorf("%w: %q needs exactly one of value, from, dataset or expr (got %d)", types.ErrInvalidAssignment, a.Field, sources)
	}
	return ca, nil
}

// compute returns the value to write. A missing source value falls back to
// the default; without one it is an error wrapping ErrFieldNotFound.
func (ca compiledAssignment) compute(ctx context.Context, phase types.Phase, rec, prior *types.Record, dc populate.DataContext) (any, error) {
	switch ca.source {
	case sourceLiteral:
		return cloneValue(ca.literal), nil

	case sourceField:
		res, err := Resolve(ca.from, map[string]any(rec.Fields))
		if err != nil || !res.Found {
			return ca.orDefault("field %s", FormatPath(ca.from))
		}
		return cloneValue(res.Value), nil

	case sourceDataset:
		res, err := Resolve(ca.key, map[string]any(rec.Fields))
		if err != nil || res.Value == nil {
			return ca.orDefault("key %s", FormatPath(ca.key))
		}
		entry, found, err := populate.Lookup(ctx, dc, ca.dataset, DatasetKey(res.Value))
		if err != nil {
			return nil, err
		}
		if !found {
			return ca.orDefault("%s entry %v", ca.dataset, res.Value)
		}
		if ca.attribute == nil {
			return cloneValue(entry), nil
		}
		attr, err := Resolve(ca.attribute, entry)
		if err != nil || !attr.Found {
			return ca.orDefault("%s attribute %s", ca.dataset, FormatPath(ca.attribute))
		}
		return cloneValue(attr.Value), nil

	case sourceExpr:
		return ca.expr.eval(ctx, phase, rec, prior)
	}
	return nil, fmt.Errorf("%w: no source", types.ErrInvalidAssignment)
}

func (ca compiledAssignment) orDefault(format string, args ...any) (any, error) {
	if ca.hasDefault {
		return cloneValue(ca.fallback), nil
	}
	return nil, fmt.Errorf("%w: "+format, append([]any{types.ErrFieldNotFound}, args...)...)
}

// DatasetKey renders a foreign-key value as a dataset key. Integral floats
// from JSON render without a fraction.
func DatasetKey(v any) string {
	switch k := v.(type) {
	case string:
		return k
	case float64:
		if k == math.Trunc(k) && math.Abs(k) < 1e15 {
			return strconv.FormatInt(int64(k), 10)
		}
		return strconv.FormatFloat(k, 'f', -1, 64)
	case types.RecordID:
		return string(k)
	default:
		return fmt.Sprint(k)
	}
}

// cloneValue deep-copies maps and slices so records never share mutable state
// with configuration or datasets.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case types.Fields:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
