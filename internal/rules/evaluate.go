// internal/rules/evaluate.go
package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/solatis/populator/internal/populate"
	"github.com/solatis/populator/internal/types"
)

/*
 * Populator evaluation.
 *
 * Qualification is DNF (OR of AND groups) followed by the optional guard.
 * No groups means the populator qualifies unconditionally.
 *
 * Evaluation flow per condition:
 *   1. exists / is_null inspect presence directly
 *   2. changed compares the resolved values of the record and its prior
 *   3. otherwise: resolve path -> coerce type -> compare operator
 *
 * Policy handling:
 *   - missing or null field: on_missing (skip -> false, match -> true,
 *     fail -> error, reported as a rule failure)
 *   - coercion failure: on_coercion_fail (skip -> false, match -> true,
 *     error -> error)
 *
 * Short-circuit semantics: first matching OR group stops evaluation; within
 * a group the first non-matching condition stops it. Conditions are already
 * cost-ordered.
 */

var (
	_ populate.CreateRule  = (*Populator)(nil)
	_ populate.UpdateRule  = (*Populator)(nil)
	_ populate.PhaseFilter = (*Populator)(nil)
	_ populate.KeyUser     = (*Populator)(nil)
)

func (p *Populator) ID() types.RuleID { return p.id }

func (p *Populator) Name() string { return p.name }

// Supports reports whether the populator was declared for phase.
func (p *Populator) Supports(phase types.Phase) bool {
	for _, ph := range p.phases {
		if ph == phase {
			return true
		}
	}
	return false
}

// Needs returns the dataset the assignment reads, if any.
func (p *Populator) Needs() []types.DataKey {
	if p.assign.source != sourceDataset {
		return nil
	}
	return []types.DataKey{p.assign.dataset}
}

func (p *Populator) QualifiesCreate(ctx context.Context, rec *types.Record, dc populate.DataContext) (bool, error) {
	return p.qualifies(ctx, types.PhaseCreate, rec, nil)
}

func (p *Populator) ApplyCreate(ctx context.Context, rec *types.Record, dc populate.DataContext) error {
	return p.apply(ctx, types.PhaseCreate, rec, nil, dc)
}

func (p *Populator) QualifiesUpdate(ctx context.Context, rec, prior *types.Record, dc populate.DataContext) (bool, error) {
	return p.qualifies(ctx, types.PhaseUpdate, rec, prior)
}

func (p *Populator) ApplyUpdate(ctx context.Context, rec, prior *types.Record, dc populate.DataContext) error {
	return p.apply(ctx, types.PhaseUpdate, rec, prior, dc)
}

func (p *Populator) qualifies(ctx context.Context, phase types.Phase, rec, prior *types.Record) (bool, error) {
	matched := len(p.orGroups) == 0
	for _, group := range p.orGroups {
		ok, err := evaluateGroup(group, rec, prior)
		if err != nil {
			return false, err
		}
		if ok {
			matched = true
			break
		}
	}
	if !matched || p.guard == nil {
		return matched, nil
	}
	return p.guard.evalBool(ctx, phase, rec, prior)
}

func (p *Populator) apply(ctx context.Context, phase types.Phase, rec, prior *types.Record, dc populate.DataContext) error {
	value, err := p.assign.compute(ctx, phase, rec, prior, dc)
	if err != nil {
		return err
	}
	if rec.Fields == nil {
		rec.Fields = make(types.Fields)
	}
	return Assign(rec.Fields, p.assign.target, value)
}

// evaluateGroup evaluates an AND group, short-circuiting on first non-match.
func evaluateGroup(group CompiledOrGroup, rec, prior *types.Record) (bool, error) {
	for _, cond := range group.Conditions {
		matched, err := evaluateCondition(cond, rec, prior)
		if err != nil || !matched {
			return false, err
		}
	}
	return true, nil
}

func evaluateCondition(cond CompiledCondition, rec, prior *types.Record) (bool, error) {
	value, found, err := resolveField(cond.Path, rec)
	if err != nil {
		return false, err
	}

	switch cond.Operator {
	case OpExists:
		return found && value != nil, nil
	case OpIsNull:
		return !found || value == nil, nil
	case OpChanged:
		if prior == nil {
			return false, fmt.Errorf("%w: changed needs a prior record", types.ErrInvalidOperator)
		}
		old, oldFound, err := resolveField(cond.Path, prior)
		if err != nil {
			return false, err
		}
		return found != oldFound || !populate.ValuesEqual(value, old), nil
	}

	if !found {
		return applyMissingPolicy(cond)
	}

	coerced, err := Coerce(value, cond.FieldType)
	if err != nil {
		if errors.Is(err, types.ErrCoercionFailed) {
			return applyCoercionPolicy(cond, value)
		}
		return false, err
	}
	if coerced.IsNull {
		return applyMissingPolicy(cond)
	}

	var target any
	switch {
	case len(cond.FieldRef) > 0:
		refValue, refFound, err := resolveField(cond.FieldRef, rec)
		if err != nil {
			return false, err
		}
		if !refFound {
			return applyMissingPolicy(cond)
		}
		refCoerced, err := Coerce(refValue, cond.FieldType)
		if err != nil || refCoerced.IsNull {
			return applyMissingPolicy(cond)
		}
		target = refCoerced.Value
	case cond.Operator == OpIn:
		target = coerceAll(cond.Values, cond.FieldType)
	default:
		if c, err := Coerce(cond.Value, cond.FieldType); err == nil && !c.IsNull {
			target = c.Value
		} else {
			target = cond.Value
		}
	}

	return Compare(cond.Operator, coerced.Value, target), nil
}

// resolveField treats ErrFieldNotFound as absence; limit violations are errors.
func resolveField(path []types.PathSegment, rec *types.Record) (any, bool, error) {
	if rec == nil {
		return nil, false, nil
	}
	res, err := Resolve(path, map[string]any(rec.Fields))
	if errors.Is(err, types.ErrFieldNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return res.Value, res.Found, nil
}

// coerceAll coerces IN values with the condition's type; values that cannot
// be coerced are kept as configured.
func coerceAll(values []any, ft FieldType) []any {
	out := make([]any, len(values))
	for i, v := range values {
		if c, err := Coerce(v, ft); err == nil && !c.IsNull {
			out[i] = c.Value
		} else {
			out[i] = v
		}
	}
	return out
}

func applyMissingPolicy(cond CompiledCondition) (bool, error) {
	switch cond.OnMissing {
	case OnMissingMatch:
		return true, nil
	case OnMissingFail:
		return false, fmt.Errorf("%w: %s", types.ErrFieldNotFound, cond.Source)
	default:
		return false, nil
	}
}

func applyCoercionPolicy(cond CompiledCondition, value any) (bool, error) {
	switch cond.OnCoercion {
	case OnCoercionMatch:
		return true, nil
	case OnCoercionError:
		return false, fmt.Errorf("%w: %s value %v", types.ErrCoercionFailed, cond.Source, value)
	default:
		return false, nil
	}
}
