// internal/rules/compile.go
package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/solatis/populator/internal/types"
)

/*
 * Populator compilation and validation.
 *
 * Compiles types.PopulatorDef into a Populator with parsed paths, cost-ordered
 * conditions, a compiled guard and a compiled assignment.
 *
 * Compilation workflow:
 *   1. Normalise phases (aliases such as "insert" are accepted)
 *   2. Parse and limit-check condition paths, IN lists, field_ref paths
 *   3. Reject "changed" in populators that run on create
 *   4. Order conditions by ascending cost (stable sort for determinism)
 *   5. Compile the guard and the assignment source
 *
 * Errors surface when a catalog is loaded, never while a batch runs.
 */

// OnMissingField policy for missing or null fields.
type OnMissingField int

const (
	OnMissingSkip OnMissingField = iota
	OnMissingMatch
	OnMissingFail
)

// OnCoercionPolicy specifies behavior when type coercion fails.
type OnCoercionPolicy int

const (
	OnCoercionSkip OnCoercionPolicy = iota
	OnCoercionMatch
	OnCoercionError
)

// CompiledCondition is a pre-processed condition ready for evaluation.
type CompiledCondition struct {
	Source     string // original field path, for error messages
	Path       []types.PathSegment
	Operator   Operator
	FieldType  FieldType
	Value      any                 // comparison value (nil for exists/is_null/changed)
	Values     []any               // for IN operator
	FieldRef   []types.PathSegment // cross-field comparison (mutually exclusive with Value)
	OnMissing  OnMissingField
	OnCoercion OnCoercionPolicy
	Cost       int
}

// CompiledOrGroup is a pre-processed AND group.
type CompiledOrGroup struct {
	Conditions []CompiledCondition // ordered by ascending cost
}

// Populator is a compiled declarative rule. It implements populate.CreateRule
// and populate.UpdateRule and restricts itself to its declared phases.
type Populator struct {
	id       types.RuleID
	name     string
	phases   []types.Phase
	orGroups []CompiledOrGroup
	guard    *expression
	assign   compiledAssignment
}

// Compile validates and pre-processes a populator definition.
func Compile(def types.PopulatorDef) (*Populator, error) {
	if strings.TrimSpace(string(def.ID)) == "" {
		return nil, fmt.Errorf("%w: id is required", types.ErrInvalidPopulator)
	}

	p := &Populator{
		id:       def.ID,
		name:     def.Name,
		orGroups: make([]CompiledOrGroup, 0, len(def.When)),
	}
	if p.name == "" {
		p.name = string(def.ID)
	}

	phases, err := normalisePhases(def.Phases)
	if err != nil {
		return nil, fmt.Errorf("populator %s: %w", def.ID, err)
	}
	p.phases = phases

	for _, group := range def.When {
		compiledGroup := CompiledOrGroup{
			Conditions: make([]CompiledCondition, 0, len(group.All)),
		}
		for _, cond := range group.All {
			cc, err := compileCondition(cond)
			if err != nil {
				return nil, fmt.Errorf("populator %s: condition on %q: %w", def.ID, cond.Field, err)
			}
			if cc.Operator == OpChanged && p.Supports(types.PhaseCreate) {
				return nil, fmt.Errorf("populator %s: %w: changed is only valid in the update phase", def.ID, types.ErrInvalidOperator)
			}
			compiledGroup.Conditions = append(compiledGroup.Conditions, cc)
		}

		// Stable sort: equal-cost conditions keep their configured order
		sort.SliceStable(compiledGroup.Conditions, func(i, j int) bool {
			return compiledGroup.Conditions[i].Cost < compiledGroup.Conditions[j].Cost
		})
		p.orGroups = append(p.orGroups, compiledGroup)
	}

	if def.Guard != "" {
		if p.guard, err = compileExpression(def.Guard); err != nil {
			return nil, fmt.Errorf("populator %s: guard: %w", def.ID, err)
		}
	}

	if p.assign, err = compileAssignment(def.Set); err != nil {
		return nil, fmt.Errorf("populator %s: %w", def.ID, err)
	}

	return p, nil
}

func normalisePhases(in []types.Phase) ([]types.Phase, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: at least one phase is required", types.ErrInvalidPopulator)
	}
	var out []types.Phase
	seen := make(map[types.Phase]bool, 2)
	for _, raw := range in {
		phase, err := types.ParsePhase(string(raw))
		if err != nil {
			return nil, err
		}
		if !seen[phase] {
			seen[phase] = true
			out = append(out, phase)
		}
	}
	return out, nil
}

// compileCondition enforces path depth, wildcard and IN limits and computes
// the condition cost. field_ref paths may not contain wildcards: resolving
// both sides with wildcards would compare N*M candidates.
func compileCondition(cond types.Condition) (CompiledCondition, error) {
	path, err := ParsePath(cond.Field)
	if err != nil {
		return CompiledCondition{}, err
	}

	op, err := ParseOperator(cond.Op)
	if err != nil {
		return CompiledCondition{}, err
	}
	ft, err := ParseFieldType(cond.Type)
	if err != nil {
		return CompiledCondition{}, err
	}

	var fieldRef []types.PathSegment
	if cond.FieldRef != "" {
		if fieldRef, err = ParsePath(cond.FieldRef); err != nil {
			return CompiledCondition{}, err
		}
		if countWildcards(fieldRef) > 0 {
			return CompiledCondition{}, types.ErrWildcardInTarget
		}
	}

	if op == OpIn {
		if len(cond.Values) > types.MaxInOperatorValues {
			return CompiledCondition{}, types.ErrTooManyInValues
		}
		if len(cond.Values) == 0 {
			return CompiledCondition{}, fmt.Errorf("%w: in requires values", types.ErrInvalidOperator)
		}
	}

	onMissing, err := parseOnMissing(cond.OnMissing)
	if err != nil {
		return CompiledCondition{}, err
	}
	onCoercion, err := parseOnCoercion(cond.OnCoercionFail)
	if err != nil {
		return CompiledCondition{}, err
	}

	return CompiledCondition{
		Source:     cond.Field,
		Path:       path,
		Operator:   op,
		FieldType:  ft,
		Value:      cond.Value,
		Values:     cond.Values,
		FieldRef:   fieldRef,
		OnMissing:  onMissing,
		OnCoercion: onCoercion,
		Cost:       CalculateConditionCost(path, op, ft),
	}, nil
}

func parseOnMissing(s string) (OnMissingField, error) {
	switch strings.ToLower(s) {
	case "", "skip":
		return OnMissingSkip, nil
	case "match":
		return OnMissingMatch, nil
	case "fail":
		return OnMissingFail, nil
	default:
		return OnMissingSkip, fmt.Errorf("%w: on_missing %q", types.ErrInvalidPopulator, s)
	}
}

func parseOnCoercion(s string) (OnCoercionPolicy, error) {
	switch strings.ToLower(s) {
	case "", "skip":
		return OnCoercionSkip, nil
	case "match":
		return OnCoercionMatch, nil
	case "error":
		return OnCoercionError, nil
	default:
		return OnCoercionSkip, fmt.Errorf("%w: on_coercion_fail %q", types.ErrInvalidPopulator, s)
	}
}
