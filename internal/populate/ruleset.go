package populate

import (
	"context"
	"fmt"

	"github.com/solatis/populator/internal/types"
)

// step is a rule bound to one phase's method pair.
type step struct {
	rule    Rule
	qualify QualifyFunc
	apply   ApplyFunc
}

// RuleSet is an ordered list of rules per phase plus the ContextSpec its
// batches are given. It holds no batch state and is reused across runs.
type RuleSet struct {
	name   string
	spec   *ContextSpec
	create []step
	update []step
}

// NewRuleSet partitions rules by the phase interfaces they implement,
// preserving order. spec may be nil when no rule reads auxiliary data.
//
// Returns an error wrapping types.ErrConfiguration when a rule implements no
// phase, rule IDs repeat, or a KeyUser needs a key spec does not register.
func NewRuleSet(name string, spec *ContextSpec, rules ...Rule) (*RuleSet, error) {
	rs := &RuleSet{name: name, spec: spec}
	seen := make(map[types.RuleID]bool, len(rules))

	for i, r := range rules {
		if r == nil {
			return nil, fmt.Errorf("%w: rule set %q: nil rule at position %d", types.ErrConfiguration, name, i)
		}
		if seen[r.ID()] {
			return nil, fmt.Errorf("%w: rule set %q: duplicate rule id %q", types.ErrConfiguration, name, r.ID())
		}
		seen[r.ID()] = true

		if ku, ok := r.(KeyUser); ok {
			for _, key := range ku.Needs() {
				if !spec.Has(key) {
					return nil, fmt.Errorf("%w: rule %q needs %q, rule set %q", types.ErrUnknownDataKey, r.ID(), key, name)
				}
			}
		}

		bound := false
		if cr, ok := r.(CreateRule); ok && supports(r, types.PhaseCreate) {
			rs.create = append(rs.create, createStep(cr))
			bound = true
		}
		if ur, ok := r.(UpdateRule); ok && supports(r, types.PhaseUpdate) {
			rs.update = append(rs.update, updateStep(ur))
			bound = true
		}
		if !bound {
			return nil, fmt.Errorf("%w: rule %q in rule set %q implements no phase", types.ErrConfiguration, r.ID(), name)
		}
	}

	return rs, nil
}

func supports(r Rule, phase types.Phase) bool {
	if pf, ok := r.(PhaseFilter); ok {
		return pf.Supports(phase)
	}
	return true
}

func createStep(r CreateRule) step {
	return step{
		rule: r,
		qualify: func(ctx context.Context, rec, _ *types.Record, dc DataContext) (bool, error) {
			return r.QualifiesCreate(ctx, rec, dc)
		},
		apply: func(ctx context.Context, rec, _ *types.Record, dc DataContext) error {
			return r.ApplyCreate(ctx, rec, dc)
		},
	}
}

func updateStep(r UpdateRule) step {
	return step{
		rule:    r,
		qualify: r.QualifiesUpdate,
		apply:   r.ApplyUpdate,
	}
}

// Name returns the rule set name.
func (rs *RuleSet) Name() string {
	return rs.name
}

// ContextSpec returns the spec batches of this rule set are given, or nil.
func (rs *RuleSet) ContextSpec() *ContextSpec {
	return rs.spec
}

// RulesFor returns the rules run in phase, in execution order.
func (rs *RuleSet) RulesFor(phase types.Phase) []Rule {
	steps := rs.steps(phase)
	out := make([]Rule, len(steps))
	for i, st := range steps {
		out[i] = st.rule
	}
	return out
}

func (rs *RuleSet) steps(phase types.Phase) []step {
	switch phase {
	case types.PhaseCreate:
		return rs.create
	case types.PhaseUpdate:
		return rs.update
	default:
		return nil
	}
}
