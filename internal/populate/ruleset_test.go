// internal/populate/ruleset_test.go
package populate

import (
	"context"
	"errors"
	"testing"

	"github.com/solatis/populator/internal/types"
)

// createOnly implements CreateRule without PhaseFilter.
type createOnly struct{ id types.RuleID }

func (r createOnly) ID() types.RuleID { return r.id }

func (r createOnly) Name() string { return string(r.id) }

func (r createOnly) QualifiesCreate(ctx context.Context, rec *types.Record, dc DataContext) (bool, error) {
	return true, nil
}

func (r createOnly) ApplyCreate(ctx context.Context, rec *types.Record, dc DataContext) error {
	rec.Set(string(r.id), true)
	return nil
}

// nameOnly implements neither phase.
type nameOnly struct{}

func (nameOnly) ID() types.RuleID { return "name-only" }

func (nameOnly) Name() string { return "name-only" }

func both(id types.RuleID) *FuncRule {
	return &FuncRule{RuleID: id, RuleName: string(id), Phases: []types.Phase{types.PhaseCreate, types.PhaseUpdate}}
}

func TestNewRuleSet_PartitionsByPhase(t *testing.T) {
	updateOnly := &FuncRule{RuleID: "u", Phases: []types.Phase{types.PhaseUpdate}}
	rs, err := NewRuleSet("account", nil, createOnly{id: "c"}, both("b"), updateOnly)
	if err != nil {
		t.Fatalf("NewRuleSet() error = %v, want nil", err)
	}

	tests := []struct {
		phase types.Phase
		want  []types.RuleID
	}{
		{types.PhaseCreate, []types.RuleID{"c", "b"}},
		{types.PhaseUpdate, []types.RuleID{"b", "u"}},
		{types.Phase("delete"), nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			got := rs.RulesFor(tt.phase)
			if len(got) != len(tt.want) {
				t.Fatalf("RulesFor(%s) = %d rules, want %d", tt.phase, len(got), len(tt.want))
			}
			for i, r := range got {
				if r.ID() != tt.want[i] {
					t.Errorf("RulesFor(%s)[%d] = %s, want %s", tt.phase, i, r.ID(), tt.want[i])
				}
			}
		})
	}

	if rs.Name() != "account" {
		t.Errorf("Name() = %q, want account", rs.Name())
	}
}

func TestNewRuleSet_Errors(t *testing.T) {
	spec := NewContextSpec("s", map[types.DataKey]DataProvider{"parent": ProviderFunc(nil)})

	tests := []struct {
		name    string
		rules   []Rule
		wantErr error
	}{
		{"duplicate id", []Rule{both("a"), both("a")}, types.ErrConfiguration},
		{"no phase", []Rule{nameOnly{}}, types.ErrConfiguration},
		{"phases filtered out", []Rule{&FuncRule{RuleID: "x"}}, types.ErrConfiguration},
		{"nil rule", []Rule{nil}, types.ErrConfiguration},
		{"unknown key", []Rule{&FuncRule{RuleID: "k", Phases: []types.Phase{types.PhaseCreate}, Keys: []types.DataKey{"children"}}}, types.ErrUnknownDataKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRuleSet("account", spec, tt.rules...)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("NewRuleSet() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewRuleSet_KnownKey(t *testing.T) {
	spec := NewContextSpec("s", map[types.DataKey]DataProvider{"parent": ProviderFunc(nil)})
	r := &FuncRule{RuleID: "k", Phases: []types.Phase{types.PhaseCreate}, Keys: []types.DataKey{"parent"}}

	rs, err := NewRuleSet("account", spec, r)
	if err != nil {
		t.Fatalf("NewRuleSet() error = %v, want nil", err)
	}
	if rs.ContextSpec() != spec {
		t.Error("ContextSpec() did not return the registered spec")
	}
}
