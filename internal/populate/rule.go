// Package populate runs ordered populator rules over record batches.
//
// A RuleSet holds the rules for a record type, split by lifecycle phase, and
// an optional ContextSpec describing the auxiliary datasets its rules may
// read. Engine.Run builds one DataContext per batch, walks every record
// through the phase's rules in order (qualify, then apply), isolates rule
// failures into FailureReports and keeps going. Configuration errors abort
// the batch.
//
// Invariants:
//   - Each dataset is fetched at most once per batch, and only if a rule asks.
//   - Apply runs only after Qualify returned true for the same record and rule.
//   - For a fixed record, rules observe mutations of earlier rules.
package populate

import (
	"context"

	"github.com/solatis/populator/internal/types"
)

// Rule identifies a populator. Concrete rules implement CreateRule,
// UpdateRule or both; the phase methods are what the engine calls.
type Rule interface {
	ID() types.RuleID
	Name() string
}

// CreateRule populates records of a create batch.
// QualifiesCreate must not mutate rec.
type CreateRule interface {
	Rule
	QualifiesCreate(ctx context.Context, rec *types.Record, dc DataContext) (bool, error)
	ApplyCreate(ctx context.Context, rec *types.Record, dc DataContext) error
}

// UpdateRule populates records of an update batch. prior is the stored state
// of rec before the update and must be treated as read-only.
type UpdateRule interface {
	Rule
	QualifiesUpdate(ctx context.Context, rec, prior *types.Record, dc DataContext) (bool, error)
	ApplyUpdate(ctx context.Context, rec, prior *types.Record, dc DataContext) error
}

// PhaseFilter is implemented by rules that implement both phase interfaces
// but are configured for a subset of phases.
type PhaseFilter interface {
	Supports(phase types.Phase) bool
}

// KeyUser is implemented by rules that declare the datasets they read.
// NewRuleSet rejects a rule whose keys its ContextSpec does not register.
type KeyUser interface {
	Needs() []types.DataKey
}

// QualifyFunc and ApplyFunc are the phase-agnostic shapes used by FuncRule.
// prior is nil in the create phase.
type (
	QualifyFunc func(ctx context.Context, rec, prior *types.Record, dc DataContext) (bool, error)
	ApplyFunc   func(ctx context.Context, rec, prior *types.Record, dc DataContext) error
)

// FuncRule adapts plain functions to the rule interfaces. A nil Qualify
// always qualifies. Phases selects which phase interfaces the rule
// advertises; NewRuleSet only consults the ones listed.
type FuncRule struct {
	RuleID   types.RuleID
	RuleName string
	Phases   []types.Phase
	Keys     []types.DataKey
	Qualify  QualifyFunc
	Apply    ApplyFunc
}

func (r *FuncRule) ID() types.RuleID { return r.RuleID }

func (r *FuncRule) Name() string { return r.RuleName }

func (r *FuncRule) Needs() []types.DataKey { return r.Keys }

// Supports reports whether phase is listed in Phases.
func (r *FuncRule) Supports(phase types.Phase) bool {
	for _, p := range r.Phases {
		if p == phase {
			return true
		}
	}
	return false
}

func (r *FuncRule) qualify(ctx context.Context, rec, prior *types.Record, dc DataContext) (bool, error) {
	if r.Qualify == nil {
		return true, nil
	}
	return r.Qualify(ctx, rec, prior, dc)
}

func (r *FuncRule) apply(ctx context.Context, rec, prior *types.Record, dc DataContext) error {
	if r.Apply == nil {
		return nil
	}
	return r.Apply(ctx, rec, prior, dc)
}

func (r *FuncRule) QualifiesCreate(ctx context.Context, rec *types.Record, dc DataContext) (bool, error) {
	return r.qualify(ctx, rec, nil, dc)
}

func (r *FuncRule) ApplyCreate(ctx context.Context, rec *types.Record, dc DataContext) error {
	return r.apply(ctx, rec, nil, dc)
}

func (r *FuncRule) QualifiesUpdate(ctx context.Context, rec, prior *types.Record, dc DataContext) (bool, error) {
	return r.qualify(ctx, rec, prior, dc)
}

func (r *FuncRule) ApplyUpdate(ctx context.Context, rec, prior *types.Record, dc DataContext) error {
	return r.apply(ctx, rec, prior, dc)
}
