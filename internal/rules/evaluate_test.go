// internal/rules/evaluate_test.go
package rules

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/solatis/populator/internal/populate"
	"github.com/solatis/populator/internal/types"
)

func mustCompile(t *testing.T, def types.PopulatorDef) *Populator {
	t.Helper()
	if len(def.Phases) == 0 {
		def.Phases = []types.Phase{types.PhaseCreate}
	}
	if def.ID == "" {
		def.ID = "test"
	}
	if def.Set.Field == "" {
		def.Set = types.Assignment{Field: "out", Value: true}
	}
	p, err := Compile(def)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return p
}

func when(conds ...types.Condition) []types.OrGroup {
	return []types.OrGroup{{All: conds}}
}

func record(t *testing.T, data string) *types.Record {
	return &types.Record{ID: "r1", Type: "account", Fields: decode(t, data)}
}

func TestQualifies_Conditions(t *testing.T) {
	tests := []struct {
		name    string
		when    []types.OrGroup
		data    string
		want    bool
		wantErr error
	}{
		{
			name: "no conditions always qualifies",
			data: `{}`,
			want: true,
		},
		{
			name: "eq text",
			when: when(types.Condition{Field: "status", Op: "eq", Type: "text", Value: "active"}),
			data: `{"status": "active"}`,
			want: true,
		},
		{
			name: "AND group short-circuits on first miss",
			when: when(
				types.Condition{Field: "status", Op: "eq", Value: "active"},
				types.Condition{Field: "priority", Op: "gt", Type: "numeric", Value: 5},
			),
			data: `{"status": "active", "priority": 3}`,
			want: false,
		},
		{
			name: "OR of groups",
			when: []types.OrGroup{
				{All: []types.Condition{{Field: "status", Op: "eq", Value: "active"}}},
				{All: []types.Condition{{Field: "priority", Op: "gt", Type: "numeric", Value: 5}}},
			},
			data: `{"status": "closed", "priority": 9}`,
			want: true,
		},
		{
			name: "numeric coercion of string field",
			when: when(types.Condition{Field: "amount", Op: "gte", Type: "numeric", Value: "100"}),
			data: `{"amount": "150.5"}`,
			want: true,
		},
		{
			name: "in with coerced values",
			when: when(types.Condition{Field: "tier", Op: "in", Type: "numeric", Values: []any{"1", "2"}}),
			data: `{"tier": 2}`,
			want: true,
		},
		{
			name: "wildcard resolves the first match",
			when: when(types.Condition{Field: "lines[*].sku", Op: "prefix", Value: "GIFT-"}),
			data: `{"lines": [{"sku": "A-1"}, {"sku": "GIFT-9"}]}`,
			want: false,
		},
		{
			name: "field_ref comparison",
			when: when(types.Condition{Field: "amount", Op: "lte", Type: "numeric", FieldRef: "limit"}),
			data: `{"amount": 50, "limit": 100}`,
			want: true,
		},
		{
			name: "exists on missing",
			when: when(types.Condition{Field: "parent_id", Op: "exists"}),
			data: `{}`,
			want: false,
		},
		{
			name: "exists on null",
			when: when(types.Condition{Field: "parent_id", Op: "exists"}),
			data: `{"parent_id": null}`,
			want: false,
		},
		{
			name: "is_null on missing",
			when: when(types.Condition{Field: "parent_id", Op: "is_null"}),
			data: `{}`,
			want: true,
		},
		{
			name: "missing skip",
			when: when(types.Condition{Field: "status", Op: "eq", Value: "x"}),
			data: `{}`,
			want: false,
		},
		{
			name: "missing match",
			when: when(types.Condition{Field: "status", Op: "eq", Value: "x", OnMissing: "match"}),
			data: `{}`,
			want: true,
		},
		{
			name:    "missing fail",
			when:    when(types.Condition{Field: "status", Op: "eq", Value: "x", OnMissing: "fail"}),
			data:    `{"status": null}`,
			wantErr: types.ErrFieldNotFound,
		},
		{
			name: "coercion skip",
			when: when(types.Condition{Field: "amount", Op: "gt", Type: "numeric", Value: 5}),
			data: `{"amount": "lots"}`,
			want: false,
		},
		{
			name: "coercion match",
			when: when(types.Condition{Field: "amount", Op: "gt", Type: "numeric", Value: 5, OnCoercionFail: "match"}),
			data: `{"amount": "lots"}`,
			want: true,
		},
		{
			name:    "coercion error",
			when:    when(types.Condition{Field: "amount", Op: "gt", Type: "numeric", Value: 5, OnCoercionFail: "error"}),
			data:    `{"amount": "lots"}`,
			wantErr: types.ErrCoercionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustCompile(t, types.PopulatorDef{When: tt.when})
			got, err := p.QualifiesCreate(context.Background(), record(t, tt.data), nil)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("QualifiesCreate() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("QualifiesCreate() error = %v, want nil", err)
			}
			if got != tt.want {
				t.Errorf("QualifiesCreate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQualifies_Changed(t *testing.T) {
	p := mustCompile(t, types.PopulatorDef{
		Phases: []types.Phase{types.PhaseUpdate},
		When:   when(types.Condition{Field: "status", Op: "changed"}),
	})

	tests := []struct {
		name  string
		new   string
		prior string
		want  bool
	}{
		{"unchanged", `{"status": "open"}`, `{"status": "open"}`, false},
		{"changed", `{"status": "closed"}`, `{"status": "open"}`, true},
		{"added", `{"status": "open"}`, `{}`, true},
		{"removed", `{}`, `{"status": "open"}`, true},
		{"absent on both", `{}`, `{}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.QualifiesUpdate(context.Background(), record(t, tt.new), record(t, tt.prior), nil)
			if err != nil {
				t.Fatalf("QualifiesUpdate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("QualifiesUpdate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQualifies_Guard(t *testing.T) {
	p := mustCompile(t, types.PopulatorDef{
		Phases: []types.Phase{types.PhaseCreate, types.PhaseUpdate},
		When:   when(types.Condition{Field: "amount", Op: "exists"}),
		Guard:  `record.amount > 100.0 && phase == "update"`,
	})
	ctx := context.Background()

	big := record(t, `{"amount": 250}`)
	if ok, err := p.QualifiesUpdate(ctx, big, record(t, `{}`), nil); err != nil || !ok {
		t.Errorf("QualifiesUpdate(big) = %v, %v; want true", ok, err)
	}
	if ok, err := p.QualifiesCreate(ctx, big, nil); err != nil || ok {
		t.Errorf("QualifiesCreate(big) = %v, %v; want false (phase guard)", ok, err)
	}
	if ok, err := p.QualifiesUpdate(ctx, record(t, `{"amount": 5}`), record(t, `{}`), nil); err != nil || ok {
		t.Errorf("QualifiesUpdate(small) = %v, %v; want false", ok, err)
	}

	nonBool := mustCompile(t, types.PopulatorDef{Guard: `"yes"`})
	if _, err := nonBool.QualifiesCreate(ctx, big, nil); err == nil {
		t.Error("non-boolean guard should fail")
	}
}

func staticContext(data populate.Dataset) populate.DataContext {
	spec := populate.NewContextSpec("test", map[types.DataKey]populate.DataProvider{
		"parent": populate.ProviderFunc(func(ctx context.Context, b types.Batch) (populate.Dataset, error) {
			return data, nil
		}),
	})
	return spec.New(types.Batch{})
}

func TestApply_Sources(t *testing.T) {
	parents := populate.Dataset{
		"p1":  types.Fields{"name": "Acme", "tier": "gold"},
		"123": types.Fields{"name": "Numeric Parent"},
	}

	tests := []struct {
		name    string
		set     types.Assignment
		phase   types.Phase
		data    string
		prior   string
		path    string
		want    any
		wantErr error
	}{
		{
			name: "literal into nested target",
			set:  types.Assignment{Field: "billing.currency", Value: "EUR"},
			data: `{}`,
			path: "billing.currency",
			want: "EUR",
		},
		{
			name: "copy field",
			set:  types.Assignment{Field: "shipping_city", From: "billing.city"},
			data: `{"billing": {"city": "Oslo"}}`,
			path: "shipping_city",
			want: "Oslo",
		},
		{
			name: "copy missing field uses default",
			set:  types.Assignment{Field: "shipping_city", From: "billing.city", Default: "unknown"},
			data: `{}`,
			path: "shipping_city",
			want: "unknown",
		},
		{
			name:    "copy missing field without default",
			set:     types.Assignment{Field: "shipping_city", From: "billing.city"},
			data:    `{}`,
			wantErr: types.ErrFieldNotFound,
		},
		{
			name: "dataset attribute",
			set:  types.Assignment{Field: "parent_name", Dataset: "parent", Key: "parent_id", Attribute: "name"},
			data: `{"parent_id": "p1"}`,
			path: "parent_name",
			want: "Acme",
		},
		{
			name: "dataset numeric key",
			set:  types.Assignment{Field: "parent_name", Dataset: "parent", Key: "parent_id", Attribute: "name"},
			data: `{"parent_id": 123}`,
			path: "parent_name",
			want: "Numeric Parent",
		},
		{
			name: "dataset whole entry",
			set:  types.Assignment{Field: "parent", Dataset: "parent", Key: "parent_id"},
			data: `{"parent_id": "p1"}`,
			path: "parent.tier",
			want: "gold",
		},
		{
			name: "dataset missing entry uses default",
			set:  types.Assignment{Field: "parent_name", Dataset: "parent", Key: "parent_id", Attribute: "name", Default: "n/a"},
			data: `{"parent_id": "p9"}`,
			path: "parent_name",
			want: "n/a",
		},
		{
			name:    "dataset missing entry without default",
			set:     types.Assignment{Field: "parent_name", Dataset: "parent", Key: "parent_id", Attribute: "name"},
			data:    `{"parent_id": "p9"}`,
			wantErr: types.ErrFieldNotFound,
		},
		{
			name: "expression string concat",
			set:  types.Assignment{Field: "full_name", Expr: `record.first + " " + record.last`},
			data: `{"first": "Ada", "last": "Lovelace"}`,
			path: "full_name",
			want: "Ada Lovelace",
		},
		{
			name: "expression returns int",
			set:  types.Assignment{Field: "tag_count", Expr: `size(record.tags)`},
			data: `{"tags": ["a", "b"]}`,
			path: "tag_count",
			want: int64(2),
		},
		{
			name: "expression returns list",
			set:  types.Assignment{Field: "ids", Expr: `[1, 2]`},
			data: `{}`,
			path: "ids",
			want: []any{int64(1), int64(2)},
		},
		{
			name:  "expression reads prior",
			set:   types.Assignment{Field: "previous_status", Expr: `prior.status`},
			phase: types.PhaseUpdate,
			data:  `{"status": "closed"}`,
			prior: `{"status": "open"}`,
			path:  "previous_status",
			want:  "open",
		},
		{
			name:    "expression runtime error",
			set:     types.Assignment{Field: "x", Expr: `record.missing`},
			data:    `{}`,
			wantErr: errAny,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			phase := tt.phase
			if phase == "" {
				phase = types.PhaseCreate
			}
			p := mustCompile(t, types.PopulatorDef{Phases: []types.Phase{phase}, Set: tt.set})
			rec := record(t, tt.data)
			dc := staticContext(parents)

			var err error
			if phase == types.PhaseUpdate {
				err = p.ApplyUpdate(context.Background(), rec, record(t, tt.prior), dc)
			} else {
				err = p.ApplyCreate(context.Background(), rec, dc)
			}

			if tt.wantErr != nil {
				if err == nil || (tt.wantErr != errAny && !errors.Is(err, tt.wantErr)) {
					t.Fatalf("Apply() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Apply() error = %v, want nil", err)
			}

			path, _ := ParsePath(tt.path)
			got, err := Resolve(path, rec.Fields)
			if err != nil {
				t.Fatalf("Resolve(%s) error = %v; fields = %v", tt.path, err, rec.Fields)
			}
			if !reflect.DeepEqual(got.Value, tt.want) {
				t.Errorf("%s = %#v, want %#v", tt.path, got.Value, tt.want)
			}
		})
	}
}

var errAny = errors.New("any error")

func TestApply_DatasetEntryIsCopied(t *testing.T) {
	entry := types.Fields{"name": "Acme"}
	p := mustCompile(t, types.PopulatorDef{Set: types.Assignment{Field: "parent", Dataset: "parent", Key: "parent_id"}})
	rec := &types.Record{Fields: types.Fields{"parent_id": "p1"}}

	if err := p.ApplyCreate(context.Background(), rec, staticContext(populate.Dataset{"p1": entry})); err != nil {
		t.Fatalf("ApplyCreate() error = %v", err)
	}
	rec.Fields["parent"].(map[string]any)["name"] = "changed"
	if entry["name"] != "Acme" {
		t.Error("mutating the populated value changed the shared dataset entry")
	}
}

func TestApply_ProviderErrorPropagates(t *testing.T) {
	spec := populate.NewContextSpec("test", map[types.DataKey]populate.DataProvider{
		"parent": populate.ProviderFunc(func(ctx context.Context, b types.Batch) (populate.Dataset, error) {
			return nil, errors.New("db down")
		}),
	})
	p := mustCompile(t, types.PopulatorDef{Set: types.Assignment{Field: "x", Dataset: "parent", Key: "parent_id"}})

	err := p.ApplyCreate(context.Background(), &types.Record{Fields: types.Fields{"parent_id": "p1"}}, spec.New(types.Batch{}))
	var perr *types.ProviderError
	if !errors.As(err, &perr) {
		t.Errorf("ApplyCreate() error = %v, want *ProviderError", err)
	}
}

// Populators run through the engine: literal defaults, a dataset lookup and a
// changed-gated expression.
func TestEngine_DeclarativeRuleSet(t *testing.T) {
	var fetches int
	spec := populate.NewContextSpec("account", map[types.DataKey]populate.DataProvider{
		"parent": populate.ProviderFunc(func(ctx context.Context, b types.Batch) (populate.Dataset, error) {
			fetches++
			return populate.Dataset{"p1": types.Fields{"name": "Acme"}}, nil
		}),
	})
	defs := []types.PopulatorDef{
		{
			ID:     "default-status",
			Phases: []types.Phase{types.PhaseCreate},
			When:   when(types.Condition{Field: "status", Op: "is_null"}),
			Set:    types.Assignment{Field: "status", Value: "new"},
		},
		{
			ID:     "parent-name",
			Phases: []types.Phase{types.PhaseCreate, types.PhaseUpdate},
			When:   when(types.Condition{Field: "parent_id", Op: "exists"}),
			Set:    types.Assignment{Field: "parent_name", Dataset: "parent", Key: "parent_id", Attribute: "name"},
		},
		{
			ID:     "status-note",
			Phases: []types.Phase{types.PhaseUpdate},
			When:   when(types.Condition{Field: "status", Op: "changed"}),
			Set:    types.Assignment{Field: "note", Expr: `prior.status + " -> " + record.status`},
		},
	}
	rs, err := BuildRuleSet("account", spec, defs)
	if err != nil {
		t.Fatalf("BuildRuleSet() error = %v", err)
	}
	engine := populate.NewEngine()

	created := types.Batch{New: []*types.Record{
		{ID: "a", Fields: types.Fields{"parent_id": "p1"}},
		{ID: "b", Fields: types.Fields{"status": "open"}},
	}}
	reports, err := engine.Run(context.Background(), types.PhaseCreate, created, rs)
	if err != nil || len(reports) != 0 {
		t.Fatalf("Run(create) = %v, %v", reports, err)
	}
	if created.New[0].Fields["status"] != "new" || created.New[0].Fields["parent_name"] != "Acme" {
		t.Errorf("record a = %v", created.New[0].Fields)
	}
	if created.New[1].Fields["status"] != "open" {
		t.Errorf("record b status overwritten: %v", created.New[1].Fields)
	}

	updated := types.Batch{
		New:   []*types.Record{{ID: "a", Fields: types.Fields{"status": "closed"}}, {ID: "b", Fields: types.Fields{"status": "open"}}},
		Prior: []*types.Record{{ID: "a", Fields: types.Fields{"status": "open"}}, {ID: "b", Fields: types.Fields{"status": "open"}}},
	}
	reports, err = engine.Run(context.Background(), types.PhaseUpdate, updated, rs)
	if err != nil || len(reports) != 0 {
		t.Fatalf("Run(update) = %v, %v", reports, err)
	}
	if updated.New[0].Fields["note"] != "open -> closed" {
		t.Errorf("record a note = %v, want open -> closed", updated.New[0].Fields["note"])
	}
	if _, ok := updated.New[1].Fields["note"]; ok {
		t.Error("unchanged record got a note")
	}
	if fetches != 1 {
		t.Errorf("parent fetched %d times across two batches, want 1 (update batch never asked)", fetches)
	}
}
