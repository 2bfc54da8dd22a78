package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solatis/populator/internal/datasets"
	"github.com/solatis/populator/internal/populate"
	"github.com/solatis/populator/internal/types"
)

const catalogYAML = `
rule_sets:
  - record_type: account
    datasets:
      - key: regions
        kind: static
        entries:
          NO: {name: Norway, currency: NOK}
          SE: {name: Sweden, currency: SEK}
    populators:
      - id: default-status
        phases: [insert]
        when:
          - all:
              - {field: status, op: is_null}
        set: {field: status, value: new}
      - id: currency
        phases: [create, update]
        when:
          - all:
              - {field: country, op: exists}
        set: {field: currency, dataset: regions, key: country, attribute: currency, default: EUR}
  - record_type: invoice
    populators:
      - id: total
        phases: [update]
        set: {field: total, expr: "record.net * 1.25"}
`

func emptyRuleSet(t *testing.T, name string) *populate.RuleSet {
	t.Helper()
	rs, err := populate.NewRuleSet(name, nil)
	require.NoError(t, err)
	return rs
}

func TestRegistry_RegisterLookup(t *testing.T) {
	reg := New()
	rs := emptyRuleSet(t, "account")

	require.NoError(t, reg.Register("account", types.PhaseCreate, rs))
	got, err := reg.Lookup("account", types.PhaseCreate)
	require.NoError(t, err)
	assert.Same(t, rs, got)

	_, err = reg.Lookup("account", types.PhaseUpdate)
	assert.ErrorIs(t, err, types.ErrUnknownRuleSet)
	assert.ErrorIs(t, err, types.ErrConfiguration)

	err = reg.Register("account", types.PhaseCreate, rs)
	assert.ErrorIs(t, err, types.ErrDuplicateRuleSet)

	assert.ErrorIs(t, reg.Register("account", "delete", rs), types.ErrUnknownPhase)
	assert.ErrorIs(t, reg.Register("", types.PhaseCreate, rs), types.ErrConfiguration)
	assert.ErrorIs(t, reg.Register("account", types.PhaseUpdate, nil), types.ErrConfiguration)
}

func TestRegistry_KeysSorted(t *testing.T) {
	reg := New()
	rs := emptyRuleSet(t, "x")
	require.NoError(t, reg.Register("order", types.PhaseUpdate, rs))
	require.NoError(t, reg.Register("account", types.PhaseUpdate, rs))
	require.NoError(t, reg.Register("account", types.PhaseCreate, rs))

	assert.Equal(t, []Key{
		{RecordType: "account", Phase: types.PhaseCreate},
		{RecordType: "account", Phase: types.PhaseUpdate},
		{RecordType: "order", Phase: types.PhaseUpdate},
	}, reg.Keys())
	assert.Equal(t, "order/update", reg.Keys()[2].String())
}

func TestParseCatalog(t *testing.T) {
	cat, err := ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)
	require.Len(t, cat.RuleSets, 2)

	account := cat.RuleSets[0]
	assert.Equal(t, "account", account.RecordType)
	assert.Equal(t, types.DataKey("regions"), account.Datasets[0].Key)
	assert.Equal(t, "EUR", account.Populators[1].Set.Default)
	assert.Equal(t, "is_null", account.Populators[0].When[0].All[0].Op)

	_, err = ParseCatalog([]byte("rule_sets:\n  - record_type: a\n    populatorz: []\n"))
	assert.ErrorIs(t, err, types.ErrConfiguration)

	empty, err := ParseCatalog(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.RuleSets)
}

func TestBuild(t *testing.T) {
	cat, err := ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)

	reg, err := Build(cat, datasets.Factory{})
	require.NoError(t, err)
	assert.Equal(t, []Key{
		{RecordType: "account", Phase: types.PhaseCreate},
		{RecordType: "account", Phase: types.PhaseUpdate},
		{RecordType: "invoice", Phase: types.PhaseUpdate},
	}, reg.Keys())

	_, err = reg.Lookup("invoice", types.PhaseCreate)
	assert.ErrorIs(t, err, types.ErrUnknownRuleSet)

	rs, err := reg.Lookup("account", types.PhaseCreate)
	require.NoError(t, err)

	batch := types.Batch{New: []*types.Record{
		{ID: "1", Fields: types.Fields{"country": "NO"}},
		{ID: "2", Fields: types.Fields{"country": "DK", "status": "open"}},
	}}
	reports, err := populate.NewEngine().Run(context.Background(), types.PhaseCreate, batch, rs)
	require.NoError(t, err)
	assert.Empty(t, reports)
	assert.Equal(t, types.Fields{"country": "NO", "status": "new", "currency": "NOK"}, batch.New[0].Fields)
	assert.Equal(t, types.Fields{"country": "DK", "status": "open", "currency": "EUR"}, batch.New[1].Fields)

	invoice, err := reg.Lookup("invoice", types.PhaseUpdate)
	require.NoError(t, err)
	update := types.Batch{
		New:   []*types.Record{{ID: "i1", Fields: types.Fields{"net": 100.0}}},
		Prior: []*types.Record{{ID: "i1", Fields: types.Fields{"net": 80.0}}},
	}
	_, err = populate.NewEngine().Run(context.Background(), types.PhaseUpdate, update, invoice)
	require.NoError(t, err)
	assert.Equal(t, 125.0, update.New[0].Fields["total"])
}

func TestBuild_Errors(t *testing.T) {
	pop := types.PopulatorDef{ID: "p", Phases: []types.Phase{types.PhaseCreate}, Set: types.Assignment{Field: "a", Value: 1}}
	tests := []struct {
		name    string
		cat     types.Catalog
		wantErr error
	}{
		{
			name:    "missing record type",
			cat:     types.Catalog{RuleSets: []types.RuleSetDef{{Populators: []types.PopulatorDef{pop}}}},
			wantErr: types.ErrConfiguration,
		},
		{
			name: "duplicate record type",
			cat: types.Catalog{RuleSets: []types.RuleSetDef{
				{RecordType: "a", Populators: []types.PopulatorDef{pop}},
				{RecordType: "a", Populators: []types.PopulatorDef{pop}},
			}},
			wantErr: types.ErrDuplicateRuleSet,
		},
		{
			name: "unknown dataset",
			cat: types.Catalog{RuleSets: []types.RuleSetDef{{RecordType: "a", Populators: []types.PopulatorDef{{
				ID: "p", Phases: []types.Phase{types.PhaseCreate},
				Set: types.Assignment{Field: "a", Dataset: "parent", Key: "parent_id"},
			}}}}},
			wantErr: types.ErrUnknownDataKey,
		},
		{
			name: "bad populator",
			cat: types.Catalog{RuleSets: []types.RuleSetDef{{RecordType: "a", Populators: []types.PopulatorDef{{
				ID: "p", Phases: []types.Phase{types.PhaseCreate}, Set: types.Assignment{Field: "a"},
			}}}}},
			wantErr: types.ErrInvalidAssignment,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.cat, datasets.Factory{})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, types.ErrConfiguration)
		})
	}
}

func TestCache(t *testing.T) {
	calls := map[string]int{}
	loader := CatalogFunc(func(_ context.Context, tenantID string) (types.Catalog, error) {
		calls[tenantID]++
		if tenantID == "broken" {
			return types.Catalog{}, errors.New("db down")
		}
		return ParseCatalog([]byte(catalogYAML))
	})
	cache := NewCache(loader, nil, 0)
	ctx := context.Background()

	first, err := cache.Registry(ctx, "t1")
	require.NoError(t, err)
	second, err := cache.Registry(ctx, "t1")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, calls["t1"])

	cache.Invalidate("t1")
	third, err := cache.Registry(ctx, "t1")
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, calls["t1"])

	_, err = cache.Registry(ctx, "broken")
	assert.ErrorContains(t, err, "db down")
	_, err = cache.Registry(ctx, "broken")
	assert.Error(t, err)
	assert.Equal(t, 2, calls["broken"], "failures are not cached")
}

func TestCache_TTL(t *testing.T) {
	var calls int
	cache := NewCache(CatalogFunc(func(context.Context, string) (types.Catalog, error) {
		calls++
		return types.Catalog{}, nil
	}), nil, time.Nanosecond)

	_, err := cache.Registry(context.Background(), "t1")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = cache.Registry(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCache_SlowTenantDoesNotBlockOthers(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	loader := CatalogFunc(func(ctx context.Context, tenantID string) (types.Catalog, error) {
		if tenantID == "slow" {
			close(entered)
			<-release
		}
		return types.Catalog{}, nil
	})
	cache := NewCache(loader, nil, 0)
	ctx := context.Background()

	fast, err := cache.Registry(ctx, "fast")
	require.NoError(t, err)

	slowDone := make(chan error, 1)
	go func() {
		_, err := cache.Registry(ctx, "slow")
		slowDone <- err
	}()
	<-entered

	got := make(chan *Registry, 1)
	go func() {
		reg, _ := cache.Registry(ctx, "fast")
		got <- reg
	}()
	select {
	case reg := <-got:
		assert.Same(t, fast, reg)
	case <-time.After(time.Second):
		t.Fatal("cached tenant blocked behind another tenant's catalog load")
	}

	// A fresh tenant builds while "slow" is still loading.
	_, err = cache.Registry(ctx, "other")
	require.NoError(t, err)

	// A waiter on the slow tenant gives up with its context.
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = cache.Registry(waitCtx, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-slowDone)
}

func TestCache_ConcurrentFirstRequestsBuildOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	cache := NewCache(CatalogFunc(func(context.Context, string) (types.Catalog, error) {
		calls.Add(1)
		<-release
		return ParseCatalog([]byte(catalogYAML))
	}), nil, 0)

	const callers = 8
	regs := make([]*Registry, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg, err := cache.Registry(context.Background(), "t1")
			assert.NoError(t, err)
			regs[i] = reg
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, reg := range regs[1:] {
		assert.Same(t, regs[0], reg)
	}
}

func TestStaticCatalog(t *testing.T) {
	cat := types.Catalog{RuleSets: []types.RuleSetDef{{RecordType: "x"}}}
	got, err := StaticCatalog(cat).LoadCatalog(context.Background(), "any-tenant")
	require.NoError(t, err)
	assert.Equal(t, cat, got)
}
