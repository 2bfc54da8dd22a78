package populate

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/solatis/populator/internal/types"
)

// Dataset is one auxiliary dataset, keyed by record identifier or foreign-key
// value. Values are whatever the provider returns (usually types.Fields).
// Rules read datasets and never modify them.
type Dataset map[string]any

// DataProvider computes one named dataset for a whole batch. Implementations
// must be side-effect free with respect to the batch so results can be memoized.
type DataProvider interface {
	Fetch(ctx context.Context, batch types.Batch) (Dataset, error)
}

// ProviderFunc adapts a function to DataProvider.
type ProviderFunc func(ctx context.Context, batch types.Batch) (Dataset, error)

// Fetch calls f.
func (f ProviderFunc) Fetch(ctx context.Context, batch types.Batch) (Dataset, error) {
	return f(ctx, batch)
}

// DataContext is the per-batch view of auxiliary data handed to rules.
type DataContext interface {
	// Get returns the dataset registered under key, fetching it on first use.
	// Unknown keys fail with an error wrapping types.ErrUnknownDataKey.
	// Provider failures are returned as *types.ProviderError, the same value
	// on every call for the rest of the batch.
	//
	// The returned Dataset is shared by every rule in the batch and must be
	// treated as read-only. A rule that writes to it changes what later rules
	// see.
	Get(ctx context.Context, key types.DataKey) (Dataset, error)
}

// ContextSpec is the fixed set of providers a rule set's batches may use.
// It is immutable and shared by every batch; New binds it to one batch.
type ContextSpec struct {
	name      string
	providers map[types.DataKey]DataProvider
}

// NewContextSpec copies providers into a new spec.
func NewContextSpec(name string, providers map[types.DataKey]DataProvider) *ContextSpec {
	ps := make(map[types.DataKey]DataProvider, len(providers))
	for k, p := range providers {
		if p != nil {
			ps[k] = p
		}
	}
	return &ContextSpec{name: name, providers: ps}
}

// Name returns the spec name used in error messages and logs.
func (s *ContextSpec) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

// Has reports whether key has a registered provider.
func (s *ContextSpec) Has(key types.DataKey) bool {
	if s == nil {
		return false
	}
	_, ok := s.providers[key]
	return ok
}

// Keys returns the registered keys in sorted order.
func (s *ContextSpec) Keys() []types.DataKey {
	if s == nil {
		return nil
	}
	keys := make([]types.DataKey, 0, len(s.providers))
	for k := range s.providers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// New returns a fresh DataContext bound to batch. A nil spec yields a context
// whose Get always fails with types.ErrNoDataContext.
func (s *ContextSpec) New(batch types.Batch) DataContext {
	if s == nil {
		return noDataContext{}
	}
	return &batchContext{
		spec:    s,
		batch:   batch,
		entries: make(map[types.DataKey]*memoEntry),
	}
}

// memoEntry holds the outcome of one provider call. once makes
// check/fetch/store a single critical section per key.
type memoEntry struct {
	once sync.Once
	data Dataset
	err  error
}

type batchContext struct {
	spec    *ContextSpec
	batch   types.Batch
	mu      sync.Mutex
	entries map[types.DataKey]*memoEntry
}

func (c *batchContext) Get(ctx context.Context, key types.DataKey) (Dataset, error) {
	provider, ok := c.spec.providers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q in context %q", types.ErrUnknownDataKey, key, c.spec.name)
	}

	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		entry = &memoEntry{}
		c.entries[key] = entry
	}
	c.mu.Unlock()

	entry.once.Do(func() {
		entry.data, entry.err = fetchDataset(ctx, key, provider, c.batch)
	})
	return entry.data, entry.err
}

// fetchDataset invokes provider, converting errors and panics to *types.ProviderError.
func fetchDataset(ctx context.Context, key types.DataKey, provider DataProvider, batch types.Batch) (data Dataset, err error) {
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = &types.ProviderError{Key: key, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	data, err = provider.Fetch(ctx, batch)
	if err != nil {
		return nil, &types.ProviderError{Key: key, Err: err}
	}
	if data == nil {
		data = Dataset{}
	}
	return data, nil
}

type noDataContext struct{}

func (noDataContext) Get(_ context.Context, key types.DataKey) (Dataset, error) {
	return nil, fmt.Errorf("%w: requested %q", types.ErrNoDataContext, key)
}

// Lookup fetches dataset key and returns the entry for id.
func Lookup(ctx context.Context, dc DataContext, key types.DataKey, id string) (any, bool, error) {
	data, err := dc.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	v, ok := data[id]
	return v, ok, nil
}
