package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/solatis/populator/internal/datasets"
	"github.com/solatis/populator/internal/types"
)

// CatalogLoader returns the declarative catalog of one tenant.
// Implemented by *db.Store.
type CatalogLoader interface {
	LoadCatalog(ctx context.Context, tenantID string) (types.Catalog, error)
}

// CatalogFunc adapts a function to CatalogLoader.
type CatalogFunc func(ctx context.Context, tenantID string) (types.Catalog, error)

func (f CatalogFunc) LoadCatalog(ctx context.Context, tenantID string) (types.Catalog, error) {
	return f(ctx, tenantID)
}

// StaticCatalog serves the same catalog to every tenant (YAML file mode).
func StaticCatalog(cat types.Catalog) CatalogLoader {
	return CatalogFunc(func(context.Context, string) (types.Catalog, error) {
		return cat, nil
	})
}

// tenantEntry gates builds for one tenant. sem is held while a build runs so
// concurrent first requests build once; reg and builtAt are guarded by Cache.mu.
type tenantEntry struct {
	sem     chan struct{}
	reg     *Registry
	builtAt time.Time
}

// Cache builds and keeps one Registry per tenant. Entries live until
// Invalidate or, with a positive TTL, until they expire. A slow catalog load
// only holds up requests for the same tenant.
type Cache struct {
	loader CatalogLoader
	store  datasets.RecordGetter
	ttl    time.Duration

	mu      sync.Mutex
	entries map[string]*tenantEntry
}

// NewCache returns a cache reading catalogs from loader. store backs
// related-record datasets and may be nil when no catalog declares one.
func NewCache(loader CatalogLoader, store datasets.RecordGetter, ttl time.Duration) *Cache {
	return &Cache{
		loader:  loader,
		store:   store,
		ttl:     ttl,
		entries: make(map[string]*tenantEntry),
	}
}

// Registry returns the tenant's registry, building it on first use.
// Build failures are not cached. Waiting for another caller's build of the
// same tenant ends early when ctx does.
func (c *Cache) Registry(ctx context.Context, tenantID string) (*Registry, error) {
	e, reg := c.lookup(tenantID)
	if reg != nil {
		return reg, nil
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-e.sem }()

	// Another caller may have finished the build while we waited.
	if _, reg := c.lookup(tenantID); reg != nil {
		return reg, nil
	}

	cat, err := c.loader.LoadCatalog(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load catalog for tenant %s: %w", tenantID, err)
	}
	reg, err = Build(cat, datasets.Factory{Store: c.store, TenantID: tenantID})
	if err != nil {
		return nil, fmt.Errorf("build catalog for tenant %s: %w", tenantID, err)
	}

	c.mu.Lock()
	// An Invalidate during the build detached e; the result is served once
	// but not kept.
	if c.entries[tenantID] == e {
		e.reg, e.builtAt = reg, time.Now()
	}
	c.mu.Unlock()

	zap.S().Infow("rule sets loaded", "tenant_id", tenantID, "registrations", reg.Len())
	return reg, nil
}

// lookup returns the tenant's entry, creating it if needed, and its registry
// when one is cached and fresh.
func (c *Cache) lookup(tenantID string) (*tenantEntry, *Registry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[tenantID]
	if !ok {
		e = &tenantEntry{sem: make(chan struct{}, 1)}
		c.entries[tenantID] = e
	}
	if e.reg != nil && (c.ttl <= 0 || time.Since(e.builtAt) < c.ttl) {
		return e, e.reg
	}
	return e, nil
}

// Invalidate drops the tenant's registry; the next call rebuilds it.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.entries, tenantID)
	c.mu.Unlock()
}
