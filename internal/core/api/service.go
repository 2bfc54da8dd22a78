// Package api exposes the populator engine over gRPC and HTTP.
package api

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/solatis/populator/internal/core/failures"
	"github.com/solatis/populator/internal/populate"
	"github.com/solatis/populator/internal/registry"
	"github.com/solatis/populator/internal/types"
)

// Registries resolves a tenant's rule sets. Implemented by *registry.Cache.
type Registries interface {
	Registry(ctx context.Context, tenantID string) (*registry.Registry, error)
	Invalidate(tenantID string)
}

// Store is the persistence the service uses. Implemented by *db.Store.
type Store interface {
	GetRecords(ctx context.Context, tenantID, recordType string, ids []string) (map[types.RecordID]*types.Record, error)
	PutRecords(ctx context.Context, tenantID string, records []*types.Record) error
	ListFailures(ctx context.Context, tenantID string, limit int) ([]types.FailureReport, error)
}

// PopulateRequest is one batch to populate. Prior is only read for update
// batches; when it is empty the prior state is loaded from the store by id.
type PopulateRequest struct {
	RecordType string          `json:"recordType"`
	Phase      string          `json:"phase"`
	Records    []*types.Record `json:"records"`
	Prior      []*types.Record `json:"prior,omitempty"`
	Persist    bool            `json:"persist,omitempty"`
}

// PopulateResponse carries the populated records and the isolated failures.
type PopulateResponse struct {
	RecordType string                `json:"recordType"`
	Phase      types.Phase           `json:"phase"`
	Records    []*types.Record       `json:"records"`
	Failures   []types.FailureReport `json:"failures"`
	Persisted  bool                  `json:"persisted"`
}

// RuleInfo describes one registered rule.
type RuleInfo struct {
	ID   types.RuleID `json:"id"`
	Name string       `json:"name,omitempty"`
}

// RuleSetInfo describes the rules registered for a record type and phase.
type RuleSetInfo struct {
	RecordType string      `json:"recordType"`
	Phase      types.Phase `json:"phase"`
	Rules      []RuleInfo  `json:"rules"`
}

// RuleSetsResponse lists a tenant's rule sets. ETag changes whenever the
// registered rules do.
type RuleSetsResponse struct {
	RuleSets []RuleSetInfo `json:"ruleSets"`
	ETag     string        `json:"etag"`
}

// PopulateService is the transport-independent request handler.
type PopulateService struct {
	registries Registries
	engine     *populate.Engine
	store      Store
	timeout    time.Duration
}

// NewPopulateService creates the service. store may be nil, in which case
// requests needing stored priors or persistence are rejected. A positive
// timeout bounds each Populate call.
func NewPopulateService(registries Registries, engine *populate.Engine, store Store, timeout time.Duration) (*PopulateService, error) {
	if registries == nil {
		return nil, fmt.Errorf("registries cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	return &PopulateService{
		registries: registries,
		engine:     engine,
		store:      store,
		timeout:    timeout,
	}, nil
}

// Populate runs req through the tenant's rule set for its record type and
// phase. Records are mutated in place and returned.
func (s *PopulateService) Populate(ctx context.Context, tenantID string, req *PopulateRequest) (*PopulateResponse, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: missing tenant", ErrInvalidRequest)
	}
	if req == nil || req.RecordType == "" {
		return nil, fmt.Errorf("%w: recordType is required", ErrInvalidRequest)
	}
	phase, err := types.ParsePhase(req.Phase)
	if err != nil {
		return nil, err
	}
	if req.Persist && s.store == nil {
		return nil, fmt.Errorf("%w: persistence is not configured", ErrInvalidRequest)
	}

	for i, rec := range req.Records {
		if rec == nil {
			return nil, fmt.Errorf("%w: record %d is null", ErrInvalidRequest, i)
		}
		if rec.Type == "" {
			rec.Type = req.RecordType
		}
		if rec.Type != req.RecordType {
			return nil, fmt.Errorf("%w: record %d has type %q, batch is %q", ErrInvalidRequest, i, rec.Type, req.RecordType)
		}
		if rec.Fields == nil {
			rec.Fields = make(types.Fields)
		}
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	reg, err := s.registries.Registry(ctx, tenantID)
	if err != nil {
		return nil, storeError(err)
	}
	rs, err := reg.Lookup(req.RecordType, phase)
	if err != nil {
		return nil, err
	}

	batch := types.Batch{New: req.Records}
	if phase == types.PhaseUpdate {
		batch.Prior = req.Prior
		if len(batch.Prior) == 0 && len(batch.New) > 0 {
			if batch.Prior, err = s.loadPrior(ctx, tenantID, req.RecordType, req.Records); err != nil {
				return nil, err
			}
		}
	}

	runCtx := failures.WithOrigin(ctx, failures.Origin{TenantID: tenantID, RecordType: req.RecordType})
	reports, err := s.engine.Run(runCtx, phase, batch, rs)
	if err != nil {
		return nil, err
	}

	resp := &PopulateResponse{
		RecordType: req.RecordType,
		Phase:      phase,
		Records:    req.Records,
		Failures:   reports,
	}
	if resp.Failures == nil {
		resp.Failures = []types.FailureReport{}
	}
	if resp.Records == nil {
		resp.Records = []*types.Record{}
	}

	if req.Persist && len(req.Records) > 0 {
		types.AssignMissingIDs(req.Records)
		if err := s.store.PutRecords(ctx, tenantID, req.Records); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		resp.Persisted = true
	}

	zap.S().Debugw("populate request served",
		"tenant_id", tenantID,
		"record_type", req.RecordType,
		"phase", phase,
		"records", len(req.Records),
		"failures", len(reports),
		"persisted", resp.Persisted,
	)
	return resp, nil
}

// loadPrior reads the stored state of records, index-aligned.
func (s *PopulateService) loadPrior(ctx context.Context, tenantID, recordType string, records []*types.Record) ([]*types.Record, error) {
	if s.store == nil {
		return nil, fmt.Errorf("%w: update batch needs prior records", ErrInvalidRequest)
	}

	ids := make([]string, len(records))
	for i, rec := range records {
		if rec.ID == "" {
			return nil, fmt.Errorf("%w: update record %d has no id", ErrInvalidRequest, i)
		}
		ids[i] = string(rec.ID)
	}

	stored, err := s.store.GetRecords(ctx, tenantID, recordType, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	prior := make([]*types.Record, len(records))
	for i, rec := range records {
		p, ok := stored[rec.ID]
		if !ok {
			return nil, fmt.Errorf("%w: no stored %s record %s", ErrInvalidRequest, recordType, rec.ID)
		}
		prior[i] = p
	}
	return prior, nil
}

// RuleSets lists the tenant's registered rule sets.
func (s *PopulateService) RuleSets(ctx context.Context, tenantID string) (*RuleSetsResponse, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: missing tenant", ErrInvalidRequest)
	}
	reg, err := s.registries.Registry(ctx, tenantID)
	if err != nil {
		return nil, storeError(err)
	}

	resp := &RuleSetsResponse{RuleSets: []RuleSetInfo{}}
	h := sha256.New()
	for _, key := range reg.Keys() {
		rs, err := reg.Lookup(key.RecordType, key.Phase)
		if err != nil {
			return nil, err
		}
		info := RuleSetInfo{RecordType: key.RecordType, Phase: key.Phase, Rules: []RuleInfo{}}
		fmt.Fprintf(h, "%s\n", key)
		for _, r := range rs.RulesFor(key.Phase) {
			info.Rules = append(info.Rules, RuleInfo{ID: r.ID(), Name: r.Name()})
			fmt.Fprintf(h, "\t%s %s\n", r.ID(), r.Name())
		}
		resp.RuleSets = append(resp.RuleSets, info)
	}
	resp.ETag = fmt.Sprintf("%x", h.Sum(nil))
	return resp, nil
}

// Reload drops the tenant's cached rule sets so the next request rebuilds them.
func (s *PopulateService) Reload(tenantID string) {
	s.registries.Invalidate(tenantID)
	zap.S().Infow("rule sets invalidated", "tenant_id", tenantID)
}

// Failures returns the tenant's most recent audited failures.
func (s *PopulateService) Failures(ctx context.Context, tenantID string, limit int) ([]types.FailureReport, error) {
	if s.store == nil {
		return nil, fmt.Errorf("%w: failure audit is not configured", ErrInvalidRequest)
	}
	if limit <= 0 || limit > 1000 {
		return nil, fmt.Errorf("%w: limit must be between 1 and 1000", ErrInvalidRequest)
	}
	reports, err := s.store.ListFailures(ctx, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if reports == nil {
		reports = []types.FailureReport{}
	}
	return reports, nil
}

// storeError keeps catalog defects as configuration errors and treats any
// other registry failure as the catalog store being unavailable.
func storeError(err error) error {
	if errors.Is(err, types.ErrConfiguration) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
