// Package datasets provides the data providers rule sets fetch auxiliary
// data through: related records from the store and static reference tables.
package datasets

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/solatis/populator/internal/populate"
	"github.com/solatis/populator/internal/rules"
	"github.com/solatis/populator/internal/types"
)

// RecordGetter is the store surface RelatedRecords needs.
// Implemented by *db.Store.
type RecordGetter interface {
	GetRecords(ctx context.Context, tenantID, recordType string, ids []string) (map[types.RecordID]*types.Record, error)
}

// RelatedRecords loads the records a batch refers to through a foreign-key
// field. All distinct key values in the batch are fetched with one query;
// the dataset maps key value to the related record's fields.
type RelatedRecords struct {
	store      RecordGetter
	tenantID   string
	recordType string
	field      []types.PathSegment
	source     string
}

// NewRelatedRecords returns a provider reading foreign keys from field.
// source selects new records, prior records or both (default new).
func NewRelatedRecords(store RecordGetter, tenantID, recordType, field, source string) (*RelatedRecords, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: related records need a store", types.ErrConfiguration)
	}
	if recordType == "" {
		return nil, fmt.Errorf("%w: related records need a record type", types.ErrConfiguration)
	}
	path, err := rules.ParsePath(field)
	if err != nil {
		return nil, fmt.Errorf("%w: key field: %v", types.ErrConfiguration, err)
	}
	for _, seg := range path {
		if seg.Wildcard {
			return nil, fmt.Errorf("%w: key field %q: %v", types.ErrConfiguration, field, types.ErrWildcardInTarget)
		}
	}

	switch source {
	case "":
		source = types.SourceNew
	case types.SourceNew, types.SourcePrior, types.SourceBoth:
	default:
		return nil, fmt.Errorf("%w: unknown dataset source %q", types.ErrConfiguration, source)
	}

	return &RelatedRecords{
		store:      store,
		tenantID:   tenantID,
		recordType: recordType,
		field:      path,
		source:     source,
	}, nil
}

// Fetch implements populate.DataProvider.
func (r *RelatedRecords) Fetch(ctx context.Context, batch types.Batch) (populate.Dataset, error) {
	ids := r.collect(batch)
	if len(ids) == 0 {
		return populate.Dataset{}, nil
	}

	found, err := r.store.GetRecords(ctx, r.tenantID, r.recordType, ids)
	if err != nil {
		return nil, fmt.Errorf("load %s records: %w", r.recordType, err)
	}

	out := make(populate.Dataset, len(found))
	for id, rec := range found {
		out[string(id)] = rec.Fields
	}
	zap.S().Debugw("related records fetched",
		"record_type", r.recordType,
		"requested", len(ids),
		"found", len(out))
	return out, nil
}

// collect returns the distinct non-null key values in sorted order.
func (r *RelatedRecords) collect(batch types.Batch) []string {
	seen := make(map[string]struct{})
	add := func(records []*types.Record) {
		for _, rec := range records {
			if rec == nil {
				continue
			}
			res, err := rules.Resolve(r.field, map[string]any(rec.Fields))
			if err != nil || res.Value == nil {
				continue
			}
			seen[rules.DatasetKey(res.Value)] = struct{}{}
		}
	}

	if r.source == types.SourceNew || r.source == types.SourceBoth {
		add(batch.New)
	}
	if r.source == types.SourcePrior || r.source == types.SourceBoth {
		add(batch.Prior)
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Static serves a fixed table regardless of the batch.
type Static populate.Dataset

// Fetch implements populate.DataProvider.
func (s Static) Fetch(context.Context, types.Batch) (populate.Dataset, error) {
	return populate.Dataset(s), nil
}
