// Package failures forwards isolated rule failures out of the engine: to the
// log, to a Kafka topic and to the audit table.
//
// Sinks learn which tenant and record type a batch belonged to from the
// context (WithOrigin), so one sink instance serves every request.
package failures

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/solatis/populator/internal/types"
)

// Sink matches populate.FailureSink.
type Sink interface {
	Report(ctx context.Context, reports []types.FailureReport) error
}

// Origin identifies the batch a set of reports came from.
type Origin struct {
	TenantID   string
	RecordType string
}

type originKey struct{}

// WithOrigin attaches o to ctx for the sinks of the run.
func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// OriginFromContext returns the origin set by WithOrigin, or the zero value.
func OriginFromContext(ctx context.Context) Origin {
	o, _ := ctx.Value(originKey{}).(Origin)
	return o
}

// LogSink writes one structured warning per failure.
type LogSink struct {
	log *zap.SugaredLogger
}

// NewLogSink logs through log, or the global logger when nil.
func NewLogSink(log *zap.SugaredLogger) *LogSink {
	if log == nil {
		log = zap.S()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Report(ctx context.Context, reports []types.FailureReport) error {
	origin := OriginFromContext(ctx)
	for _, r := range reports {
		s.log.Warnw("rule failed",
			"tenant_id", origin.TenantID,
			"record_type", origin.RecordType,
			"record_id", r.RecordID,
			"index", r.Index,
			"rule_id", r.RuleID,
			"rule_name", r.RuleName,
			"phase", r.Phase,
			"stage", r.Stage,
			"error", r.Message,
		)
	}
	return nil
}

// AuditStore is the store surface StoreSink needs. Implemented by *db.Store.
type AuditStore interface {
	InsertFailures(ctx context.Context, tenantID, recordType string, reports []types.FailureReport) error
}

// StoreSink persists failures as audit rows.
type StoreSink struct {
	store AuditStore
}

func NewStoreSink(store AuditStore) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Report(ctx context.Context, reports []types.FailureReport) error {
	origin := OriginFromContext(ctx)
	return s.store.InsertFailures(ctx, origin.TenantID, origin.RecordType, reports)
}

// Multi fans reports out to every sink. All sinks are called; their errors
// are joined.
type Multi []Sink

func (m Multi) Report(ctx context.Context, reports []types.FailureReport) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Report(ctx, reports); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
