package populate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/solatis/populator/internal/types"
)

// FailureSink receives the isolated failures of a batch once the batch ends.
// Errors are logged by the engine and never fail the batch. Report should
// return when ctx is done.
type FailureSink interface {
	Report(ctx context.Context, reports []types.FailureReport) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink forwards failure reports to sink after every run.
func WithSink(sink FailureSink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithLogger sets the logger. Defaults to the global zap sugared logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMaxBatchSize rejects batches with more than n records. Zero disables the check.
func WithMaxBatchSize(n int) Option {
	return func(e *Engine) {
		e.maxBatch = n
	}
}

// WithSinkTimeout bounds each hand-off to the sink. Run waits for the sink
// at most this long, and never past the caller's own deadline.
func WithSinkTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sinkTimeout = d
		}
	}
}

// DefaultSinkTimeout is the sink hand-off bound when none is configured.
const DefaultSinkTimeout = 5 * time.Second

// Engine drives batches through rule sets. It keeps no per-batch state and is
// safe for concurrent use; each Run builds its own DataContext.
type Engine struct {
	sink        FailureSink
	sinkTimeout time.Duration
	log         *zap.SugaredLogger
	maxBatch    int
}

// NewEngine creates an engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		log:         zap.S(),
		maxBatch:    types.MaxBatchSize,
		sinkTimeout: DefaultSinkTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run populates batch.New in place with the rules rs registers for phase.
//
// Rule failures and panics are isolated per (record, rule) and returned as
// reports; the run continues with the next rule. Errors wrapping
// types.ErrConfiguration abort the run, as does cancellation of ctx, which
// is checked between records. On abort the reports gathered so far are
// returned alongside the error.
//
// Update batches must be index-aligned; misalignment fails before any rule
// runs. Create batches ignore batch.Prior.
func (e *Engine) Run(ctx context.Context, phase types.Phase, batch types.Batch, rs *RuleSet) (reports []types.FailureReport, err error) {
	if rs == nil {
		return nil, fmt.Errorf("%w: nil rule set", types.ErrConfiguration)
	}
	if !phase.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownPhase, phase)
	}
	if e.maxBatch > 0 && batch.Len() > e.maxBatch {
		return nil, fmt.Errorf("%w: %d records, limit %d", types.ErrBatchTooLarge, batch.Len(), e.maxBatch)
	}
	if phase == types.PhaseCreate {
		batch.Prior = nil
	}
	if verr := validateBatch(phase, batch); verr != nil {
		return nil, verr
	}

	steps := rs.steps(phase)
	if len(steps) == 0 || batch.Len() == 0 {
		return nil, nil
	}

	start := time.Now()
	dc := rs.spec.New(batch)

	defer func() {
		e.report(ctx, reports)
		e.log.Debugw("batch populated",
			"rule_set", rs.name,
			"phase", phase,
			"records", batch.Len(),
			"rules", len(steps),
			"failures", len(reports),
			"aborted", err != nil,
			"elapsed", time.Since(start),
		)
	}()

	for i, rec := range batch.New {
		if cerr := ctx.Err(); cerr != nil {
			return reports, cerr
		}

		var prior *types.Record
		if phase == types.PhaseUpdate {
			prior = batch.Prior[i]
		}

		for _, st := range steps {
			ok, qerr := guardQualify(ctx, st.qualify, rec, prior, dc)
			if qerr != nil {
				if isFatal(qerr) {
					return reports, newRuleError(st, types.StageQualify, i, qerr)
				}
				reports = append(reports, newReport(st, phase, types.StageQualify, i, rec, qerr))
				continue
			}
			if !ok {
				continue
			}
			if aerr := guardApply(ctx, st.apply, rec, prior, dc); aerr != nil {
				if isFatal(aerr) {
					return reports, newRuleError(st, types.StageApply, i, aerr)
				}
				reports = append(reports, newReport(st, phase, types.StageApply, i, rec, aerr))
			}
		}
	}

	return reports, nil
}

// report hands reports to the sink. The sink keeps running for up to
// sinkTimeout even after the caller's ctx ends, so failures of a cancelled
// run are still recorded, but Run stops waiting when either expires.
func (e *Engine) report(ctx context.Context, reports []types.FailureReport) {
	if e.sink == nil || len(reports) == 0 {
		return
	}

	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.sinkTimeout)
	done := make(chan struct{})
	go func() {
		defer cancel()
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				e.log.Errorw("failure sink panicked", "count", len(reports), "panic", r)
			}
		}()
		if err := e.sink.Report(sinkCtx, reports); err != nil {
			e.log.Warnw("failure sink rejected reports", "count", len(reports), "error", err)
		}
	}()

	select {
	case <-done:
		return
	case <-sinkCtx.Done():
	case <-ctx.Done():
	}
	select {
	case <-done:
	default:
		e.log.Warnw("stopped waiting for failure sink",
			"count", len(reports),
			"timeout", e.sinkTimeout,
			"caller_done", ctx.Err() != nil)
	}
}

// validateBatch checks record presence and, for updates, new/prior alignment.
func validateBatch(phase types.Phase, batch types.Batch) error {
	for i, rec := range batch.New {
		if rec == nil {
			return fmt.Errorf("%w: nil record at index %d", types.ErrConfiguration, i)
		}
	}
	if phase != types.PhaseUpdate {
		return nil
	}

	if len(batch.Prior) != len(batch.New) {
		return fmt.Errorf("%w: %d new records, %d prior records", types.ErrMisalignedBatch, len(batch.New), len(batch.Prior))
	}
	for i, prior := range batch.Prior {
		if prior == nil {
			return fmt.Errorf("%w: nil prior record at index %d", types.ErrMisalignedBatch, i)
		}
		id := batch.New[i].ID
		if id != "" && prior.ID != "" && id != prior.ID {
			return fmt.Errorf("%w: index %d pairs %s with prior %s", types.ErrMisalignedBatch, i, id, prior.ID)
		}
	}
	return nil
}

// isFatal reports whether err is a wiring defect. Provider failures are
// isolated even when the provider's own cause is a configuration error.
func isFatal(err error) bool {
	var perr *types.ProviderError
	if errors.As(err, &perr) {
		return false
	}
	return errors.Is(err, types.ErrConfiguration)
}

func guardQualify(ctx context.Context, fn QualifyFunc, rec, prior *types.Record, dc DataContext) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("%w: %v", types.ErrRulePanic, r)
		}
	}()
	return fn(ctx, rec, prior, dc)
}

func guardApply(ctx context.Context, fn ApplyFunc, rec, prior *types.Record, dc DataContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", types.ErrRulePanic, r)
		}
	}()
	return fn(ctx, rec, prior, dc)
}

func newRuleError(st step, stage types.FailureStage, index int, err error) *types.RuleError {
	return &types.RuleError{RuleID: st.rule.ID(), Stage: stage, Index: index, Err: err}
}

func newReport(st step, phase types.Phase, stage types.FailureStage, index int, rec *types.Record, err error) types.FailureReport {
	return types.FailureReport{
		RecordID: rec.ID,
		Index:    index,
		RuleID:   st.rule.ID(),
		RuleName: st.rule.Name(),
		Phase:    phase,
		Stage:    stage,
		Err:      newRuleError(st, stage, index, err),
		Message:  err.Error(),
	}
}
