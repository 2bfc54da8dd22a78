package types

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks wiring defects. Errors wrapping it are fatal to a
// batch: the engine surfaces them immediately instead of isolating them.
var ErrConfiguration = errors.New("configuration error")

// Configuration errors. Each wraps ErrConfiguration so callers can test for
// the whole class with errors.Is(err, ErrConfiguration).
var (
	// ErrUnknownDataKey indicates a rule requested a dataset no provider is registered for.
	ErrUnknownDataKey = fmt.Errorf("%w: no provider registered for data key", ErrConfiguration)

	// ErrNoDataContext indicates a rule requested a dataset from a rule set without a context spec.
	ErrNoDataContext = fmt.Errorf("%w: rule set has no data context", ErrConfiguration)

	// ErrMisalignedBatch indicates new and prior record sequences differ in length or identity.
	ErrMisalignedBatch = fmt.Errorf("%w: new and prior records are not aligned", ErrConfiguration)

	// ErrUnknownPhase indicates an unsupported lifecycle phase.
	ErrUnknownPhase = fmt.Errorf("%w: unknown phase", ErrConfiguration)

	// ErrUnknownRuleSet indicates no rule set is registered for a record type and phase.
	ErrUnknownRuleSet = fmt.Errorf("%w: no rule set registered", ErrConfiguration)

	// ErrDuplicateRuleSet indicates a second registration for the same record type and phase.
	ErrDuplicateRuleSet = fmt.Errorf("%w: rule set already registered", ErrConfiguration)
)

// Rule compilation errors.
var (
	// ErrPathTooDeep indicates a field path exceeds MaxPathDepth.
	ErrPathTooDeep = errors.New("field path exceeds maximum depth")

	// ErrTooManyWildcards indicates a field path exceeds MaxNestedWildcards.
	ErrTooManyWildcards = errors.New("field path has too many wildcards")

	// ErrWildcardInTarget indicates a wildcard in an assignment target or field_ref path.
	ErrWildcardInTarget = errors.New("wildcards not allowed in target or field_ref paths")

	// ErrInvalidPath indicates a field path string could not be parsed.
	ErrInvalidPath = errors.New("invalid field path")

	// ErrTooManyInValues indicates an IN operator exceeds MaxInOperatorValues.
	ErrTooManyInValues = errors.New("IN operator has too many values")

	// ErrInvalidOperator indicates an unknown operator or one used in the wrong phase.
	ErrInvalidOperator = errors.New("invalid operator")

	// ErrInvalidAssignment indicates an assignment with missing or conflicting sources.
	ErrInvalidAssignment = errors.New("invalid assignment")

	// ErrInvalidPopulator indicates a populator definition with missing or unknown settings.
	ErrInvalidPopulator = errors.New("invalid populator definition")

	// ErrCoercionFailed indicates type coercion failed.
	ErrCoercionFailed = errors.New("type coercion failed")

	// ErrFieldNotFound indicates a field path could not be resolved.
	ErrFieldNotFound = errors.New("field not found")
)

// Runtime errors produced while a batch is processed.
var (
	// ErrRulePanic indicates a rule panicked; the engine converts the panic into a failure report.
	ErrRulePanic = errors.New("rule panicked")

	// ErrBatchTooLarge indicates a batch exceeds the configured maximum size.
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")
)

// RuleError is the isolated failure of one rule operation on one record.
type RuleError struct {
	RuleID RuleID
	Stage  FailureStage
	Index  int
	Err    error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %s %s failed on record %d: %v", e.RuleID, e.Stage, e.Index, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

// ProviderError is a failed dataset fetch. The DataContext keeps the error for
// the rest of the batch, so every rule requesting Key sees the same value.
type ProviderError struct {
	Key DataKey
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("data provider %q failed: %v", e.Key, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
