// Package types provides domain models shared across populator components.
//
// Records are caller-owned: the engine mutates Fields in place and never
// retains a record past the batch that carried it. Declarative rule and
// dataset definitions live in definitions.go; they are storage-agnostic and
// converted from YAML or database rows at the registry boundary.
package types

import (
	"fmt"
	"maps"
	"strings"
)

// RecordID identifies a record. Empty for records that have not been created yet.
type RecordID string

// RuleID identifies a populator rule. UUIDv7 for stored rules, free-form for
// rules declared in code.
type RuleID string

// DataKey names one auxiliary dataset inside a DataContext.
type DataKey string

// Phase is the lifecycle moment a batch is processed in.
type Phase string

const (
	PhaseCreate Phase = "create"
	PhaseUpdate Phase = "update"
)

// ParsePhase accepts the phase names used in configuration and requests.
// "insert" and "before_insert" style aliases map onto create/update.
func ParsePhase(s string) (Phase, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "create", "insert", "before_insert", "pre_create":
		return PhaseCreate, nil
	case "update", "before_update", "pre_update":
		return PhaseUpdate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPhase, s)
	}
}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	return p == PhaseCreate || p == PhaseUpdate
}

// Fields maps field name to value. Values follow JSON decoding conventions
// (float64 numbers, []any arrays, map[string]any objects) but Go ints are
// tolerated everywhere values are compared.
type Fields map[string]any

// Record is one entity in a batch.
type Record struct {
	ID     RecordID `json:"id,omitempty"`
	Type   string   `json:"type,omitempty"`
	Fields Fields   `json:"fields"`
}

// NewRecord creates a record with an empty field map.
func NewRecord(id RecordID, recordType string) *Record {
	return &Record{ID: id, Type: recordType, Fields: make(Fields)}
}

// Get returns a top-level field value. A present nil value reports ok=true.
func (r *Record) Get(field string) (any, bool) {
	if r == nil || r.Fields == nil {
		return nil, false
	}
	v, ok := r.Fields[field]
	return v, ok
}

// Set assigns a top-level field, allocating Fields on first write.
func (r *Record) Set(field string, value any) {
	if r.Fields == nil {
		r.Fields = make(Fields)
	}
	r.Fields[field] = value
}

// Clone returns a copy whose top-level field map is independent of r.
// Nested maps and slices are shared.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{ID: r.ID, Type: r.Type, Fields: make(Fields, len(r.Fields))}
	maps.Copy(out.Fields, r.Fields)
	return out
}

// Batch is the unit handed to one engine run. Prior is index-aligned with New
// for update batches and empty for create batches.
type Batch struct {
	New   []*Record
	Prior []*Record
}

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b.New)
}

// FailureStage tells which rule operation produced a failure.
type FailureStage string

const (
	StageQualify FailureStage = "qualify"
	StageApply   FailureStage = "apply"
)

// FailureReport describes one isolated rule failure. The engine returns these
// to its caller and forwards them to an optional sink; it keeps no copy.
type FailureReport struct {
	RecordID RecordID     `json:"recordId,omitempty"`
	Index    int          `json:"index"`
	RuleID   RuleID       `json:"ruleId"`
	RuleName string       `json:"ruleName,omitempty"`
	Phase    Phase        `json:"phase"`
	Stage    FailureStage `json:"stage"`
	Err      error        `json:"-"`
	Message  string       `json:"error"`
}

// Resource limits enforced when compiling declarative rules and accepting batches.
const (
	// MaxBatchSize bounds records per batch accepted over the API.
	MaxBatchSize = 10000

	// MaxPathDepth prevents unbounded recursion during path resolution.
	MaxPathDepth = 16

	// MaxNestedWildcards limits fan-out of wildcard segments in a path.
	MaxNestedWildcards = 2

	// MaxInOperatorValues limits the IN operator list size.
	MaxInOperatorValues = 64
)
