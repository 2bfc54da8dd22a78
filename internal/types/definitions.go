package types

// Declarative rule definitions.
//
// A Catalog is what operators write (YAML) or store (database): per record
// type, the datasets a batch may need and the ordered populators to run.
// internal/rules compiles PopulatorDef into an executable rule;
// internal/datasets turns DatasetDef into data providers.

// PathSegment is one component of a field path.
// Key for object keys, Index for array positions, Wildcard for ANY-element expansion.
type PathSegment struct {
	Key      string
	Index    int
	IsIndex  bool // disambiguates Index=0 from unset
	Wildcard bool
}

// Condition is a single comparison in a populator's qualification.
type Condition struct {
	Field          string `yaml:"field" json:"field"`
	Op             string `yaml:"op" json:"op"`
	Type           string `yaml:"type,omitempty" json:"type,omitempty"`
	Value          any    `yaml:"value,omitempty" json:"value,omitempty"`
	Values         []any  `yaml:"values,omitempty" json:"values,omitempty"`
	FieldRef       string `yaml:"field_ref,omitempty" json:"fieldRef,omitempty"`
	OnMissing      string `yaml:"on_missing,omitempty" json:"onMissing,omitempty"`
	OnCoercionFail string `yaml:"on_coercion_fail,omitempty" json:"onCoercionFail,omitempty"`
}

// OrGroup is an AND group; a populator qualifies when any group matches.
type OrGroup struct {
	All []Condition `yaml:"all" json:"all"`
}

// Assignment describes the value a populator writes. Exactly one source is
// set: Value (literal), From (copy another field), Dataset+Key (lookup in
// an auxiliary dataset) or Expr (CEL expression).
type Assignment struct {
	Field     string  `yaml:"field" json:"field"`
	Value     any     `yaml:"value,omitempty" json:"value,omitempty"`
	From      string  `yaml:"from,omitempty" json:"from,omitempty"`
	Dataset   DataKey `yaml:"dataset,omitempty" json:"dataset,omitempty"`
	Key       string  `yaml:"key,omitempty" json:"key,omitempty"`
	Attribute string  `yaml:"attribute,omitempty" json:"attribute,omitempty"`
	Expr      string  `yaml:"expr,omitempty" json:"expr,omitempty"`
	Default   any     `yaml:"default,omitempty" json:"default,omitempty"`
}

// PopulatorDef is a configuration-driven rule.
type PopulatorDef struct {
	ID     RuleID     `yaml:"id" json:"id"`
	Name   string     `yaml:"name" json:"name"`
	Phases []Phase    `yaml:"phases" json:"phases"`
	When   []OrGroup  `yaml:"when,omitempty" json:"when,omitempty"`
	Guard  string     `yaml:"guard,omitempty" json:"guard,omitempty"`
	Set    Assignment `yaml:"set" json:"set"`
}

// Dataset kinds understood by internal/datasets.
const (
	DatasetRelated = "related"
	DatasetStatic  = "static"
)

// Dataset sources: which side of an update batch foreign keys are collected from.
const (
	SourceNew   = "new"
	SourcePrior = "prior"
	SourceBoth  = "both"
)

// DatasetDef declares one auxiliary dataset available to a rule set.
type DatasetDef struct {
	Key        DataKey        `yaml:"key" json:"key"`
	Kind       string         `yaml:"kind" json:"kind"`
	RecordType string         `yaml:"record_type,omitempty" json:"recordType,omitempty"`
	Field      string         `yaml:"field,omitempty" json:"field,omitempty"`
	Source     string         `yaml:"source,omitempty" json:"source,omitempty"`
	Entries    map[string]any `yaml:"entries,omitempty" json:"entries,omitempty"`
}

// RuleSetDef groups datasets and ordered populators for one record type.
type RuleSetDef struct {
	RecordType string         `yaml:"record_type" json:"recordType"`
	Datasets   []DatasetDef   `yaml:"datasets,omitempty" json:"datasets,omitempty"`
	Populators []PopulatorDef `yaml:"populators" json:"populators"`
}

// Catalog is the full declarative configuration.
type Catalog struct {
	RuleSets []RuleSetDef `yaml:"rule_sets" json:"ruleSets"`
}
