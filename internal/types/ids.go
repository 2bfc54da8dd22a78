package types

import "github.com/google/uuid"

// NewRecordID generates a UUIDv7 record identifier.
// Time-ordered IDs keep inserts into the records table clustered.
// Panics on clock regression (uuid.Must).
func NewRecordID() RecordID {
	return RecordID(uuid.Must(uuid.NewV7()).String())
}

// NewRuleID generates a UUIDv7 rule identifier for stored populators
// declared without one.
func NewRuleID() RuleID {
	return RuleID(uuid.Must(uuid.NewV7()).String())
}

// AssignMissingIDs gives every record without an identifier a fresh UUIDv7.
// Used when a create batch is persisted.
func AssignMissingIDs(records []*Record) {
	for _, r := range records {
		if r != nil && r.ID == "" {
			r.ID = NewRecordID()
		}
	}
}
