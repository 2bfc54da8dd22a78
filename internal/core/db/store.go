package db

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/solatis/populator/internal/types"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Store persists records, rule set catalogs, failure reports and API keys.
// All rows are scoped by tenant.
type Store struct {
	db      *sqlx.DB
	queries *Queries
}

// NewStore loads the named queries for db.
func NewStore(db *sqlx.DB) (*Store, error) {
	q, err := LoadQueries(db)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, queries: q}, nil
}

// Queries exposes the named query set (used by the authenticator).
func (s *Store) Queries() *Queries {
	return s.queries
}

// PutRecords upserts records in one transaction. Records must carry an ID
// and a type.
func (s *Store) PutRecords(ctx context.Context, tenantID string, records []*types.Record) error {
	if len(records) == 0 {
		return nil
	}
	query, err := s.queries.Raw("upsert-record")
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i, rec := range records {
		if rec == nil || rec.ID == "" || rec.Type == "" {
			return fmt.Errorf("record %d: id and type are required", i)
		}
		fields, err := json.Marshal(rec.Fields)
		if err != nil {
			return fmt.Errorf("record %s: encode fields: %w", rec.ID, err)
		}
		if _, err := tx.ExecContext(ctx, query, tenantID, rec.Type, string(rec.ID), string(fields), now); err != nil {
			return fmt.Errorf("record %s: %w", rec.ID, err)
		}
	}

	return tx.Commit()
}

type recordRow struct {
	ID     string `db:"record_id"`
	Type   string `db:"record_type"`
	Fields []byte `db:"fields"`
}

// GetRecords fetches records of one type by id. Unknown ids are absent from
// the result.
func (s *Store) GetRecords(ctx context.Context, tenantID, recordType string, ids []string) (map[types.RecordID]*types.Record, error) {
	out := make(map[types.RecordID]*types.Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query, args, err := s.queries.In("get-records-by-ids", tenantID, recordType, ids)
	if err != nil {
		return nil, err
	}

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select %s records: %w", recordType, err)
	}

	for _, row := range rows {
		rec := &types.Record{ID: types.RecordID(row.ID), Type: row.Type}
		if err := json.Unmarshal(row.Fields, &rec.Fields); err != nil {
			return nil, fmt.Errorf("record %s: decode fields: %w", row.ID, err)
		}
		if rec.Fields == nil {
			rec.Fields = make(types.Fields)
		}
		out[rec.ID] = rec
	}
	return out, nil
}

// SaveCatalog replaces the tenant's stored rule sets with cat.
func (s *Store) SaveCatalog(ctx context.Context, tenantID string, cat types.Catalog) error {
	del, err := s.queries.Raw("delete-rule-sets")
	if err != nil {
		return err
	}
	ins, err := s.queries.Raw("insert-rule-set")
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, del, tenantID); err != nil {
		return fmt.Errorf("clear rule sets: %w", err)
	}

	now := time.Now().UTC()
	for _, def := range cat.RuleSets {
		doc, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("rule set %s: encode: %w", def.RecordType, err)
		}
		checksum := fmt.Sprintf("%x", sha256.Sum256(doc))
		if _, err := tx.ExecContext(ctx, ins, tenantID, def.RecordType, string(doc), checksum, now); err != nil {
			return fmt.Errorf("rule set %s: %w", def.RecordType, err)
		}
	}

	return tx.Commit()
}

// LoadCatalog returns the tenant's stored rule sets ordered by record type.
// A tenant without rule sets gets an empty catalog.
func (s *Store) LoadCatalog(ctx context.Context, tenantID string) (types.Catalog, error) {
	var rows []struct {
		RecordType string `db:"record_type"`
		Definition []byte `db:"definition"`
	}
	if err := s.queries.Select(ctx, "list-rule-sets", &rows, tenantID); err != nil {
		return types.Catalog{}, fmt.Errorf("list rule sets: %w", err)
	}

	cat := types.Catalog{RuleSets: make([]types.RuleSetDef, 0, len(rows))}
	for _, row := range rows {
		var def types.RuleSetDef
		if err := json.Unmarshal(row.Definition, &def); err != nil {
			return types.Catalog{}, fmt.Errorf("rule set %s: decode: %w", row.RecordType, err)
		}
		cat.RuleSets = append(cat.RuleSets, def)
	}
	return cat, nil
}

// InsertFailures writes one audit row per failure report.
func (s *Store) InsertFailures(ctx context.Context, tenantID, recordType string, reports []types.FailureReport) error {
	if len(reports) == 0 {
		return nil
	}
	query, err := s.queries.Raw("insert-failure-report")
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, r := range reports {
		_, err := tx.ExecContext(ctx, query,
			uuid.Must(uuid.NewV7()).String(), tenantID, recordType, string(r.RecordID), r.Index,
			string(r.RuleID), r.RuleName, string(r.Phase), string(r.Stage), r.Message, now,
		)
		if err != nil {
			return fmt.Errorf("failure report for rule %s: %w", r.RuleID, err)
		}
	}

	return tx.Commit()
}

// ListFailures returns the tenant's most recent failure reports, newest first.
func (s *Store) ListFailures(ctx context.Context, tenantID string, limit int) ([]types.FailureReport, error) {
	var rows []struct {
		RecordID string `db:"record_id"`
		Index    int    `db:"record_index"`
		RuleID   string `db:"rule_id"`
		RuleName string `db:"rule_name"`
		Phase    string `db:"phase"`
		Stage    string `db:"stage"`
		Error    string `db:"error"`
	}
	if err := s.queries.Select(ctx, "list-failure-reports", &rows, tenantID, limit); err != nil {
		return nil, fmt.Errorf("list failure reports: %w", err)
	}

	out := make([]types.FailureReport, len(rows))
	for i, row := range rows {
		out[i] = types.FailureReport{
			RecordID: types.RecordID(row.RecordID),
			Index:    row.Index,
			RuleID:   types.RuleID(row.RuleID),
			RuleName: row.RuleName,
			Phase:    types.Phase(row.Phase),
			Stage:    types.FailureStage(row.Stage),
			Message:  row.Error,
		}
	}
	return out, nil
}

// CreateAPIKey stores the HMAC hash of a new key and returns its row id.
func (s *Store) CreateAPIKey(ctx context.Context, tenantID, name, secretID string, keyHash []byte) (string, error) {
	id := uuid.Must(uuid.NewV7()).String()
	if _, err := s.queries.Exec(ctx, "insert-api-key", id, tenantID, name, secretID, keyHash, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("insert api key: %w", err)
	}
	return id, nil
}

// RevokeAPIKey marks a key revoked. Returns ErrNotFound for unknown or
// already revoked keys.
func (s *Store) RevokeAPIKey(ctx context.Context, apiKeyID string) error {
	res, err := s.queries.Exec(ctx, "revoke-api-key", time.Now().UTC(), apiKeyID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("api key %s: %w", apiKeyID, ErrNotFound)
	}
	return nil
}
