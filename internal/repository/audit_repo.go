package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/terminal-bench/attestd/internal/models"
	"github.com/terminal-bench/attestd/internal/services/audit"
)

// ErrDuplicateEntry is returned when an index or hash is already stored
var ErrDuplicateEntry = errors.New("audit entry already stored")

// AuditRepository mirrors the audit trail to Postgres
type AuditRepository struct {
	db DB
}

var _ audit.Sink = (*AuditRepository)(nil)

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Persist inserts one entry. Entries are never updated.
func (r *AuditRepository) Persist(ctx context.Context, entry models.AuditEntry) error {
	var metadata []byte
	if entry.Metadata != nil {
		var err error
		if metadata, err = json.Marshal(entry.Metadata); err != nil {
			return errors.Wrap(err, "encode metadata")
		}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_entries (idx, timestamp, operation, input_hash, output_hash, operator_id, approved, metadata, prev_hash, entry_hash, signature)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.Index, entry.Timestamp, entry.Operation, entry.InputHash, entry.OutputHash,
		nullString(entry.OperatorID), entry.Approved, metadata, entry.PrevHash,
		entry.EntryHash, entry.Signature,
	)
	if isUniqueViolation(err) {
		return errors.Wrapf(ErrDuplicateEntry, "index %d", entry.Index)
	}
	if err != nil {
		return errors.Wrapf(err, "insert audit entry %d", entry.Index)
	}
	return nil
}

// List returns the stored trail in index order
func (r *AuditRepository) List(ctx context.Context) ([]models.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT idx, timestamp, operation, input_hash, output_hash, operator_id, approved, metadata, prev_hash, entry_hash, signature
		 FROM audit_entries ORDER BY idx`,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query audit entries")
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, errors.Wrap(rows.Err(), "iterate audit entries")
}

func scanAuditEntry(row scanner) (models.AuditEntry, error) {
	var (
		e        models.AuditEntry
		operator sql.NullString
		metadata []byte
	)
	err := row.Scan(&e.Index, &e.Timestamp, &e.Operation, &e.InputHash, &e.OutputHash,
		&operator, &e.Approved, &metadata, &e.PrevHash, &e.EntryHash, &e.Signature)
	if err != nil {
		return models.AuditEntry{}, errors.Wrap(err, "scan audit entry")
	}

	e.Timestamp = e.Timestamp.UTC()
	if operator.Valid {
		id := operator.String
		e.OperatorID = &id
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return models.AuditEntry{}, errors.Wrapf(err, "decode metadata of entry %d", e.Index)
		}
	}
	return e, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
