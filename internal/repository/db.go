package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// DB is the subset of *sql.DB the repositories use
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

var _ DB = (*sql.DB)(nil)

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	idx          BIGINT PRIMARY KEY,
	timestamp    TIMESTAMPTZ NOT NULL,
	operation    TEXT NOT NULL,
	input_hash   TEXT NOT NULL,
	output_hash  TEXT NOT NULL,
	operator_id  TEXT,
	approved     BOOLEAN NOT NULL,
	metadata     JSONB,
	prev_hash    TEXT NOT NULL,
	entry_hash   TEXT NOT NULL UNIQUE,
	signature    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS approval_requests (
	operation_id     TEXT PRIMARY KEY,
	operation_type   TEXT NOT NULL,
	description      TEXT NOT NULL,
	operator_id      TEXT NOT NULL,
	status           TEXT NOT NULL,
	requested_at     TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL,
	approved_at      TIMESTAMPTZ,
	rejected_at      TIMESTAMPTZ,
	signature        TEXT NOT NULL DEFAULT '',
	rejection_reason TEXT NOT NULL DEFAULT '',
	request_hash     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS approval_requests_status_idx ON approval_requests (status);
`

// Open connects to Postgres and checks the connection
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	if databaseURL == "" {
		return nil, errors.New("database url is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}
	return db, nil
}

// Migrate creates the tables if they do not exist
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "migrate schema")
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
