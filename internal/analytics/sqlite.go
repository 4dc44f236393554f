package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS attribution_records (
	id                TEXT PRIMARY KEY,
	app               TEXT NOT NULL,
	env_id            TEXT NOT NULL DEFAULT '',
	tenant_id         TEXT NOT NULL DEFAULT '',
	module_id         TEXT NOT NULL DEFAULT '',
	session_id        TEXT NOT NULL DEFAULT '',
	request_id        TEXT NOT NULL DEFAULT '',
	target_host       TEXT NOT NULL,
	method            TEXT NOT NULL,
	status_code       INTEGER NOT NULL,
	outcome           TEXT NOT NULL,
	bytes_relayed     INTEGER NOT NULL,
	duration_ms       INTEGER NOT NULL,
	model             TEXT NOT NULL DEFAULT '',
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attribution_app ON attribution_records(app);
CREATE INDEX IF NOT EXISTS idx_attribution_created_at ON attribution_records(created_at);
`

const insertRecord = `
INSERT INTO attribution_records (
	id, app, env_id, tenant_id, module_id, session_id, request_id,
	target_host, method, status_code, outcome, bytes_relayed, duration_ms,
	model, prompt_tokens, completion_tokens, total_tokens, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteStore persists attribution records to a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	insert *sql.Stmt
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path, enables WAL mode,
// and initializes the schema.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("analytics: open sqlite %s: %w", path, err)
	}

	// A single writer goroutine feeds this store; one connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("analytics: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("analytics: set busy_timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("analytics: create schema: %w", err)
	}

	stmt, err := db.Prepare(insertRecord)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("analytics: prepare insert: %w", err)
	}

	logger.Info("attribution store initialized", "path", path)

	return &SQLiteStore{
		db:     db,
		insert: stmt,
		logger: logger.With("component", "analytics_store"),
	}, nil
}

// Write inserts the record.
func (s *SQLiteStore) Write(ctx context.Context, rec *Record) error {
	_, err := s.insert.ExecContext(ctx,
		rec.ID, rec.App, rec.EnvID, rec.TenantID, rec.ModuleID, rec.SessionID, rec.RequestID,
		rec.TargetHost, rec.Method, rec.StatusCode, string(rec.Outcome), rec.BytesRelayed, rec.DurationMS,
		rec.Model, rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("analytics: insert record %s: %w", rec.ID, err)
	}
	return nil
}

// CountByApp returns the number of records for an app tag. Intended for
// status reporting and tests.
func (s *SQLiteStore) CountByApp(ctx context.Context, app string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM attribution_records WHERE app = ?", app).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("analytics: count records: %w", err)
	}
	return n, nil
}

// Close releases the prepared statement and database handle.
func (s *SQLiteStore) Close() error {
	if err := s.insert.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}
