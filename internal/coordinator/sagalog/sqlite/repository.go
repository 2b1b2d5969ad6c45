// Package sqlite provides a SQLite-backed implementation of sagalog.Repository.
//
// WAL mode is enabled on Open so the orchestrator can append rows while the
// admin API reads them.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jcmexdev/saga-outbox/internal/coordinator/sagalog"

	// Pure-Go SQLite driver, no CGO.
	_ "modernc.org/sqlite"
)

// schema is executed once on startup. The table is append-only: each row is
// an immutable event in the saga's lifecycle.
const schema = `
CREATE TABLE IF NOT EXISTS saga_logs (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,

    -- Correlation id of the saga instance. Not UNIQUE, one row per event.
    saga_id         TEXT        NOT NULL,

    -- Saga type, e.g. "order-fulfilment".
    saga_name       TEXT        NOT NULL DEFAULT '',

    status          TEXT        NOT NULL,

    -- Step executed, or state entered for TRANSITION rows.
    current_step    TEXT        NOT NULL DEFAULT '',

    -- JSON context written on STARTED rows, NULL after.
    payload         TEXT,

    error_messages  TEXT        NOT NULL DEFAULT '[]',

    trace_id        TEXT        NOT NULL DEFAULT '',
    span_id         TEXT        NOT NULL DEFAULT '',

    -- RFC3339 stored as TEXT.
    updated_at      TEXT        NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_saga_logs_saga_id ON saga_logs(saga_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_saga_logs_trace_id ON saga_logs(trace_id);
`

// Repository is the SQLite implementation of sagalog.Repository.
type Repository struct {
	db *sql.DB
}

var _ sagalog.Repository = (*Repository)(nil)

// Open opens (or creates) the database at path and applies the schema.
//
//	repo, err := sqlite.Open("./data/saga.db")
func Open(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// Single writer connection.
	db.SetMaxOpenConns(1)

	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close releases the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Save appends a journal row. It is safe to call concurrently.
func (r *Repository) Save(ctx context.Context, entry *sagalog.SagaLog) error {
	const q = `
		INSERT INTO saga_logs
			(saga_id, saga_name, status, current_step, payload, error_messages, trace_id, span_id, updated_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, q,
		entry.SagaID,
		entry.SagaName,
		string(entry.Status),
		entry.CurrentStep,
		nullableString(entry.Payload),
		entry.ErrorMessages,
		entry.TraceID,
		entry.SpanID,
		formatTime(entry.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save saga log for %q: %w", entry.SagaID, err)
	}
	return nil
}

// List returns every row of sagaID, oldest first.
func (r *Repository) List(ctx context.Context, sagaID string) ([]*sagalog.SagaLog, error) {
	const q = `
		SELECT saga_id, saga_name, status, current_step, COALESCE(payload,''), error_messages,
		       trace_id, span_id, updated_at
		FROM   saga_logs
		WHERE  saga_id = ?
		ORDER  BY updated_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, q, sagaID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list saga logs for %q: %w", sagaID, err)
	}
	defer rows.Close()

	var out []*sagalog.SagaLog
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate saga logs for %q: %w", sagaID, err)
	}
	return out, nil
}

// GetLatest returns the most recent row of sagaID.
func (r *Repository) GetLatest(ctx context.Context, sagaID string) (*sagalog.SagaLog, error) {
	const q = `
		SELECT saga_id, saga_name, status, current_step, COALESCE(payload,''), error_messages,
		       trace_id, span_id, updated_at
		FROM   saga_logs
		WHERE  saga_id = ?
		ORDER  BY updated_at DESC, id DESC
		LIMIT  1`

	entry, err := scanEntry(r.db.QueryRowContext(ctx, q, sagaID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite: saga %q not found", sagaID)
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*sagalog.SagaLog, error) {
	var entry sagalog.SagaLog
	var updatedAt string
	err := row.Scan(
		&entry.SagaID,
		&entry.SagaName,
		&entry.Status,
		&entry.CurrentStep,
		&entry.Payload,
		&entry.ErrorMessages,
		&entry.TraceID,
		&entry.SpanID,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan saga log: %w", err)
	}

	entry.UpdatedAt, err = parseRFC3339(updatedAt)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}

// nullableString stores NULL instead of an empty payload.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
