// Package sqlite provides a SQLite-backed implementation of outbox.Repository.
//
// Claiming an entry is a single conditional UPDATE on the current status and
// claim owner, so several processors sharing one database never publish the
// same entry concurrently. A claim carries a lease; once it lapses the entry
// is handed out again, which recovers entries left PROCESSING by a crash.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jcmexdev/saga-outbox/internal/outbox"

	// Pure-Go SQLite driver, no CGO.
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox_entries (
    -- SHA-256 hex of the step message, first writer wins.
    idempotency_key TEXT    PRIMARY KEY,

    step_name       TEXT    NOT NULL DEFAULT '',
    correlation_id  TEXT    NOT NULL DEFAULT '',
    message_type    TEXT    NOT NULL,
    payload         BLOB    NOT NULL,

    -- PENDING | PROCESSING | PUBLISHED | FAILED
    status          TEXT    NOT NULL DEFAULT 'PENDING',
    attempt_count   INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT    NOT NULL DEFAULT '',

    ttl_seconds     INTEGER NOT NULL DEFAULT 0,

    -- Last claim owner; claim_expires_at is set while PROCESSING.
    claimed_by       TEXT   NOT NULL DEFAULT '',
    claim_expires_at TEXT,

    -- Fixed-width UTC timestamps stored as TEXT so they sort lexically.
    created_at      TEXT    NOT NULL,
    processed_at    TEXT,
    expires_at      TEXT
);

CREATE INDEX IF NOT EXISTS idx_outbox_status_created ON outbox_entries(status, created_at);
CREATE INDEX IF NOT EXISTS idx_outbox_expires ON outbox_entries(expires_at) WHERE status = 'PUBLISHED';
`

const columns = `idempotency_key, step_name, correlation_id, message_type, payload, status,
	attempt_count, last_error, ttl_seconds, created_at, processed_at, expires_at,
	claimed_by, claim_expires_at`

// Repository is the SQLite implementation of outbox.Repository.
type Repository struct {
	db    *sql.DB
	now   func() time.Time
	lease time.Duration
}

// Option configures a Repository.
type Option func(*Repository)

// WithClaimLease sets how long a PROCESSING claim holds off other owners.
func WithClaimLease(d time.Duration) Option {
	return func(r *Repository) {
		if d > 0 {
			r.lease = d
		}
	}
}

// WithClock replaces the time source, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

var (
	_ outbox.Repository = (*Repository)(nil)
	_ outbox.Lister     = (*Repository)(nil)
	_ outbox.Purger     = (*Repository)(nil)
)

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, opts ...Option) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply outbox schema: %w", err)
	}
	r := &Repository{
		db:    db,
		now:   func() time.Time { return time.Now().UTC() },
		lease: outbox.DefaultClaimLease,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) Save(ctx context.Context, entry *outbox.Entry) (bool, error) {
	if err := entry.Validate(); err != nil {
		return false, err
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = r.now()
	}
	status := entry.Status
	if status == "" {
		status = outbox.StatusPending
	}

	const q = `
		INSERT INTO outbox_entries
			(idempotency_key, step_name, correlation_id, message_type, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`

	res, err := r.db.ExecContext(ctx, q,
		entry.IdempotencyKey, entry.StepName, entry.CorrelationID, entry.MessageType,
		entry.Payload, string(status), formatTime(created))
	if err != nil {
		return false, fmt.Errorf("sqlite: save outbox entry %q: %w", entry.IdempotencyKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: save outbox entry %q: %w", entry.IdempotencyKey, err)
	}
	return n == 1, nil
}

func (r *Repository) GetPending(ctx context.Context) ([]*outbox.Entry, error) {
	q := `SELECT ` + columns + ` FROM outbox_entries
		WHERE status IN ('PENDING', 'FAILED')
		   OR (status = 'PROCESSING' AND (claim_expires_at IS NULL OR claim_expires_at <= ?))
		ORDER BY created_at ASC, idempotency_key ASC`
	return r.query(ctx, q, formatTime(r.now()))
}

func (r *Repository) MarkProcessing(ctx context.Context, key, owner string) error {
	if owner == "" {
		return outbox.ErrOwnerRequired
	}
	now := r.now()
	const q = `
		UPDATE outbox_entries
		SET    status = 'PROCESSING', attempt_count = attempt_count + 1,
		       claimed_by = ?, claim_expires_at = ?
		WHERE  idempotency_key = ?
		  AND  (status IN ('PENDING', 'FAILED')
		        OR (status = 'PROCESSING'
		            AND (claimed_by = ? OR claim_expires_at IS NULL OR claim_expires_at <= ?)))`
	return r.update(ctx, key, outbox.ErrNotClaimable, q,
		owner, formatTime(now.Add(r.lease)), key, owner, formatTime(now))
}

func (r *Repository) MarkPublished(ctx context.Context, key string, ttlSeconds int) error {
	now := r.now()
	const q = `
		UPDATE outbox_entries
		SET    status = 'PUBLISHED', processed_at = ?, ttl_seconds = ?, expires_at = ?, last_error = '',
		       claim_expires_at = NULL
		WHERE  idempotency_key = ? AND status = 'PROCESSING'`
	return r.update(ctx, key, outbox.ErrInvalidTransition, q,
		formatTime(now), ttlSeconds, formatTime(now.Add(time.Duration(ttlSeconds)*time.Second)), key)
}

func (r *Repository) MarkFailed(ctx context.Context, key, errText string) error {
	const q = `
		UPDATE outbox_entries
		SET    status = 'FAILED', processed_at = ?, last_error = ?, claim_expires_at = NULL
		WHERE  idempotency_key = ? AND status = 'PROCESSING'`
	return r.update(ctx, key, outbox.ErrInvalidTransition, q, formatTime(r.now()), errText, key)
}

func (r *Repository) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM outbox_entries WHERE idempotency_key = ?`, key); err != nil {
		return fmt.Errorf("sqlite: delete outbox entry %q: %w", key, err)
	}
	return nil
}

func (r *Repository) List(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	if status == "" {
		return r.query(ctx, `SELECT `+columns+` FROM outbox_entries
			ORDER BY created_at ASC, idempotency_key ASC LIMIT ?`, limit)
	}
	return r.query(ctx, `SELECT `+columns+` FROM outbox_entries WHERE status = ?
		ORDER BY created_at ASC, idempotency_key ASC LIMIT ?`, string(status), limit)
}

func (r *Repository) Get(ctx context.Context, key string) (*outbox.Entry, error) {
	rows, err := r.query(ctx, `SELECT `+columns+` FROM outbox_entries WHERE idempotency_key = ?`, key)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", outbox.ErrEntryNotFound, key)
	}
	return rows[0], nil
}

func (r *Repository) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM outbox_entries WHERE status = 'PUBLISHED' AND expires_at IS NOT NULL AND expires_at <= ?`,
		formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge expired outbox entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge expired outbox entries: %w", err)
	}
	return int(n), nil
}

// update runs a conditional UPDATE. When no row matched it tells a missing
// entry apart from a status that forbids the move.
func (r *Repository) update(ctx context.Context, key string, conflict error, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("sqlite: update outbox entry %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update outbox entry %q: %w", key, err)
	}
	if n == 1 {
		return nil
	}

	var status string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM outbox_entries WHERE idempotency_key = ?`, key).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", outbox.ErrEntryNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("sqlite: read outbox status %q: %w", key, err)
	}
	return fmt.Errorf("%w: %s is %s", conflict, key, status)
}

func (r *Repository) query(ctx context.Context, q string, args ...any) ([]*outbox.Entry, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query outbox entries: %w", err)
	}
	defer rows.Close()

	var out []*outbox.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate outbox entries: %w", err)
	}
	return out, nil
}

func scanEntry(rows *sql.Rows) (*outbox.Entry, error) {
	var (
		e           outbox.Entry
		status      string
		created     string
		processedAt sql.NullString
		expiresAt   sql.NullString
		claimUntil  sql.NullString
	)
	err := rows.Scan(
		&e.IdempotencyKey, &e.StepName, &e.CorrelationID, &e.MessageType, &e.Payload, &status,
		&e.AttemptCount, &e.LastError, &e.TTLSeconds, &created, &processedAt, &expiresAt,
		&e.ClaimedBy, &claimUntil,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan outbox entry: %w", err)
	}

	if e.Status, err = outbox.ParseStatus(status); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if e.ProcessedAt, err = parseNullTime(processedAt); err != nil {
		return nil, err
	}
	if e.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, err
	}
	if e.ClaimExpiresAt, err = parseNullTime(claimUntil); err != nil {
		return nil, err
	}
	return &e, nil
}
