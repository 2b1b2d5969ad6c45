// Package memory is an in-process outbox.Repository for tests and for
// running the coordinator without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jcmexdev/saga-outbox/internal/outbox"
)

type Repository struct {
	mu      sync.Mutex
	entries map[string]*outbox.Entry
	now     func() time.Time
	lease   time.Duration
}

// Option configures a Repository.
type Option func(*Repository)

// WithClaimLease sets how long a Processing claim holds off other owners.
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

func New(opts ...Option) *Repository {
	r := &Repository{
		entries: map[string]*outbox.Entry{},
		now:     func() time.Time { return time.Now().UTC() },
		lease:   outbox.DefaultClaimLease,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) Save(_ context.Context, entry *outbox.Entry) (bool, error) {
	if err := entry.Validate(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[entry.IdempotencyKey]; ok {
		return false, nil
	}
	cp := entry.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = r.now()
	}
	if cp.Status == "" {
		cp.Status = outbox.StatusPending
	}
	r.entries[cp.IdempotencyKey] = cp
	return true, nil
}

// GetPending returns Pending and Failed entries, and Processing entries
// whose lease expired, by creation time, then key.
func (r *Repository) GetPending(_ context.Context) ([]*outbox.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var out []*outbox.Entry
	for _, e := range r.entries {
		if e.Status == outbox.StatusPending || e.Status == outbox.StatusFailed || e.ClaimExpired(now) {
			out = append(out, e.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

func (r *Repository) MarkProcessing(_ context.Context, key, owner string) error {
	if owner == "" {
		return outbox.ErrOwnerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s", outbox.ErrEntryNotFound, key)
	}
	now := r.now()
	if !e.ClaimableBy(owner, now) {
		return fmt.Errorf("%w: %s is %s (claimed by %s)", outbox.ErrNotClaimable, key, e.Status, e.ClaimedBy)
	}
	lease := now.Add(r.lease)
	e.Status = outbox.StatusProcessing
	e.ClaimedBy = owner
	e.ClaimExpiresAt = &lease
	e.AttemptCount++
	return nil
}

func (r *Repository) MarkPublished(_ context.Context, key string, ttlSeconds int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.transition(key, outbox.StatusPublished)
	if err != nil {
		return err
	}
	now := r.now()
	expires := now.Add(time.Duration(ttlSeconds) * time.Second)
	e.ClaimExpiresAt = nil
	e.ProcessedAt = &now
	e.TTLSeconds = ttlSeconds
	e.ExpiresAt = &expires
	e.LastError = ""
	return nil
}

func (r *Repository) MarkFailed(_ context.Context, key, errText string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.transition(key, outbox.StatusFailed)
	if err != nil {
		return err
	}
	now := r.now()
	e.ClaimExpiresAt = nil
	e.ProcessedAt = &now
	e.LastError = errText
	return nil
}

func (r *Repository) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
	return nil
}

// List returns entries with status, or all entries when status is empty.
// limit <= 0 means no limit.
func (r *Repository) List(_ context.Context, status outbox.Status, limit int) ([]*outbox.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*outbox.Entry
	for _, e := range r.entries {
		if status == "" || e.Status == status {
			out = append(out, e.Clone())
		}
	}
	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) Get(_ context.Context, key string) (*outbox.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", outbox.ErrEntryNotFound, key)
	}
	return e.Clone(), nil
}

// PurgeExpired deletes Published entries whose TTL elapsed before now.
func (r *Repository) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, e := range r.entries {
		if e.Status == outbox.StatusPublished && e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
			delete(r.entries, key)
			n++
		}
	}
	return n, nil
}

// Len reports how many entries are stored.
func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Repository) transition(key string, next outbox.Status) (*outbox.Entry, error) {
	e, ok := r.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", outbox.ErrEntryNotFound, key)
	}
	if err := outbox.ValidateTransition(e.Status, next); err != nil {
		return nil, err
	}
	e.Status = next
	return e, nil
}

func sortByCreated(entries []*outbox.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].IdempotencyKey < entries[j].IdempotencyKey
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
