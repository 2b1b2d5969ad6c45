package outbox

import (
	"context"
	"time"
)

// Repository is the storage port the processor drains. MarkProcessing must
// be a conditional update on the current status and claim owner: it is the
// only thing that keeps two replicas from publishing the same entry
// concurrently.
type Repository interface {
	// Save persists a new entry. It returns false, without error, when an
	// entry with the same idempotency key already exists.
	Save(ctx context.Context, entry *Entry) (bool, error)

	// GetPending returns Pending and Failed entries plus Processing entries
	// whose claim lease expired, oldest first.
	GetPending(ctx context.Context) ([]*Entry, error)

	// MarkProcessing claims the entry for owner, renews the claim lease and
	// increments the attempt count. A Processing entry can only be claimed
	// again by its current owner or once its lease expired; otherwise, and
	// for Published entries, it returns ErrNotClaimable.
	MarkProcessing(ctx context.Context, key, owner string) error

	// MarkPublished records success. The entry expires ttlSeconds later.
	MarkPublished(ctx context.Context, key string, ttlSeconds int) error

	// MarkFailed records the last error.
	MarkFailed(ctx context.Context, key string, errText string) error

	Delete(ctx context.Context, key string) error
}

// Lister is implemented by repositories that back the admin API.
type Lister interface {
	List(ctx context.Context, status Status, limit int) ([]*Entry, error)
	Get(ctx context.Context, key string) (*Entry, error)
}

// Purger is implemented by repositories that can drop expired Published
// entries.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}
