package sagalog

import "context"

// Repository persists journal rows. The orchestrator and the dispatcher
// depend on this port, not on a database.
type Repository interface {
	// Save appends a row. The journal is never updated in place.
	Save(ctx context.Context, entry *SagaLog) error

	// List returns all rows of one saga, oldest first.
	List(ctx context.Context, sagaID string) ([]*SagaLog, error)
}

// Record saves entry when repo is non-nil. Journal failures never fail the
// saga; they are returned for the caller to log.
func Record(ctx context.Context, repo Repository, entry *SagaLog) error {
	if repo == nil || entry == nil {
		return nil
	}
	return repo.Save(ctx, entry)
}
