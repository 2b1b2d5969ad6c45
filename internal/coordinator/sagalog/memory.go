package sagalog

import (
	"context"
	"sync"
)

// MemoryRepository keeps the journal in process. Used by tests and by the
// coordinator binary when no SQLite path is configured.
type MemoryRepository struct {
	mu   sync.Mutex
	rows []*SagaLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Save(_ context.Context, entry *SagaLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *entry
	r.rows = append(r.rows, &cp)
	return nil
}

func (r *MemoryRepository) List(_ context.Context, sagaID string) ([]*SagaLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*SagaLog
	for _, row := range r.rows {
		if row.SagaID == sagaID {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Statuses returns the status sequence recorded for sagaID.
func (r *MemoryRepository) Statuses(sagaID string) []Status {
	rows, _ := r.List(context.Background(), sagaID)
	out := make([]Status, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Status)
	}
	return out
}
