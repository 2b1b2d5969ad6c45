package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// InstanceStore persists saga instances keyed by saga name and correlation
// id. Load returns (nil, nil) when no instance exists.
type InstanceStore interface {
	Load(ctx context.Context, sagaName, correlationID string) (*Instance, error)
	Save(ctx context.Context, inst *Instance) error
}

// MemoryStore is an in-process InstanceStore. Instances are copied through
// JSON so callers never share the stored value.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string][]byte{}}
}

var _ InstanceStore = (*MemoryStore)(nil)

func (s *MemoryStore) Load(_ context.Context, sagaName, correlationID string) (*Instance, error) {
	s.mu.RLock()
	raw, ok := s.items[InstanceKey(sagaName, correlationID)]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var inst Instance
	if err := json.Unmarshal(raw, &inst); err != nil {
		return nil, fmt.Errorf("saga: decode instance: %w", err)
	}
	return &inst, nil
}

func (s *MemoryStore) Save(_ context.Context, inst *Instance) error {
	if inst == nil {
		return ErrInstanceRequired
	}
	raw, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("saga: encode instance: %w", err)
	}
	s.mu.Lock()
	s.items[InstanceKey(inst.SagaName, inst.CorrelationID)] = raw
	s.mu.Unlock()
	return nil
}

// InstanceKey is the storage key of one instance.
func InstanceKey(sagaName, correlationID string) string {
	return sagaName + ":" + correlationID
}
