// Package redisstore keeps saga instances in Redis as JSON strings.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/saga-outbox/internal/saga"
)

type Store struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
}

var _ saga.InstanceStore = (*Store)(nil)

// New wraps client. Keys are "<namespace>:saga:<name>:<correlation>". A zero
// ttl keeps instances until deleted.
func New(client redis.UniversalClient, namespace string, ttl time.Duration) *Store {
	return &Store{client: client, namespace: namespace, ttl: ttl}
}

// NewFromAddr dials a single Redis node.
func NewFromAddr(addr, namespace string, ttl time.Duration) *Store {
	return New(redis.NewClient(&redis.Options{Addr: addr}), namespace, ttl)
}

func (s *Store) Load(ctx context.Context, sagaName, correlationID string) (*saga.Instance, error) {
	raw, err := s.client.Get(ctx, s.key(sagaName, correlationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get %s/%s: %w", sagaName, correlationID, err)
	}

	var inst saga.Instance
	if err := json.Unmarshal(raw, &inst); err != nil {
		return nil, fmt.Errorf("redisstore: decode %s/%s: %w", sagaName, correlationID, err)
	}
	return &inst, nil
}

func (s *Store) Save(ctx context.Context, inst *saga.Instance) error {
	if inst == nil {
		return saga.ErrInstanceRequired
	}
	raw, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("redisstore: encode %s: %w", inst.ID, err)
	}
	if err := s.client.Set(ctx, s.key(inst.SagaName, inst.CorrelationID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: set %s/%s: %w", inst.SagaName, inst.CorrelationID, err)
	}
	return nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(sagaName, correlationID string) string {
	return fmt.Sprintf("%s:saga:%s", s.namespace, saga.InstanceKey(sagaName, correlationID))
}
