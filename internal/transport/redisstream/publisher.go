// Package redisstream publishes outbox entries onto a Redis stream with
// XADD. Consumers deduplicate on the idempotency_key field.
package redisstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/saga-outbox/internal/outbox"
)

const DefaultStream = "saga:events"

var ErrClientRequired = errors.New("redisstream: client is required")

type Publisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
	owned  bool
}

var _ outbox.Publisher = (*Publisher)(nil)

// New publishes to stream, trimming it to roughly maxLen entries when
// maxLen is positive.
func New(client redis.UniversalClient, stream string, maxLen int64) (*Publisher, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if stream == "" {
		stream = DefaultStream
	}
	return &Publisher{client: client, stream: stream, maxLen: maxLen}, nil
}

// NewFromAddr dials a single node and owns the client.
func NewFromAddr(addr, stream string, maxLen int64) (*Publisher, error) {
	p, err := New(redis.NewClient(&redis.Options{Addr: addr}), stream, maxLen)
	if err != nil {
		return nil, err
	}
	p.owned = true
	return p, nil
}

func (p *Publisher) Publish(ctx context.Context, entry *outbox.Entry) error {
	if entry == nil {
		return outbox.ErrNilEntry
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"idempotency_key": entry.IdempotencyKey,
			"correlation_id":  entry.CorrelationID,
			"step_name":       entry.StepName,
			"message_type":    entry.MessageType,
			"payload":         string(entry.Payload),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redisstream: xadd %s: %w", p.stream, err)
	}
	return nil
}

func (p *Publisher) Stream() string { return p.stream }

// Close closes the client only when NewFromAddr created it.
func (p *Publisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.client.Close()
}
