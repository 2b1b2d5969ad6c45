// Package rabbitmq publishes outbox entries to a topic exchange with
// publisher confirms. The routing key is the message type.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jcmexdev/saga-outbox/internal/outbox"
)

const (
	DefaultExchange       = "saga.events"
	defaultConfirmTimeout = 5 * time.Second
)

var (
	ErrChannelRequired = errors.New("rabbitmq: channel is required")
	ErrPublisherClosed = errors.New("rabbitmq: publisher is closed")
	ErrNacked          = errors.New("rabbitmq: publish was nacked by the broker")
	ErrConfirmTimeout  = errors.New("rabbitmq: timed out waiting for confirm")
)

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher implements outbox.Publisher. Publishes are serialised so each
// confirmation matches the message just sent.
type Publisher struct {
	ch             Channel
	conn           *amqp.Connection
	exchange       string
	confirmTimeout time.Duration
	confirms       chan amqp.Confirmation

	mu     sync.Mutex
	closed bool
}

var _ outbox.Publisher = (*Publisher)(nil)

// Option configures a Publisher.
type Option func(*Publisher)

func WithExchange(name string) Option {
	return func(p *Publisher) {
		if name != "" {
			p.exchange = name
		}
	}
}

func WithConfirmTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.confirmTimeout = d
		}
	}
}

// Dial connects to url, opens a channel and declares the exchange.
func Dial(url string, opts ...Option) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	p, err := New(ch, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// New puts ch in confirm mode and declares a durable topic exchange.
func New(ch Channel, opts ...Option) (*Publisher, error) {
	if ch == nil {
		return nil, ErrChannelRequired
	}
	p := &Publisher{
		ch:             ch,
		exchange:       DefaultExchange,
		confirmTimeout: defaultConfirmTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := ch.ExchangeDeclare(p.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("rabbitmq: declare exchange %q: %w", p.exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("rabbitmq: enable confirms: %w", err)
	}
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return p, nil
}

// Publish sends entry and waits for the broker's ack.
func (p *Publisher) Publish(ctx context.Context, entry *outbox.Entry) error {
	if entry == nil {
		return outbox.ErrNilEntry
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     entry.IdempotencyKey,
		CorrelationId: entry.CorrelationID,
		Type:          entry.MessageType,
		Timestamp:     entry.CreatedAt,
		Headers: amqp.Table{
			"x-idempotency-key": entry.IdempotencyKey,
			"x-step-name":       entry.StepName,
			"x-attempt":         int32(entry.AttemptCount),
		},
		Body: entry.Payload,
	}

	if err := p.ch.PublishWithContext(ctx, p.exchange, entry.MessageType, false, false, msg); err != nil {
		return fmt.Errorf("rabbitmq: publish %q: %w", entry.MessageType, err)
	}
	return p.waitForConfirm(ctx)
}

func (p *Publisher) waitForConfirm(ctx context.Context) error {
	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case c, ok := <-p.confirms:
		if !ok {
			return ErrPublisherClosed
		}
		if !c.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrNacked, c.DeliveryTag)
		}
		return nil
	case <-timer.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("rabbitmq: wait for confirm: %w", ctx.Err())
	}
}

// Close closes the channel and, when Dial created it, the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	err := p.ch.Close()
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	if err != nil {
		return fmt.Errorf("rabbitmq: close: %w", err)
	}
	return nil
}
