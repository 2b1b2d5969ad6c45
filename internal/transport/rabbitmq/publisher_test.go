package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/saga-outbox/internal/outbox"
)

type fakeChannel struct {
	mu         sync.Mutex
	confirms   chan amqp.Confirmation
	published  []amqp.Publishing
	keys       []string
	exchanges  []string
	confirmOn  bool
	ack        bool
	publishErr error
	silent     bool
	closed     bool
}

func (c *fakeChannel) Confirm(bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmOn = true
	return nil
}

func (c *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirms = confirm
	return confirm
}

func (c *fakeChannel) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = append(c.exchanges, name)
	return nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, msg)
	c.keys = append(c.keys, key)
	if !c.silent {
		c.confirms <- amqp.Confirmation{DeliveryTag: uint64(len(c.published)), Ack: c.ack}
	}
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func testEntry() *outbox.Entry {
	return &outbox.Entry{
		IdempotencyKey: "k-1",
		StepName:       "charge-payment",
		CorrelationID:  "c-1",
		MessageType:    "orders.OrderConfirmed",
		Payload:        []byte(`{"order_id":"o-1"}`),
		CreatedAt:      time.Now(),
		AttemptCount:   2,
	}
}

func TestPublisher_PublishesWithConfirm(t *testing.T) {
	ch := &fakeChannel{ack: true}
	p, err := New(ch, WithExchange("orders"))
	require.NoError(t, err)
	assert.True(t, ch.confirmOn)
	assert.Equal(t, []string{"orders"}, ch.exchanges)

	require.NoError(t, p.Publish(context.Background(), testEntry()))

	require.Len(t, ch.published, 1)
	msg := ch.published[0]
	assert.Equal(t, "orders.OrderConfirmed", ch.keys[0])
	assert.Equal(t, "k-1", msg.MessageId)
	assert.Equal(t, "c-1", msg.CorrelationId)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "k-1", msg.Headers["x-idempotency-key"])
	assert.Equal(t, []byte(`{"order_id":"o-1"}`), msg.Body)
}

func TestPublisher_Nack(t *testing.T) {
	p, err := New(&fakeChannel{ack: false})
	require.NoError(t, err)
	require.ErrorIs(t, p.Publish(context.Background(), testEntry()), ErrNacked)
}

func TestPublisher_ConfirmTimeout(t *testing.T) {
	p, err := New(&fakeChannel{silent: true}, WithConfirmTimeout(10*time.Millisecond))
	require.NoError(t, err)
	require.ErrorIs(t, p.Publish(context.Background(), testEntry()), ErrConfirmTimeout)
}

func TestPublisher_PublishError(t *testing.T) {
	boom := errors.New("channel closed")
	p, err := New(&fakeChannel{publishErr: boom})
	require.NoError(t, err)
	require.ErrorIs(t, p.Publish(context.Background(), testEntry()), boom)
}

func TestPublisher_ClosedAndNil(t *testing.T) {
	ch := &fakeChannel{ack: true}
	p, err := New(ch)
	require.NoError(t, err)

	require.ErrorIs(t, p.Publish(context.Background(), nil), outbox.ErrNilEntry)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
	require.ErrorIs(t, p.Publish(context.Background(), testEntry()), ErrPublisherClosed)

	_, err = New(nil)
	require.ErrorIs(t, err, ErrChannelRequired)
}
