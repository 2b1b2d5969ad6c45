// Package membus is an in-process outbox publisher. Handlers subscribe by
// message type and run synchronously on Publish.
package membus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jcmexdev/saga-outbox/internal/messaging"
	"github.com/jcmexdev/saga-outbox/internal/outbox"
	"github.com/jcmexdev/saga-outbox/internal/saga"
)

// Wildcard subscribes to every message type.
const Wildcard = "*"

// DefaultHistorySize is how many published entries a Bus keeps by default.
const DefaultHistorySize = 256

type Handler func(ctx context.Context, entry *outbox.Entry) error

type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler

	// history is a ring of the last historySize published entries; head is
	// the oldest slot once the ring is full.
	history     []*outbox.Entry
	head        int
	historySize int
}

var _ outbox.Publisher = (*Bus)(nil)

// Option configures a Bus.
type Option func(*Bus)

// WithHistory keeps the last n published entries. n <= 0 keeps none.
func WithHistory(n int) Option {
	return func(b *Bus) { b.historySize = n }
}

func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger:      logger,
		handlers:    map[string][]Handler{},
		historySize: DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) Subscribe(messageType string, handler Handler) {
	b.mu.Lock()
	b.handlers[messageType] = append(b.handlers[messageType], handler)
	b.mu.Unlock()
	b.logger.Debug("handler_subscribed", "message_type", messageType)
}

// Publish records entry and runs its handlers in subscription order. Handler
// errors are joined so the processor retries the whole delivery.
func (b *Bus) Publish(ctx context.Context, entry *outbox.Entry) error {
	if entry == nil {
		return outbox.ErrNilEntry
	}

	b.mu.Lock()
	b.record(entry.Clone())
	handlers := append([]Handler{}, b.handlers[entry.MessageType]...)
	handlers = append(handlers, b.handlers[Wildcard]...)
	b.mu.Unlock()

	b.logger.InfoContext(ctx, "event_published",
		"message_type", entry.MessageType,
		"correlation_id", entry.CorrelationID,
		"idempotency_key", entry.IdempotencyKey,
		"handler_count", len(handlers),
	)

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// record stores e in the history ring. Callers hold b.mu.
func (b *Bus) record(e *outbox.Entry) {
	if b.historySize <= 0 {
		return
	}
	if len(b.history) < b.historySize {
		b.history = append(b.history, e)
		return
	}
	b.history[b.head] = e
	b.head = (b.head + 1) % b.historySize
}

// History returns a copy of the retained published entries, oldest first.
func (b *Bus) History() []*outbox.Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.history)
	out := make([]*outbox.Entry, n)
	for i := range out {
		out[i] = b.history[(b.head+i)%n].Clone()
	}
	return out
}

// Loopback feeds delivered entries back into a dispatcher, which lets a
// single process drive a saga through its own produced messages.
func Loopback(codec *messaging.Codec, dispatcher *saga.Dispatcher, senderID string) Handler {
	return func(ctx context.Context, entry *outbox.Entry) error {
		mc, err := codec.Context(messaging.Envelope{
			MessageID:     entry.IdempotencyKey,
			CorrelationID: entry.CorrelationID,
			SenderID:      senderID,
			Kind:          saga.Kind(entry.MessageType),
			Payload:       entry.Payload,
		})
		if errors.Is(err, messaging.ErrUnknownKind) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("membus: decode %s: %w", entry.MessageType, err)
		}
		_, err = dispatcher.Dispatch(ctx, mc)
		return err
	}
}
