// Package messaging maps message kinds to Go types so payloads can cross
// process boundaries as JSON.
package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jcmexdev/saga-outbox/internal/saga"
)

var (
	ErrUnknownKind   = errors.New("messaging: unknown message kind")
	ErrKindRequired  = errors.New("messaging: message kind is required")
	ErrDuplicateKind = errors.New("messaging: message kind already registered")
)

// Factory returns a fresh pointer to decode a payload into.
type Factory func() saga.Message

// Codec is safe for concurrent use once populated.
type Codec struct {
	mu        sync.RWMutex
	factories map[saga.Kind]Factory
}

func NewCodec() *Codec {
	return &Codec{factories: map[saga.Kind]Factory{}}
}

// Register binds kind to factory.
func (c *Codec) Register(kind saga.Kind, factory Factory) error {
	if strings.TrimSpace(string(kind)) == "" {
		return ErrKindRequired
	}
	if factory == nil {
		return fmt.Errorf("messaging: factory for %q is nil", kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.factories[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}
	c.factories[kind] = factory
	return nil
}

// MustRegister panics on a registration error. Meant for init-time tables.
func (c *Codec) MustRegister(kind saga.Kind, factory Factory) {
	if err := c.Register(kind, factory); err != nil {
		panic(err)
	}
}

// Encode renders msg as JSON.
func (c *Codec) Encode(msg saga.Message) ([]byte, error) {
	if msg == nil {
		return nil, saga.ErrMessageRequired
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("messaging: encode %q: %w", msg.Kind(), err)
	}
	return b, nil
}

// Decode builds the registered type of kind from payload.
func (c *Codec) Decode(kind saga.Kind, payload []byte) (saga.Message, error) {
	c.mu.RLock()
	factory, ok := c.factories[kind]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	msg := factory()
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, msg); err != nil {
			return nil, fmt.Errorf("messaging: decode %q: %w", kind, err)
		}
	}
	return msg, nil
}

// Kinds lists the registered kinds.
func (c *Codec) Kinds() []saga.Kind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]saga.Kind, 0, len(c.factories))
	for k := range c.factories {
		out = append(out, k)
	}
	return out
}

// Envelope is the transport form of an inbound message.
type Envelope struct {
	MessageID     string          `json:"message_id"`
	CorrelationID string          `json:"correlation_id"`
	SenderID      string          `json:"sender_id"`
	Kind          saga.Kind       `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
}

// Context decodes env into an immutable message context.
func (c *Codec) Context(env Envelope) (saga.MessageContext, error) {
	if env.Kind == "" {
		return saga.MessageContext{}, ErrKindRequired
	}
	msg, err := c.Decode(env.Kind, env.Payload)
	if err != nil {
		return saga.MessageContext{}, err
	}
	return saga.NewMessageContext(msg, env.MessageID, env.CorrelationID, env.SenderID)
}
