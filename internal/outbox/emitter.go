package outbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jcmexdev/saga-outbox/internal/idempotency"
	"github.com/jcmexdev/saga-outbox/internal/messaging"
	"github.com/jcmexdev/saga-outbox/internal/saga"
)

// Emitter hands produced saga messages to the outbox instead of a broker.
type Emitter struct {
	repo   Repository
	codec  *messaging.Codec
	logger *slog.Logger
}

var _ saga.Emitter = (*Emitter)(nil)

func NewEmitter(repo Repository, codec *messaging.Codec, logger *slog.Logger) (*Emitter, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}
	if codec == nil {
		return nil, ErrCodecRequired
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{repo: repo, codec: codec, logger: logger.With("component", "outbox.emitter")}, nil
}

// stepNamer is implemented by messages that know which step produced them.
type stepNamer interface {
	StepName() string
}

// Emit stores msg as a Pending entry. A message already in the outbox, same
// idempotency key, is dropped silently.
func (e *Emitter) Emit(ctx context.Context, inst *saga.Instance, trigger saga.MessageContext, msg saga.Message) error {
	if msg == nil {
		return saga.ErrMessageRequired
	}
	if inst == nil {
		return saga.ErrInstanceRequired
	}

	key, err := keyFor(inst, trigger, msg)
	if err != nil {
		return err
	}

	payload, err := e.codec.Encode(msg)
	if err != nil {
		return err
	}

	step := inst.State().String()
	if n, ok := msg.(stepNamer); ok && n.StepName() != "" {
		step = n.StepName()
	}

	entry, err := NewEntry(key, step, inst.CorrelationID, string(msg.Kind()), payload)
	if err != nil {
		return err
	}

	saved, err := e.repo.Save(ctx, entry)
	if err != nil {
		return fmt.Errorf("outbox: save %q: %w", entry.MessageType, err)
	}
	if !saved {
		e.logger.DebugContext(ctx, "duplicate outbox entry ignored",
			"idempotency_key", key, "message_type", entry.MessageType)
		return nil
	}

	e.logger.DebugContext(ctx, "outbox entry stored",
		"idempotency_key", key, "message_type", entry.MessageType, "correlation_id", entry.CorrelationID)
	return nil
}

func keyFor(inst *saga.Instance, trigger saga.MessageContext, msg saga.Message) (string, error) {
	if sm, ok := msg.(idempotency.StepMessage); ok {
		return idempotency.Derive(sm)
	}
	return idempotency.Derive(producedMessage{
		correlation: inst.CorrelationID,
		kind:        string(msg.Kind()),
		trigger:     trigger.MessageID(),
	})
}

// producedMessage keys messages that carry no idempotency fields of their
// own: one per kind per trigger message of the instance.
type producedMessage struct {
	correlation string
	kind        string
	trigger     string
}

func (m producedMessage) CorrelationID() string { return m.correlation }

func (m producedMessage) IdempotencyFields() []idempotency.Field {
	return []idempotency.Field{
		{Order: 1, Value: m.kind},
		{Order: 2, Value: m.trigger},
	}
}
