package saga

import (
	"context"
	"fmt"
	"log/slog"
)

// Engine dispatches messages against one saga definition.
type Engine struct {
	def     *Definition
	emitter Emitter
	logger  *slog.Logger
}

// NewEngine validates def and returns an engine for it. emitter may be nil
// when the definition never produces messages.
func NewEngine(def *Definition, emitter Emitter, logger *slog.Logger) (*Engine, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		def:     def,
		emitter: emitter,
		logger:  logger.With("saga", def.Name()),
	}, nil
}

func (e *Engine) Definition() *Definition { return e.def }

// Handle runs, in registration order, every reaction registered for the
// instance's current state. It stops at the first failing reaction.
func (e *Engine) Handle(ctx context.Context, inst *Instance, mc MessageContext) error {
	if inst == nil {
		return ErrInstanceRequired
	}
	if mc.Message() == nil {
		return ErrMessageRequired
	}

	state := inst.State()
	handlers := e.def.Handlers(state)
	if len(handlers) == 0 {
		e.logger.DebugContext(ctx, "no reactions for state",
			"state", state, "kind", mc.Kind(), "correlation_id", inst.CorrelationID)
		return nil
	}

	scope := &Scope{Instance: inst, Context: mc, emitter: e.emitter}
	for i, h := range handlers {
		if err := h.Execute(ctx, scope); err != nil {
			return fmt.Errorf("saga %s: state %s reaction %d: %w", e.def.Name(), state, i, err)
		}
	}

	if from := state; inst.State() != from {
		e.logger.InfoContext(ctx, "saga transitioned",
			"from", from, "to", inst.State(), "kind", mc.Kind(), "correlation_id", inst.CorrelationID)
	}
	return nil
}

// CanProcess reports whether inst should accept mc: the instance is not
// terminal, the correlation ids match and the current state reacts to the
// message kind.
func (e *Engine) CanProcess(inst *Instance, mc MessageContext) bool {
	if inst == nil || mc.Message() == nil {
		return false
	}
	if inst.Status.IsTerminal() {
		return false
	}
	if mc.CorrelationID() != "" && inst.CorrelationID != mc.CorrelationID() {
		return false
	}
	return e.def.Accepts(inst.State(), mc.Kind())
}
