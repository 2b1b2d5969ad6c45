package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jcmexdev/saga-outbox/internal/coordinator/sagalog"
)

// Dispatcher routes inbound messages to every interested saga type, loading
// or creating the matching instance and persisting it after the reactions
// ran. Messages of one correlation id are handled one at a time.
type Dispatcher struct {
	registry *Registry
	store    InstanceStore
	emitter  Emitter
	journal  sagalog.Repository
	logger   *slog.Logger

	mu      sync.Mutex
	engines map[string]*Engine
	locks   keyedMutex
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithJournal records STARTED and TRANSITION rows in repo.
func WithJournal(repo sagalog.Repository) DispatcherOption {
	return func(d *Dispatcher) { d.journal = repo }
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func NewDispatcher(registry *Registry, store InstanceStore, emitter Emitter, opts ...DispatcherOption) (*Dispatcher, error) {
	if registry == nil {
		return nil, ErrDefinitionRequired
	}
	if store == nil {
		return nil, ErrStoreRequired
	}
	d := &Dispatcher{
		registry: registry,
		store:    store,
		emitter:  emitter,
		logger:   slog.Default(),
		engines:  map[string]*Engine{},
		locks:    keyedMutex{locks: map[string]*lockEntry{}},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch hands mc to every saga registered for its kind and returns how
// many instances processed it. A failure in one saga does not stop the
// others; all failures are joined.
func (d *Dispatcher) Dispatch(ctx context.Context, mc MessageContext) (int, error) {
	if mc.Message() == nil {
		return 0, ErrMessageRequired
	}

	names := d.registry.SagasFor(mc.Kind())
	if len(names) == 0 {
		d.logger.DebugContext(ctx, "no saga for message kind", "kind", mc.Kind())
		return 0, nil
	}

	unlock := d.locks.lock(mc.CorrelationID())
	defer unlock()

	handled := 0
	var errs []error
	for _, name := range names {
		ok, err := d.dispatchOne(ctx, name, mc)
		if err != nil {
			errs = append(errs, fmt.Errorf("saga %s: %w", name, err))
			continue
		}
		if ok {
			handled++
		}
	}
	return handled, errors.Join(errs...)
}

func (d *Dispatcher) dispatchOne(ctx context.Context, name string, mc MessageContext) (bool, error) {
	engine, err := d.engine(name)
	if err != nil {
		return false, err
	}

	inst, err := d.store.Load(ctx, name, mc.CorrelationID())
	if err != nil {
		return false, fmt.Errorf("load instance: %w", err)
	}

	created := false
	if inst == nil {
		if !engine.Definition().Accepts(Initial, mc.Kind()) {
			d.logger.DebugContext(ctx, "message does not start saga",
				"saga", name, "kind", mc.Kind(), "correlation_id", mc.CorrelationID())
			return false, nil
		}
		inst = NewInstance(name, mc)
		created = true
	}

	if !engine.CanProcess(inst, mc) {
		d.logger.DebugContext(ctx, "instance skipped message",
			"saga", name, "state", inst.State(), "status", inst.Status, "kind", mc.Kind())
		return false, nil
	}

	if created {
		d.record(ctx, inst, sagalog.StatusStarted, string(Initial), encodePayload(mc.Message()))
	}

	from := inst.State()
	if err := engine.Handle(ctx, inst, mc); err != nil {
		return false, err
	}
	if to := inst.State(); to != from {
		d.record(ctx, inst, sagalog.StatusTransition, string(to), "")
	}

	if err := d.store.Save(ctx, inst); err != nil {
		return false, fmt.Errorf("save instance: %w", err)
	}
	return true, nil
}

func (d *Dispatcher) engine(name string) (*Engine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.engines[name]; ok {
		return e, nil
	}
	def, ok := d.registry.Definition(name)
	if !ok {
		return nil, fmt.Errorf("saga: %q is not registered", name)
	}
	e, err := NewEngine(def, d.emitter, d.logger)
	if err != nil {
		return nil, err
	}
	d.engines[name] = e
	return e, nil
}

func (d *Dispatcher) record(ctx context.Context, inst *Instance, status sagalog.Status, step, payload string) {
	entry := sagalog.NewEntry(ctx, inst.CorrelationID, inst.SagaName, status, step, payload, nil)
	if err := sagalog.Record(ctx, d.journal, entry); err != nil {
		d.logger.WarnContext(ctx, "saga journal write failed",
			"saga", inst.SagaName, "status", status, "error", err)
	}
}

func encodePayload(msg Message) string {
	b, err := json.Marshal(msg)
	if err != nil {
		return ""
	}
	return string(b)
}

// keyedMutex serialises work per key and frees idle entries.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
