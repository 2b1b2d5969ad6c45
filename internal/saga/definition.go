package saga

import (
	"context"
	"fmt"
	"strings"
)

// Scope is handed to every activity of one dispatch.
type Scope struct {
	Instance *Instance
	Context  MessageContext
	emitter  Emitter
}

// Emit hands msg to the configured emitter.
func (s *Scope) Emit(ctx context.Context, msg Message) error {
	if s.emitter == nil {
		return ErrEmitterRequired
	}
	return s.emitter.Emit(ctx, s.Instance, s.Context, msg)
}

// Emitter takes over outgoing messages. The outbox emitter persists them.
type Emitter interface {
	Emit(ctx context.Context, inst *Instance, trigger MessageContext, msg Message) error
}

// Activity is one composed reaction.
type Activity interface {
	Execute(ctx context.Context, s *Scope) error
}

// ActivityFunc adapts a function to Activity.
type ActivityFunc func(ctx context.Context, s *Scope) error

func (f ActivityFunc) Execute(ctx context.Context, s *Scope) error { return f(ctx, s) }

// kindFilter is implemented by activities that only react to one kind.
type kindFilter interface {
	kinds() []Kind
}

type whenActivity struct {
	kind       Kind
	activities []Activity
}

// When runs activities only when the inbound message has the given kind.
// Any other kind is a silent no-op.
func When(kind Kind, activities ...Activity) Activity {
	return &whenActivity{kind: kind, activities: activities}
}

func (w *whenActivity) Execute(ctx context.Context, s *Scope) error {
	if s.Context.Kind() != w.kind {
		return nil
	}
	return runSequential(ctx, s, w.activities)
}

// kinds is the outer kind only: a nested When can only ever see w.kind.
func (w *whenActivity) kinds() []Kind {
	return []Kind{w.kind}
}

// Then is a plain side-effecting action.
func Then(fn func(ctx context.Context, s *Scope) error) Activity {
	return ActivityFunc(fn)
}

// Factory builds an outgoing message from the instance. A nil message means
// nothing to send.
type Factory func(inst *Instance, trigger MessageContext) (Message, error)

type produceActivity struct {
	factory Factory
}

// Produce emits the message built by factory.
func Produce(factory Factory) Activity {
	return &produceActivity{factory: factory}
}

func (p *produceActivity) Execute(ctx context.Context, s *Scope) error {
	msg, err := p.factory(s.Instance, s.Context)
	if err != nil {
		return fmt.Errorf("saga: produce message: %w", err)
	}
	if msg == nil {
		return nil
	}
	return s.Emit(ctx, msg)
}

type transitionActivity struct {
	next State
}

// TransitionTo moves the instance to next.
func TransitionTo(next State) Activity {
	return &transitionActivity{next: next}
}

func (t *transitionActivity) Execute(_ context.Context, s *Scope) error {
	s.Instance.TransitionTo(t.next)
	return nil
}

func runSequential(ctx context.Context, s *Scope, activities []Activity) error {
	for _, a := range activities {
		if err := a.Execute(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func collectKinds(activities []Activity) []Kind {
	var out []Kind
	for _, a := range activities {
		if f, ok := a.(kindFilter); ok {
			out = append(out, f.kinds()...)
		}
	}
	return out
}

// Definition declares the reactions of one saga type per state. It is built
// once at startup and read-only after registration.
type Definition struct {
	name   string
	states map[State][]Activity
	order  []State
	steps  []StepDefinition
}

// NewDefinition starts a definition for the named saga type.
func NewDefinition(name string) *Definition {
	return &Definition{
		name:   strings.TrimSpace(name),
		states: map[State][]Activity{},
	}
}

// Initially registers reactions for the Initial state.
func (d *Definition) Initially(activities ...Activity) *Definition {
	return d.During(Initial, activities...)
}

// During registers reactions for state, appended after earlier ones.
func (d *Definition) During(state State, activities ...Activity) *Definition {
	if _, ok := d.states[state]; !ok {
		d.order = append(d.order, state)
	}
	d.states[state] = append(d.states[state], activities...)
	return d
}

// WithSteps attaches the step metadata validated at registration.
func (d *Definition) WithSteps(steps ...StepDefinition) *Definition {
	d.steps = append(d.steps, steps...)
	return d
}

func (d *Definition) Name() string { return d.name }

// Steps returns a copy of the attached steps.
func (d *Definition) Steps() []StepDefinition {
	return append([]StepDefinition(nil), d.steps...)
}

// Handlers returns the reactions registered for state.
func (d *Definition) Handlers(state State) []Activity {
	return d.states[state]
}

// States lists the states with registered reactions, in declaration order.
func (d *Definition) States() []State {
	return append([]State(nil), d.order...)
}

// MessageKinds lists every kind with a type-filtered reaction, across all
// states, without duplicates.
func (d *Definition) MessageKinds() []Kind {
	seen := map[Kind]struct{}{}
	var out []Kind
	for _, state := range d.order {
		for _, k := range collectKinds(d.states[state]) {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

// Accepts reports whether state has a reaction filtered on kind.
func (d *Definition) Accepts(state State, kind Kind) bool {
	for _, k := range collectKinds(d.states[state]) {
		if k == kind {
			return true
		}
	}
	return false
}

// Validate checks the definition once, before any message is processed.
func (d *Definition) Validate() error {
	if d == nil {
		return ErrDefinitionRequired
	}
	if d.name == "" {
		return ErrDefinitionNameRequired
	}
	for _, state := range d.order {
		for i, a := range d.states[state] {
			if err := validateActivity(a); err != nil {
				return fmt.Errorf("%s: state %s reaction %d: %w", d.name, state, i, err)
			}
		}
	}
	if err := ValidateSteps(d.steps); err != nil {
		return fmt.Errorf("%s: %w", d.name, err)
	}
	return nil
}

func validateActivity(a Activity) error {
	switch v := a.(type) {
	case nil:
		return ErrNilActivity
	case ActivityFunc:
		if v == nil {
			return ErrNilActivity
		}
	case *whenActivity:
		if v.kind == "" {
			return fmt.Errorf("saga: When requires a message kind")
		}
		for _, inner := range v.activities {
			if err := validateActivity(inner); err != nil {
				return err
			}
		}
	case *produceActivity:
		if v.factory == nil {
			return fmt.Errorf("saga: Produce requires a factory")
		}
	case *transitionActivity:
		if v.next == "" {
			return fmt.Errorf("saga: TransitionTo requires a state")
		}
	}
	return nil
}
