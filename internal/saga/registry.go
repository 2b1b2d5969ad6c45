package saga

import (
	"sync"
)

// Registry maps message kinds to the saga types that react to them. The
// table is computed when a definition is registered.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]*Definition
	names  []string
	byKind map[Kind][]string
	closed bool
}

func NewRegistry() *Registry {
	return &Registry{
		defs:   map[string]*Definition{},
		byKind: map[Kind][]string{},
	}
}

// Register validates def and indexes its message kinds. Registering a saga
// name that is already known is a no-op.
func (r *Registry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if _, ok := r.defs[def.Name()]; ok {
		return nil
	}

	r.defs[def.Name()] = def
	r.names = append(r.names, def.Name())
	for _, kind := range def.MessageKinds() {
		r.byKind[kind] = append(r.byKind[kind], def.Name())
	}
	return nil
}

// SagasFor returns the saga names interested in kind, in registration order.
func (r *Registry) SagasFor(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.byKind[kind]...)
}

// Definition looks up a registered definition by saga name.
func (r *Registry) Definition(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names lists registered saga names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// Kinds lists every indexed message kind.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	return out
}

// Close drops the tables. Further registrations fail.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.defs = map[string]*Definition{}
	r.names = nil
	r.byKind = map[Kind][]string{}
}
