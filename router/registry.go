package router

import (
	"fmt"
	"sync"
)

// Registry holds the known operator kinds. The stateful kind is the
// fallback used when no other kind matches an operator's store names.
type Registry struct {
	mu       sync.RWMutex
	kinds    map[string]Kind
	order    []string
	fallback Kind
}

// NewRegistry returns a registry with the built-in kinds.
func NewRegistry() *Registry {
	r := &Registry{kinds: make(map[string]Kind), fallback: StatefulKind{}}
	r.kinds[StatefulKindName] = StatefulKind{}
	_ = r.Register(StreamStreamJoinKind{})
	return r
}

// Register adds a kind. Names must be unique.
func (r *Registry) Register(kind Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := kind.Name()
	if name == "" {
		return fmt.Errorf("router: kind name must not be empty")
	}
	if _, exists := r.kinds[name]; exists {
		return fmt.Errorf("router: kind %q already registered", name)
	}
	r.kinds[name] = kind
	r.order = append(r.order, name)
	return nil
}

// Lookup returns the kind registered under name.
func (r *Registry) Lookup(name string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	return k, ok
}

// Infer picks the kind of an operator registered without one: the first
// registered kind matching its store names, else the stateful kind.
func (r *Registry) Infer(storeNames []string) Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		if k := r.kinds[name]; k.Matches(storeNames) {
			return k
		}
	}
	return r.fallback
}
