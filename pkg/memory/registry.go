package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Registry holds named stores. It is owned by the caller that builds it.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]Store
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]Store)}
}

// Register adds store under name. Names must be unique and non-empty.
func (r *Registry) Register(name string, store Store) error {
	if name == "" {
		return fmt.Errorf("memory: registry: store name must not be empty")
	}
	if store == nil {
		return fmt.Errorf("memory: registry: store %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stores[name]; ok {
		return fmt.Errorf("memory: registry: store %q already registered", name)
	}
	r.stores[name] = store
	r.order = append(r.order, name)
	return nil
}

// Get returns the store registered under name.
func (r *Registry) Get(name string) (Store, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[name]
	return s, ok
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// InitializeAll initializes every store in registration order and stops at
// the first failure.
func (r *Registry) InitializeAll(ctx context.Context) error {
	for _, name := range r.Names() {
		s, _ := r.Get(name)
		if err := s.Initialize(ctx); err != nil {
			return fmt.Errorf("memory: registry: initialize %q: %w", name, err)
		}
	}
	return nil
}

// CleanupAll cleans up every store in reverse registration order and returns
// all failures joined.
func (r *Registry) CleanupAll(ctx context.Context) error {
	names := r.Names()
	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		s, _ := r.Get(names[i])
		if err := s.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("memory: registry: cleanup %q: %w", names[i], err))
		}
	}
	return errors.Join(errs...)
}
