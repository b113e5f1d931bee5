package provider

import (
	"fmt"
	"sync"
)

// Registry is a concurrency-safe map of provider name -> Provider.
//
// Invariants:
//   - At most one Provider may be registered per name.
//   - Registration happens at process startup.
//   - Lookups happen concurrently from every worker goroutine and from the
//     admission boundary's validation path when checking that a submitted
//     provider name is one of the registered providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds p under p.Name(). Duplicate registration is a startup
// wiring error, not a runtime condition, so it fails fast.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return fmt.Errorf("nil provider")
	}
	name := p.Name()
	if name == "" {
		return fmt.Errorf("provider Name() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider already registered for name=%s", name)
	}
	r.providers[name] = p
	return nil
}

// Get retrieves the provider for name, if any.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns every registered provider name, for admission validation.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	return names
}
