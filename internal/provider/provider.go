// Package provider defines the uniform adapter contract for external AI
// answer providers and a registry keyed by provider id. The engine never
// embeds platform-specific auth or URL logic; each adapter owns its own
// wire protocol.
package provider

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/brandpulse/internal/model"
)

// Adapter sends one prompt to one AI backend and returns its response.
// Implementations must honor the timeout and classify wire failures into
// resilience.ProviderError kinds before returning them.
type Adapter interface {
	// Name returns the provider identifier used in execution model sets.
	Name() string
	// Send submits a prompt and waits up to timeout for an answer.
	Send(ctx context.Context, prompt string, timeout time.Duration) (*model.ProviderResponse, error)
}

// Registry manages the available provider adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns an adapter by provider id, or nil if not registered.
func (r *Registry) Get(name string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[name]
}

// List returns all registered provider ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
