package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownProvider is returned when a provider name has no factory.
var ErrUnknownProvider = errors.New("unknown provider")

// Provider is the interface that all inference backends implement. Each
// conversation owns its own Provider instance so that Setup on one
// conversation never leaks into another.
type Provider interface {
	// Name returns the registry name the provider was created under.
	Name() string

	// Setup applies backend-specific configuration supplied by a client.
	Setup(ctx context.Context, cfg map[string]any) error

	// Completion starts a streamed completion. The caller must Close
	// the returned stream.
	Completion(ctx context.Context, model string, req Request) (Stream, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// Factory creates a fresh provider instance.
type Factory func() Provider

// Registry maps provider names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// New creates a provider instance by name.
func (r *Registry) New(name string) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return f(), nil
}

// Names returns registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func stringSetting(cfg map[string]any, key string) (string, bool, error) {
	v, ok := cfg[key]
	if !ok {
		return "", false, nil
	}
	s, isStr := v.(string)
	if !isStr {
		return "", false, fmt.Errorf("%s must be a string", key)
	}
	return s, true, nil
}
