package gateway

import (
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// Factory builds a fresh, unconfigured adapter.
type Factory func() Gateway

// Registry maps provider identifiers to adapter factories. It is filled at
// startup; Resolve hands out a new adapter per call so no credentials are
// shared between requests.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with all built-in providers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("stripe", func() Gateway { return NewStripeGateway() })
	r.Register("paystack", func() Gateway { return NewPaystackGateway() })
	r.Register("flutterwave", func() Gateway { return NewFlutterwaveGateway() })
	r.Register("manual", func() Gateway { return NewManualGateway() })
	return r
}

// Register adds or replaces the factory for provider.
func (r *Registry) Register(provider string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalizeProvider(provider)] = factory
}

// Has reports whether provider is registered.
func (r *Registry) Has(provider string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[normalizeProvider(provider)]
	return ok
}

// Providers lists the registered provider identifiers in sorted order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Resolve builds and configures an adapter for provider.
func (r *Registry) Resolve(provider string, creds Credentials) (Gateway, error) {
	r.mu.RLock()
	factory, ok := r.factories[normalizeProvider(provider)]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownProvider, "provider %q", provider)
	}
	gw := factory()
	if err := gw.Configure(creds); err != nil {
		return nil, err
	}
	return gw, nil
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
