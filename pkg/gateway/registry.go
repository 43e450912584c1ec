package gateway

import (
	"fmt"
	"sync"

	"github.com/angelmondragon/billing-backend/pkg/enums"
)

// Registry resolves adapters by provider. The default provider is used for
// new charges; existing transactions resolve through their stored provider.
type Registry struct {
	mu       sync.RWMutex
	adapters map[enums.GatewayProvider]Gateway
	fallback enums.GatewayProvider
}

// NewRegistry registers adapters and selects the default provider.
func NewRegistry(defaultProvider enums.GatewayProvider, adapters ...Gateway) (*Registry, error) {
	r := &Registry{adapters: make(map[enums.GatewayProvider]Gateway, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		r.adapters[a.Provider()] = a
	}
	if _, ok := r.adapters[defaultProvider]; !ok {
		return nil, fmt.Errorf("default gateway %q is not registered", defaultProvider)
	}
	r.fallback = defaultProvider
	return r, nil
}

// Register adds or replaces an adapter.
func (r *Registry) Register(g Gateway) {
	if g == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[g.Provider()] = g
}

// Get returns the adapter for provider, or a NotConfigured failure.
func (r *Registry) Get(provider enums.GatewayProvider) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.adapters[provider]
	if !ok {
		return nil, NotConfigured(fmt.Sprintf("no adapter for provider %q", provider))
	}
	return g, nil
}

// Default returns the adapter used for new charges.
func (r *Registry) Default() Gateway {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[r.fallback]
}
