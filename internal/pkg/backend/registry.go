package backend

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"siteagent/config"
)

// Factory builds an adapter for one offering.
type Factory func(off config.Offering, logger *slog.Logger) (Backend, error)

// Registry maps backend kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// New builds the adapter for off and wraps it in the offering's rate limit.
func (r *Registry) New(off config.Offering, logger *slog.Logger) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[off.Backend.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("offering %s: unknown backend kind %q", off.ID, off.Backend.Kind)
	}
	b, err := f(off, logger.With("backend", off.Backend.Kind, "offering", off.ID))
	if err != nil {
		return nil, fmt.Errorf("offering %s: init %s backend: %w", off.ID, off.Backend.Kind, err)
	}
	if off.RateLimit.QPS > 0 {
		burst := off.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		b = NewRateLimited(b, rate.NewLimiter(rate.Limit(off.RateLimit.QPS), burst))
	}
	return b, nil
}
