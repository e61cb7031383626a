package breaker

import (
	"sort"
	"sync"
)

// Dependency names used across arbor.
const (
	Embedding = "embedding"
	Vector    = "vector"
	Graph     = "graph"
	Git       = "git"
)

// Registry hands out one Breaker per dependency, each tuned independently.
type Registry struct {
	defaults  Config
	overrides map[string]Config
	opts      []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a Registry. overrides maps dependency name to its
// configuration; dependencies without an entry use defaults.
func NewRegistry(defaults Config, overrides map[string]Config, opts ...Option) *Registry {
	return &Registry{
		defaults:  defaults,
		overrides: overrides,
		opts:      opts,
		breakers:  make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg, ok := r.overrides[name]
	if !ok {
		cfg = r.defaults
	}
	b := New(name, cfg, r.opts...)
	r.breakers[name] = b
	return b
}

// Stats returns a snapshot of every breaker created so far, sorted by name.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	all := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.Unlock()

	stats := make([]Stats, 0, len(all))
	for _, b := range all {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
