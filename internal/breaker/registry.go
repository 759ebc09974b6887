package breaker

import (
	"sort"
	"sync"
)

// Registry owns one breaker per named external resource. Components receive
// the registry and look breakers up by name instead of holding ad hoc
// singletons.
type Registry struct {
	mu       sync.Mutex
	defaults Config
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share the given defaults.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		defaults: defaults.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the named resource, creating it closed on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.defaults)
		r.breakers[name] = b
	}
	return b
}

// Snapshots returns the state of every registered breaker, sorted by resource name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Resource < snaps[j].Resource })
	return snaps
}
