package adapters

import "fmt"

// Registry is the explicit mapping from source identifier to its adapter,
// populated once at startup. Lookups are read-only afterwards, so concurrent
// use needs no locking.
type Registry struct {
	order []string
	byID  map[string]SourceAdapter
}

// NewRegistry builds a registry from the given adapters. A duplicate source
// identifier is a wiring bug and fails startup.
func NewRegistry(adapters ...SourceAdapter) (*Registry, error) {
	r := &Registry{byID: make(map[string]SourceAdapter, len(adapters))}
	for _, a := range adapters {
		id := a.ID()
		if _, dup := r.byID[id]; dup {
			return nil, fmt.Errorf("registry: duplicate adapter id %q", id)
		}
		r.byID[id] = a
		r.order = append(r.order, id)
	}
	return r, nil
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (SourceAdapter, bool) {
	a, ok := r.byID[id]
	return a, ok
}

// IDs returns all registered source identifiers in registration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
