package scrape

import "github.com/rotisserie/eris"

// Registry maps source kinds to their adapters.
type Registry struct {
	scrapers map[string]Scraper
	order    []string // insertion order for deterministic iteration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{scrapers: make(map[string]Scraper)}
}

// Register adds an adapter under its Name.
func (r *Registry) Register(s Scraper) {
	name := s.Name()
	r.scrapers[name] = s
	r.order = append(r.order, name)
}

// Get returns an adapter by source kind.
func (r *Registry) Get(kind string) (Scraper, error) {
	s, ok := r.scrapers[kind]
	if !ok {
		return nil, eris.Errorf("scrape: unknown source kind %q", kind)
	}
	return s, nil
}

// AllNames returns registered kinds in registration order.
func (r *Registry) AllNames() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Default returns the registry with every built-in adapter wired up.
func Default() *Registry {
	r := NewRegistry()
	r.Register(&StubBills{})
	r.Register(&StubIntervals{})
	r.Register(&FTPIntervals{})
	return r
}
