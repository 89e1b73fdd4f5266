package breaker

import "sync"

// Well-known dependency names protected by circuit breakers.
const (
	DependencyTranscoder   = "transcoder"
	DependencyMediaLibrary = "media_library"
)

// Registry manages circuit breakers for multiple named dependencies.
type Registry struct {
	config Config

	mu  sync.RWMutex
	cbs map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share the given configuration.
func NewRegistry(config Config) *Registry {
	return &Registry{
		config: config,
		cbs:    make(map[string]*Breaker),
	}
}

// Get returns or creates the circuit breaker for the given dependency.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	cb, ok := r.cbs[name]
	r.mu.RUnlock()

	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, ok := r.cbs[name]; ok {
		return cb
	}

	cb = New(r.config)
	r.cbs[name] = cb
	return cb
}

// AllStates returns the current state of every registered breaker.
func (r *Registry) AllStates() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]State, len(r.cbs))
	for name, cb := range r.cbs {
		states[name] = cb.State()
	}
	return states
}

// AllStats returns statistics for all registered breakers.
func (r *Registry) AllStats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]Stats, len(r.cbs))
	for name, cb := range r.cbs {
		stats[name] = cb.Stats()
	}
	return stats
}
