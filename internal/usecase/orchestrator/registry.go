package orchestrator

import (
	"sort"
	"sync"
	"time"

	"medigate/internal/domain"
)

// Registry is the in-memory set of configured backends. It is built once at
// startup; entries are never removed, only flagged. Health flags are the only
// mutable state, written by the health monitor and read by everyone else.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
	order   []string // names sorted once for deterministic iteration
}

type registryEntry struct {
	backend  domain.Backend
	health   domain.HealthState
	probedAt time.Time
}

// NewRegistry builds a registry from the configured backends.
func NewRegistry(backends []domain.Backend) *Registry {
	r := &Registry{entries: make(map[string]*registryEntry, len(backends))}
	for _, b := range backends {
		r.entries[b.Name] = &registryEntry{backend: b, health: domain.HealthUnknown}
		r.order = append(r.order, b.Name)
	}
	sort.Strings(r.order)
	return r
}

// Select resolves a filter into participating backends. An empty filter means
// every enabled backend; an explicit subset must name known backends and
// silently skips disabled ones. Ordering is by backend name.
func (r *Registry) Select(filter domain.SelectionFilter) ([]domain.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if filter.All() {
		var out []domain.Backend
		for _, name := range r.order {
			if e := r.entries[name]; e.backend.Enabled {
				out = append(out, e.backend)
			}
		}
		return out, nil
	}

	names := append([]string(nil), filter.Backends...)
	sort.Strings(names)

	var out []domain.Backend
	for _, name := range names {
		e, ok := r.entries[name]
		if !ok {
			return nil, domain.NewDomainError("Registry.Select", domain.ErrBackendNotFound, name)
		}
		if !e.backend.Enabled {
			continue
		}
		out = append(out, e.backend)
	}
	return out, nil
}

// Get returns one backend by name.
func (r *Registry) Get(name string) (domain.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return domain.Backend{}, domain.NewDomainError("Registry.Get", domain.ErrBackendNotFound, name)
	}
	return e.backend, nil
}

// MarkHealth records a probe outcome for one backend. Unknown names are
// ignored: probes can race a config reload in tests.
func (r *Registry) MarkHealth(name string, state domain.HealthState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		e.health = state
		e.probedAt = time.Now()
	}
}

// Health returns the last recorded health state for one backend.
func (r *Registry) Health(name string) domain.HealthState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[name]; ok {
		return e.health
	}
	return domain.HealthUnknown
}

// Snapshot returns a point-in-time view of every backend, ordered by name.
func (r *Registry) Snapshot() []domain.BackendStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.BackendStatus, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		out = append(out, domain.BackendStatus{
			Name:        e.backend.Name,
			Description: e.backend.Description,
			URL:         e.backend.URL,
			Enabled:     e.backend.Enabled,
			Health:      e.health,
			Tools:       append([]string(nil), e.backend.DeclaredTools...),
			Resources:   append([]string(nil), e.backend.DeclaredResources...),
			ProbedAt:    e.probedAt,
		})
	}
	return out
}
