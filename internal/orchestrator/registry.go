package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/annotation"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/errors"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/resilience"
)

// Registry maps source names to source instances. Lookups ignore case.
type Registry struct {
	sources map[string]annotation.Source
	mu      sync.RWMutex
}

// NewRegistry creates a registry holding srcs
func NewRegistry(srcs ...annotation.Source) (*Registry, error) {
	r := &Registry{sources: make(map[string]annotation.Source)}
	for _, src := range srcs {
		if err := r.Register(src); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a source
func (r *Registry) Register(src annotation.Source) error {
	if src == nil {
		return errors.NewValidationError("source cannot be nil")
	}
	if src.Name() == "" {
		return errors.NewValidationError("source name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(src.Name())
	if _, exists := r.sources[key]; exists {
		return errors.NewConflictError(fmt.Sprintf("source %s is already registered", src.Name()))
	}
	r.sources[key] = src
	return nil
}

// Unregister removes a source
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(name)
	if _, exists := r.sources[key]; !exists {
		return errors.NewNotFoundError("source")
	}
	delete(r.sources, key)
	return nil
}

// Get returns a source by name
func (r *Registry) Get(name string) (annotation.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src, exists := r.sources[strings.ToLower(name)]
	if !exists {
		return nil, errors.NewNotFoundError("source").WithDetail("source", name)
	}
	return src, nil
}

// Names returns the registered source names in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sources))
	for _, src := range r.sources {
		names = append(names, src.Name())
	}
	sort.Strings(names)
	return names
}

// Active returns the sources enabled for pipeline runs, ordered by name
func (r *Registry) Active() []annotation.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]annotation.Source, 0, len(r.sources))
	for _, src := range r.sources {
		if src.Config().IsActive() {
			active = append(active, src)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Name() < active[j].Name() })
	return active
}

// Resolve returns the named sources, or every active source when names is
// empty. Unknown names are a validation error.
func (r *Registry) Resolve(names []string) ([]annotation.Source, error) {
	if len(names) == 0 {
		return r.Active(), nil
	}

	resolved := make([]annotation.Source, 0, len(names))
	seen := make(map[string]bool, len(names))
	var unknown []string
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		src, err := r.Get(key)
		if err != nil {
			unknown = append(unknown, name)
			continue
		}
		resolved = append(resolved, src)
	}

	if len(unknown) > 0 {
		return nil, errors.NewValidationError(fmt.Sprintf("unknown sources: %s", strings.Join(unknown, ", "))).
			WithDetail("known", strings.Join(r.Names(), ","))
	}
	return resolved, nil
}

// CircuitStates returns the breaker state of every source
func (r *Registry) CircuitStates() map[string]resilience.CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]resilience.CircuitState, len(r.sources))
	for _, src := range r.sources {
		states[src.Name()] = src.CircuitState()
	}
	return states
}
