package schema

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Sentinel errors for registry lookups. Callers match with errors.Is.
var (
	ErrDuplicateEntity = errors.New("schema: entity already registered")
	ErrUnknownEntity   = errors.New("schema: unknown entity")
)

// Registry is the central, read-only catalogue of entity descriptors.
//
// Concurrency:
//   - Registration happens at process start; reads happen from every job.
//   - Guarded by an RWMutex so concurrent Get calls never contend with
//     each other.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]Entity
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]Entity)}
}

// Register adds an entity descriptor.
//
// Errors:
//   - ErrDuplicateEntity if the name is already registered.
//   - A validation error if the descriptor is internally inconsistent.
func (r *Registry) Register(e Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entities[e.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEntity, e.Name)
	}
	r.entities[e.Name] = e
	return nil
}

// Get returns the descriptor for an entity name.
//
// Errors:
//   - ErrUnknownEntity if the name was never registered.
func (r *Registry) Get(name string) (Entity, error) {
	r.mu.RLock()
	e, ok := r.entities[name]
	r.mu.RUnlock()

	if !ok {
		return Entity{}, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	return e, nil
}

// Names returns all registered entity names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.entities))
	for n := range r.entities {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// All returns every registered entity, sorted by name. Used by the CLI to
// auto-create warehouse tables at startup.
func (r *Registry) All() []Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
