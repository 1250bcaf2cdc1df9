// ABOUTME: Registry mapping stable job class ids to factories, plus the params codec.
// ABOUTME: Classes are validated eagerly at Register so broken types fail at startup.
package job

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Factory constructs a zero-value instance of a job type. The registry
// unmarshals persisted parameters into the returned value.
type Factory func() Job

// Registry maps stable job class ids to factories. Classes are validated at
// registration time so an unknown or broken class fails at startup or
// enqueue time, never at execution time.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a job class. The class id must be non-empty and unused, the
// factory must return a non-nil job whose parameters survive a JSON
// round-trip.
func (r *Registry) Register(class string, f Factory) error {
	if class == "" {
		return fmt.Errorf("register job: empty class id")
	}
	if f == nil {
		return fmt.Errorf("register job %q: nil factory", class)
	}
	j := f()
	if j == nil {
		return fmt.Errorf("register job %q: factory returned nil", class)
	}
	if _, err := json.Marshal(j); err != nil {
		return fmt.Errorf("register job %q: parameters not serializable: %w", class, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[class]; dup {
		return fmt.Errorf("register job %q: already registered", class)
	}
	r.factories[class] = f
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(class string, f Factory) {
	if err := r.Register(class, f); err != nil {
		panic(err)
	}
}

// Has reports whether class is registered.
func (r *Registry) Has(class string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[class]
	return ok
}

// Classes returns all registered class ids, sorted.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for c := range r.factories {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// New instantiates class and unmarshals params into it.
func (r *Registry) New(class string, params json.RawMessage) (Job, error) {
	r.mu.RLock()
	f, ok := r.factories[class]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown job class %q", class)
	}
	j := f()
	if len(params) > 0 {
		if err := json.Unmarshal(params, j); err != nil {
			return nil, fmt.Errorf("decode %q parameters: %w", class, err)
		}
	}
	return j, nil
}

// MarshalParams serializes j's parameters for persistence.
func MarshalParams(j Job) (json.RawMessage, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	return b, nil
}
