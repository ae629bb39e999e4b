package state

import (
	"fmt"
	"sync"
)

// Resources is a typed registry of shared services the host hands to
// plugins, such as clients or caches. It is shared by reference across
// every State of a document.
type Resources struct {
	mu    sync.RWMutex
	items map[string]any
}

// NewResources returns an empty registry.
func NewResources() *Resources {
	return &Resources{items: map[string]any{}}
}

// Set registers value under key, replacing any previous value.
func (r *Resources) Set(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[key] = value
}

// Get returns the raw value under key.
func (r *Resources) Get(key string) (any, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[key]
	return v, ok
}

// Resource returns the value under key when it holds a T.
func Resource[T any](r *Resources, key string) (T, error) {
	var zero T
	v, ok := r.Get(key)
	if !ok {
		return zero, fmt.Errorf("state: resource %q not registered", key)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("state: resource %q has type %T, want %T", key, v, zero)
	}
	return t, nil
}
