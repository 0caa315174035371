package registry

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrEmptyKey   = errors.New("registry key is required")
	ErrExists     = errors.New("registry entry already exists")
	ErrAtCapacity = errors.New("registry at capacity")
)

// InMemory is a bounded, concurrency-safe directory of values keyed by string.
type InMemory[T any] struct {
	mu      sync.RWMutex
	entries map[string]T
	limit   int
}

// NewInMemory creates a registry with an optional limit; zero means unbounded.
func NewInMemory[T any](limit int) *InMemory[T] {
	return &InMemory[T]{
		entries: make(map[string]T),
		limit:   limit,
	}
}

// Register stores value under key if the key is free and capacity allows.
func (r *InMemory[T]) Register(key string, value T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key == "" {
		return ErrEmptyKey
	}
	if _, exists := r.entries[key]; exists {
		return ErrExists
	}
	if r.limit > 0 && len(r.entries) >= r.limit {
		return ErrAtCapacity
	}
	r.entries[key] = value
	return nil
}

// GetOrRegister returns the existing value for key, or stores the one built by create.
// create runs under the registry lock.
func (r *InMemory[T]) GetOrRegister(key string, create func() (T, error)) (T, bool, error) {
	var zero T
	if key == "" {
		return zero, false, ErrEmptyKey
	}

	r.mu.RLock()
	v, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return v, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.entries[key]; ok {
		return v, false, nil
	}
	if r.limit > 0 && len(r.entries) >= r.limit {
		return zero, false, ErrAtCapacity
	}
	v, err := create()
	if err != nil {
		return zero, false, err
	}
	r.entries[key] = v
	return v, true, nil
}

// Get fetches a value by key.
func (r *InMemory[T]) Get(key string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.entries[key]
	return v, ok
}

// Delete removes a value by key.
func (r *InMemory[T]) Delete(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; !ok {
		return false
	}
	delete(r.entries, key)
	return true
}

// DeleteIf removes key only when match reports true for its current value.
func (r *InMemory[T]) DeleteIf(key string, match func(T) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.entries[key]
	if !ok || !match(v) {
		return false
	}
	delete(r.entries, key)
	return true
}

// Keys returns the registered keys in sorted order.
func (r *InMemory[T]) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// List enumerates all values.
func (r *InMemory[T]) List() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, len(r.entries))
	for _, v := range r.entries {
		out = append(out, v)
	}
	return out
}

// Len reports the number of entries.
func (r *InMemory[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
