// Package provider holds the plugin contracts payment providers implement
// and a registry that resolves them by name.
package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
)

type registration[T any] struct {
	once     sync.Once
	factory  func() (T, error)
	instance T
	err      error
}

// Registry resolves provider implementations by name. Factories run on
// first Get and their result, including an error, is memoized.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries map[string]*registration[T]
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[string]*registration[T])}
}

// Register adds or replaces a lazily constructed provider.
func (r *Registry[T]) Register(name string, factory func() (T, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = &registration[T]{factory: factory}
}

// RegisterInstance adds an already constructed provider.
func (r *Registry[T]) RegisterInstance(name string, instance T) {
	r.Register(name, func() (T, error) { return instance, nil })
}

func (r *Registry[T]) Get(name string) (T, error) {
	r.mu.RLock()
	reg, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, name)
	}

	reg.once.Do(func() {
		reg.instance, reg.err = reg.factory()
	})
	if reg.err != nil {
		var zero T
		return zero, fmt.Errorf("init provider %q: %w", name, reg.err)
	}
	return reg.instance, nil
}

func (r *Registry[T]) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Names returns registered provider names in sorted order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry[T]) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}
