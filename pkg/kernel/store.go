package kernel

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// Getter reads published values.
type Getter interface {
	Get(key string) (any, bool)
}

// View is a read-only view of the shared context.
type View interface {
	Getter
	Keys() []string
	Snapshot() map[string]any
}

// Store is the shared, append-only context. A key, once defined, can never
// be redefined or removed.
type Store struct {
	mu     sync.RWMutex
	keys   []string
	values map[string]any
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{values: make(map[string]any)}
}

// Define publishes value under name. If value is a Producer, or a
// no-argument func() (any, error) or func() any, it is invoked and its
// result is published instead. Functions of any other signature
// are published as they are.
func (s *Store) Define(ctx context.Context, name string, value any) error {
	return s.define(ctx, "", name, value)
}

// define publishes on behalf of unit. Producer errors are returned unchanged.
func (s *Store) define(ctx context.Context, unit, name string, value any) error {
	if name == "" {
		return newError(KindValidation, "context key must not be empty", nil).WithUnit(unit)
	}
	if s.has(name) {
		return newError(KindDuplicateKey, "context key already defined", nil).WithUnit(unit).WithKey(name)
	}

	if produce, ok := asProducer(value); ok {
		v, err := produce(ctx)
		if err != nil {
			return err
		}
		value = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.values[name]; exists {
		return newError(KindDuplicateKey, "context key already defined", nil).WithUnit(unit).WithKey(name)
	}
	s.keys = append(s.keys, name)
	s.values[name] = value
	return nil
}

func (s *Store) has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[name]
	return ok
}

// Get returns the value published under key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Keys returns the published keys in definition order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, len(s.keys))
	copy(keys, s.keys)
	return keys
}

// Len returns the number of published keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Snapshot returns a copy of the published values.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Lookup reads key from g and asserts its type.
func Lookup[T any](g Getter, key string) (T, error) {
	var zero T
	v, ok := g.Get(key)
	if !ok {
		return zero, newError(KindMissingDependency, "context key not defined", nil).WithKey(key)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, newError(KindValidation,
			fmt.Sprintf("context key has type %T, expected %s", v, reflect.TypeFor[T]()), nil).WithKey(key)
	}
	return typed, nil
}
