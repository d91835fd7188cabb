package checkpoint

import (
	"fmt"

	"github.com/nc-BobLee/shardload/internal/tensor"
)

type storeEntry struct {
	value   *tensor.Tensor
	resolve func() (*tensor.Tensor, error)
}

// Store is an ordered key to tensor mapping whose values may be unresolved
// thunks. The first Get of a lazy key performs the underlying read and
// replaces the thunk with the resolved tensor, so each key is materialized
// at most once per store.
//
// Deleting a resolved key drops the store's reference to its data; that is
// the loader's memory-release mechanism, so callers must not retain deleted
// tensors they expect to be freed.
type Store struct {
	entries map[string]*storeEntry
	keys    []string
}

func NewStore() *Store {
	return &Store{entries: make(map[string]*storeEntry)}
}

// SetLazy binds key to a resolution thunk. The thunk runs at most once.
func (s *Store) SetLazy(key string, resolve func() (*tensor.Tensor, error)) {
	s.put(key, &storeEntry{resolve: resolve})
}

// Set binds key to an already-resolved tensor.
func (s *Store) Set(key string, t *tensor.Tensor) {
	s.put(key, &storeEntry{value: t})
}

func (s *Store) put(key string, e *storeEntry) {
	if _, exists := s.entries[key]; !exists {
		s.keys = append(s.keys, key)
	}
	s.entries[key] = e
}

// Get returns the tensor for key, resolving and memoizing it on first
// access. Resolution failures propagate unchanged and are not memoized.
func (s *Store) Get(key string) (*tensor.Tensor, error) {
	e, ok := s.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if e.value == nil {
		v, err := e.resolve()
		if err != nil {
			return nil, err
		}
		e.value = v
		e.resolve = nil
	}
	return e.value, nil
}

// Has reports membership without forcing resolution.
func (s *Store) Has(key string) bool {
	_, ok := s.entries[key]
	return ok
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(key string) bool {
	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of keys.
func (s *Store) Len() int { return len(s.entries) }

// Keys returns the keys in insertion order without resolving anything.
func (s *Store) Keys() []string {
	return append([]string(nil), s.keys...)
}
