// Package store holds the shared value store that task results are written
// into, addressed by path.
package store

import (
	"sort"

	"github.com/msageha/formtask/internal/model"
)

// ChangeFunc observes writes to the store.
type ChangeFunc func(path string, value model.Value)

// Store is a flat path → value map. It belongs to the event loop and is not
// safe for concurrent use.
type Store struct {
	values    map[string]model.Value
	observers []ChangeFunc
}

func New() *Store {
	return &Store{values: make(map[string]model.Value)}
}

// Set writes value at path and notifies observers.
func (s *Store) Set(path string, value model.Value) {
	s.values[path] = value
	for _, fn := range s.observers {
		fn(path, value)
	}
}

func (s *Store) Get(path string) (model.Value, bool) {
	v, ok := s.values[path]
	return v, ok
}

func (s *Store) Delete(path string) {
	delete(s.values, path)
}

// Paths returns the stored paths in sorted order.
func (s *Store) Paths() []string {
	paths := make([]string, 0, len(s.values))
	for p := range s.values {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Observe registers fn to be called after every Set.
func (s *Store) Observe(fn ChangeFunc) {
	s.observers = append(s.observers, fn)
}

// Snapshot returns a shallow copy of all values.
func (s *Store) Snapshot() map[string]model.Value {
	out := make(map[string]model.Value, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
