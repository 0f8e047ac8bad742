package job

import (
	"errors"
	"sync"
)

// ErrNotFound is returned for an unknown or released job ID.
var ErrNotFound = errors.New("job not found")

// Store is an arena of descriptors keyed by opaque ID.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*Descriptor
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{jobs: make(map[string]*Descriptor)}
}

// Add registers descriptors. IDs must be unique.
func (s *Store) Add(ds ...*Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range ds {
		s.jobs[d.ID] = d
	}
}

// Get looks a descriptor up by ID.
func (s *Store) Get(id string) (*Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

// Remove drops descriptors and reports how many were present.
func (s *Store) Remove(ids ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := s.jobs[id]; ok {
			delete(s.jobs, id)
			n++
		}
	}
	return n
}

// Len returns the number of stored descriptors.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
