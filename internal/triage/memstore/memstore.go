// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/whatspilot/internal/triage"
)

// Store holds triaged items in memory, in first-insertion order.
type Store struct {
	mu    sync.RWMutex
	items map[string]*triage.Item // message ID -> item
	order []string
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		items: make(map[string]*triage.Item),
	}
}

// Get retrieves an item by message ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*triage.Item, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return nil, false, nil
	}
	return it.Clone(), true, nil
}

// Put stores a copy of the item, replacing any previous version. Last write wins.
func (s *Store) Put(_ context.Context, it *triage.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[it.ID]; !ok {
		s.order = append(s.order, it.ID)
	}
	s.items[it.ID] = it.Clone()
	return nil
}

// List returns copies of every item in first-insertion order.
func (s *Store) List(_ context.Context) ([]*triage.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*triage.Item, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id].Clone())
	}
	return out, nil
}

// Len returns the number of stored items.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
