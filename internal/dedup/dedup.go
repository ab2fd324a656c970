// Package dedup keeps the bounded window of entry identifiers that were
// already delivered.
package dedup

import (
	"fmt"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// EvictFunc is called with every identifier that falls out of the window.
type EvictFunc func(id string)

// Store is a bounded set of identifiers with FIFO eviction.
//
// Only Contains and Add are used on the underlying LRU, neither of which
// refreshes an existing key, so the oldest inserted identifier is always the
// next to go. Store is not safe for concurrent use; it belongs to a single
// owner goroutine.
type Store struct {
	limit int
	lru   *simplelru.LRU[string, struct{}]
}

// New creates a Store holding at most limit identifiers.
func New(limit int, onEvict EvictFunc) (*Store, error) {
	if limit < 1 {
		return nil, fmt.Errorf("dedup limit must be at least 1, got %d", limit)
	}

	var cb simplelru.EvictCallback[string, struct{}]
	if onEvict != nil {
		cb = func(id string, _ struct{}) { onEvict(id) }
	}

	lru, err := simplelru.NewLRU[string, struct{}](limit, cb)
	if err != nil {
		return nil, fmt.Errorf("create window: %w", err)
	}
	return &Store{limit: limit, lru: lru}, nil
}

// Seen reports whether id is in the window.
func (s *Store) Seen(id string) bool {
	return s.lru.Contains(id)
}

// Record adds id to the window, evicting the oldest identifiers if the
// window is full. Recording an id that is already present changes nothing.
func (s *Store) Record(id string) {
	if s.lru.Contains(id) {
		return
	}
	s.lru.Add(id, struct{}{})
}

// Restore records ids in order, oldest first.
func (s *Store) Restore(ids []string) {
	for _, id := range ids {
		s.Record(id)
	}
}

// IDs returns the identifiers in the window from oldest to newest.
func (s *Store) IDs() []string {
	return s.lru.Keys()
}

// Len returns the number of identifiers in the window.
func (s *Store) Len() int {
	return s.lru.Len()
}

// Limit returns the configured capacity.
func (s *Store) Limit() int {
	return s.limit
}
