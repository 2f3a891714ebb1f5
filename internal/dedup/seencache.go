// Package dedup implements the bounded LRU seen-cache used to reject
// duplicate packet deliveries.
package dedup

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultMaxEntries = 1000

// SeenCache is a threadsafe, bounded LRU over packet ids. The underlying
// cache is internally synchronized, but check_and_mark must be atomic as a
// whole (check-then-insert), so callers always go through the cache's own
// mutex rather than hashicorp/golang-lru's.
type SeenCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, struct{}]
}

// New builds a SeenCache bounded at maxEntries; maxEntries<=0 selects
// DefaultMaxEntries.
func New(maxEntries int) (*SeenCache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c, err := lru.New[string, struct{}](maxEntries)
	if err != nil {
		return nil, err
	}
	return &SeenCache{cache: c}, nil
}

// CheckAndMark atomically checks whether id was already present and marks
// it seen regardless of the outcome. It returns alreadySeen.
func (s *SeenCache) CheckAndMark(id string) (alreadySeen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, alreadySeen = s.cache.Get(id)
	s.cache.Add(id, struct{}{})
	return alreadySeen
}

// Mark records id as seen without reporting prior presence.
func (s *SeenCache) Mark(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(id, struct{}{})
}

// Contains reports whether id is currently cached, without affecting LRU
// recency (diagnostic use only).
func (s *SeenCache) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Contains(id)
}

// Len returns the current number of cached entries.
func (s *SeenCache) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
