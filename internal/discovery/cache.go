// Package discovery holds shared pieces of the event-discovery pipeline.
package discovery

import (
	"iter"
	"maps"
	"sync"
)

// Cache is a generic key-value cache populated by discovery events.
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	cache map[K]V
}

// NewCache constructs a new cache using the specified underlying map.
func NewCache[K comparable, V any](cache map[K]V) *Cache[K, V] {
	return &Cache[K, V]{
		cache: cache,
	}
}

// NewEmptyCache returns an empty cache.
func NewEmptyCache[K comparable, V any]() *Cache[K, V] {
	return NewCache(map[K]V{})
}

// Lookup returns the value for the specified key.
//
// The lock is held only for the map access, never across sends or sleeps.
func (m *Cache[K, V]) Lookup(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.cache[key]
	return v, ok
}

// Insert adds or overwrites a single entry.
func (m *Cache[K, V]) Insert(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache[key] = value
}

// Len returns the number of cached entries.
func (m *Cache[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.cache)
}

// Snapshot returns a copy of the cache for iteration.
func (m *Cache[K, V]) Snapshot() iter.Seq2[K, V] {
	m.mu.Lock()
	defer m.mu.Unlock()

	return maps.All(maps.Clone(m.cache))
}
