// Package lru wraps hashicorp/golang-lru/v2 with the typed, mutex-free API
// the template cache needs: a bounded template_hash -> id (plus denormalized
// fields) mapping that never expires entries on time, only by eviction.
package lru

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity is the default bound on cache entries (§4.3 In-memory cache).
const DefaultCapacity = 100_000

// Cache is a bounded, generic LRU cache. K must be comparable.
type Cache[K comparable, V any] struct {
	inner *lru.Cache[K, V]
}

// New creates a Cache with the given capacity. capacity <= 0 falls back to
// DefaultCapacity.
func New[K comparable, V any](capacity int) (*Cache[K, V], error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	inner, err := lru.New[K, V](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache[K, V]{inner: inner}, nil
}

// Get returns the cached value and whether it was present, promoting it to
// most-recently-used on hit.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	return c.inner.Get(key)
}

// Add inserts or updates key, evicting the least-recently-used entry if the
// cache is at capacity.
func (c *Cache[K, V]) Add(key K, value V) {
	c.inner.Add(key, value)
}

// Remove drops key from the cache, if present.
func (c *Cache[K, V]) Remove(key K) {
	c.inner.Remove(key)
}

// Len reports the current number of cached entries.
func (c *Cache[K, V]) Len() int {
	return c.inner.Len()
}

// Purge empties the cache.
func (c *Cache[K, V]) Purge() {
	c.inner.Purge()
}
