package store

import (
	"sync"
	"time"
)

// TTLCache is a capacity-bounded cache whose entries expire after a fixed
// TTL. Entries are never proactively invalidated on write: callers either
// update the entry in place or accept stale reads for up to the TTL.
type TTLCache[K comparable, V any] struct {
	mu       sync.Mutex
	entries  map[K]cacheEntry[V]
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

type cacheEntry[V any] struct {
	value   V
	storedAt time.Time
}

// CacheOption configures a TTLCache.
type CacheOption[K comparable, V any] func(*TTLCache[K, V])

// WithCacheClock overrides the cache's clock, for deterministic tests.
func WithCacheClock[K comparable, V any](now func() time.Time) CacheOption[K, V] {
	return func(c *TTLCache[K, V]) { c.now = now }
}

// NewTTLCache constructs a cache with the given capacity and TTL.
func NewTTLCache[K comparable, V any](capacity int, ttl time.Duration, opts ...CacheOption[K, V]) *TTLCache[K, V] {
	if capacity <= 0 {
		capacity = 1000
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	c := &TTLCache[K, V]{
		entries:  make(map[K]cacheEntry[V], capacity),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key if present and unexpired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, evicting expired entries first and then the
// oldest entry if the cache is still full.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		cut := now.Add(-c.ttl)
		for k, e := range c.entries {
			if e.storedAt.Before(cut) {
				delete(c.entries, k)
			}
		}
		if len(c.entries) >= c.capacity {
			c.evictOldestLocked()
		}
	}
	c.entries[key] = cacheEntry[V]{value: value, storedAt: now}
}

// Remove drops a key.
func (c *TTLCache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len reports the number of entries, expired or not.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *TTLCache[K, V]) evictOldestLocked() {
	var (
		oldestKey K
		oldestAt  time.Time
		found     bool
	)
	for k, e := range c.entries {
		if !found || e.storedAt.Before(oldestAt) {
			oldestKey, oldestAt, found = k, e.storedAt, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
}
