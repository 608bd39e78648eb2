// Package cache provides thread-safe in-memory TTL caches for policy,
// retrieval-config, and channel-credential lookups. Admin mutations call
// Invalidate so a publish or rotation is visible before the TTL elapses.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// TTL is a thread-safe in-memory cache with per-cache TTL expiration.
// Expired entries are cleaned up lazily on Get — no background goroutine.
type TTL[V any] struct {
	mu      sync.RWMutex
	entries map[string]*entry[V]
	ttl     time.Duration
}

// NewTTL creates a cache with the given TTL.
func NewTTL[V any](ttl time.Duration) *TTL[V] {
	return &TTL[V]{
		entries: make(map[string]*entry[V]),
		ttl:     ttl,
	}
}

// Get returns the cached value if present and not expired.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}

	if time.Since(e.storedAt) > c.ttl {
		// Expired — clean up lazily. Re-check under write lock: a concurrent
		// Set may have replaced the entry with a fresh one.
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && time.Since(current.storedAt) > c.ttl {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return zero, false
	}

	return e.value, true
}

// Set stores a value with the current timestamp.
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	c.entries[key] = &entry[V]{value: value, storedAt: time.Now()}
	c.mu.Unlock()
}

// Invalidate drops a single key.
func (c *TTL[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateAll drops every entry.
func (c *TTL[V]) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]*entry[V])
	c.mu.Unlock()
}

// Len returns the number of entries, expired or not.
func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
