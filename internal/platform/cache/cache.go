// Package cache provides a small get-or-load TTL cache with scoped
// invalidation.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL caches values per key for a fixed lifetime. Keys are expected to be
// "<scope>:<rest>" so Invalidate can drop every key of a scope at once.
type TTL[V any] struct {
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
	entries map[string]entry[V]
}

// NewTTL creates a cache. A non-positive ttl disables caching.
func NewTTL[V any](ttl time.Duration) *TTL[V] {
	return &TTL[V]{ttl: ttl, now: time.Now, entries: make(map[string]entry[V])}
}

// WithClock overrides the time source. Used by tests.
func (c *TTL[V]) WithClock(now func() time.Time) *TTL[V] {
	c.now = now
	return c
}

// GetOrLoad returns the cached value for key or calls load and caches its
// result. Errors from load are returned and never cached.
func (c *TTL[V]) GetOrLoad(ctx context.Context, key string, load func(ctx context.Context) (V, error)) (V, error) {
	if c.ttl > 0 {
		c.mu.Lock()
		e, ok := c.entries[key]
		c.mu.Unlock()
		if ok && c.now().Before(e.expiresAt) {
			return e.value, nil
		}
	}

	value, err := load(ctx)
	if err != nil {
		var zero V
		return zero, err
	}
	if c.ttl > 0 {
		c.mu.Lock()
		c.entries[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
		c.mu.Unlock()
	}
	return value, nil
}

// Invalidate drops every key in scope. An empty scope clears the cache.
func (c *TTL[V]) Invalidate(scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if scope == "" {
		c.entries = make(map[string]entry[V])
		return
	}
	prefix := scope + ":"
	for key := range c.entries {
		if key == scope || strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

// Len reports the number of cached keys, expired ones included.
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
