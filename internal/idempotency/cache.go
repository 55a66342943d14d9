// Package idempotency memoizes creation responses per idempotency key for the
// lifetime of the process.
package idempotency

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

const (
	HeaderKey         = "Idempotency-Key"
	HeaderKeyFallback = "X-Idempotency-Key"
	HeaderCache       = "X-Idempotency-Cache"

	CacheHit  = "HIT"
	CacheMiss = "MISS"
)

// Key scopes an idempotency key to the caller's API key.
func Key(apiKey, idempotencyKey string) string {
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return ""
	}
	return strings.TrimSpace(apiKey) + ":" + idempotencyKey
}

// Cache stores successful results forever; failed computations are not cached
// and the next caller retries them.
type Cache[T any] struct {
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]T
}

func New[T any]() *Cache[T] {
	return &Cache[T]{entries: map[string]T{}}
}

func (c *Cache[T]) lookup(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

// GetOrCompute returns the cached value for key, or runs compute once among
// concurrent callers. hit is true only for callers served from the cache or
// from another caller's in-flight computation.
func (c *Cache[T]) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (T, error)) (T, bool, error) {
	if v, ok := c.lookup(key); ok {
		return v, true, nil
	}

	leader := false
	result, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		leader = true
		v, err := compute(ctx)
		if err != nil {
			return v, err
		}
		c.mu.Lock()
		c.entries[key] = v
		c.mu.Unlock()
		return v, nil
	})
	value, _ := result.(T)
	if err != nil {
		return value, false, err
	}
	return value, !leader, nil
}

func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache[T]) Reset() {
	c.mu.Lock()
	c.entries = map[string]T{}
	c.mu.Unlock()
}
