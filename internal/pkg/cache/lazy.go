// Package cache holds process-wide lookup caches.
package cache

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// FetchFunc loads the value for key on a miss.
type FetchFunc[V any] func(ctx context.Context, key string) (V, error)

// Lazy is a cache without expiry that is filled on first miss. Concurrent misses for the
// same key share a single fetch. Failed fetches are not cached.
type Lazy[V any] struct {
	mu    sync.RWMutex
	items map[string]V
	group singleflight.Group
	fetch FetchFunc[V]
}

func NewLazy[V any](fetch FetchFunc[V]) *Lazy[V] {
	return &Lazy[V]{items: make(map[string]V), fetch: fetch}
}

func (c *Lazy[V]) lookup(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

// Get returns the cached value or fetches it. A caller whose ctx ends stops waiting, but
// the shared fetch runs on for the other waiters.
func (c *Lazy[V]) Get(ctx context.Context, key string) (V, error) {
	if v, ok := c.lookup(key); ok {
		return v, nil
	}
	ch := c.group.DoChan(key, func() (any, error) {
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		v, err := c.fetch(context.WithoutCancel(ctx), key)
		if err != nil {
			return v, err
		}
		c.mu.Lock()
		c.items[key] = v
		c.mu.Unlock()
		return v, nil
	})
	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

// Set stores v for key.
func (c *Lazy[V]) Set(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = v
}

// Forget drops key so the next Get fetches it again.
func (c *Lazy[V]) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	c.group.Forget(key)
}

func (c *Lazy[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
