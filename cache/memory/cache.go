// Package memory is an in-process cache.Cache.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/xraph/tollgate/cache"
	"github.com/xraph/tollgate/entitlement"
)

type item struct {
	e       *entitlement.Entitlement
	expires time.Time
}

// Cache is a TTL map guarded by a mutex. Values are cloned on the way in and
// out so callers never share state with the cache.
type Cache struct {
	mu    sync.Mutex
	items map[string]item
	now   func() time.Time
}

var _ cache.Cache = (*Cache)(nil)

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		items: make(map[string]item),
		now:   time.Now,
	}
}

// WithClock overrides the time source.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

func (c *Cache) Get(_ context.Context, key string) (*entitlement.Entitlement, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[key]
	if !ok {
		return nil, cache.ErrMiss
	}
	if !it.expires.IsZero() && !c.now().Before(it.expires) {
		delete(c.items, key)
		return nil, cache.ErrMiss
	}
	return it.e.Clone(), nil
}

func (c *Cache) Set(_ context.Context, key string, e *entitlement.Entitlement, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	it := item{e: e.Clone()}
	if ttl > 0 {
		it.expires = c.now().Add(ttl)
	}
	c.items[key] = it
	return nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
	return nil
}

// Len returns the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
