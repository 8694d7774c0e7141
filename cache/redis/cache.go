// Package redis is a cache.Cache backed by Redis. Snapshots are stored as
// JSON strings with a jittered TTL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/tollgate/cache"
	"github.com/xraph/tollgate/entitlement"
)

// Cache implements cache.Cache over a go-redis client.
type Cache struct {
	client redis.UniversalClient
	logger *slog.Logger
}

var _ cache.Cache = (*Cache)(nil)

// New wraps an existing client. The caller owns the client's lifecycle.
func New(client redis.UniversalClient, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, logger: logger}
}

func (c *Cache) Get(ctx context.Context, key string) (*entitlement.Entitlement, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("tollgate/redis: get %s: %w", key, err)
	}

	var e entitlement.Entitlement
	if err := json.Unmarshal(raw, &e); err != nil {
		// A corrupt entry is treated as a miss and dropped.
		c.logger.Warn("dropping undecodable cache entry", "key", key, "error", err)
		_ = c.client.Del(ctx, key).Err() //nolint:errcheck // best-effort cleanup
		return nil, cache.ErrMiss
	}
	return &e, nil
}

func (c *Cache) Set(ctx context.Context, key string, e *entitlement.Entitlement, ttl time.Duration) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("tollgate/redis: encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, raw, cache.Jitter(ttl)).Err(); err != nil {
		return fmt.Errorf("tollgate/redis: set %s: %w", key, err)
	}
	c.logger.Debug("entitlement cached", "key", key, "ttl", ttl)
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("tollgate/redis: delete %s: %w", key, err)
	}
	return nil
}
