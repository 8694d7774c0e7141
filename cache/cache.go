// Package cache defines the snapshot cache consulted by permission checks.
// Entries are whole entitlements keyed by tenant; the engine drops an entry
// after every write it performs on that tenant's entitlement.
package cache

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/xraph/tollgate/entitlement"
)

// ErrMiss is returned by Get when no live entry exists.
var ErrMiss = errors.New("tollgate: cache miss")

// Cache stores entitlement snapshots.
type Cache interface {
	Get(ctx context.Context, key string) (*entitlement.Entitlement, error)
	Set(ctx context.Context, key string, e *entitlement.Entitlement, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

const keyPrefix = "tollgate:ent:"

// Key returns the cache key for a tenant.
func Key(tenantID string, tenantType entitlement.TenantType) string {
	return keyPrefix + string(tenantType) + ":" + tenantID
}

// Jitter spreads ttl by up to a fifth so entries written together do not
// expire together.
func Jitter(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttl
	}
	spread := int64(ttl / 5)
	if spread <= 0 {
		return ttl
	}
	return ttl + time.Duration(rand.Int64N(spread))
}
