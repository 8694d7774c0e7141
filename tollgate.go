package tollgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/xraph/tollgate/audit"
	"github.com/xraph/tollgate/cache"
	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/plugin"
	"github.com/xraph/tollgate/store"
)

// DefaultMaxRetries bounds re-reads after a version conflict.
const DefaultMaxRetries = 5

// DefaultCacheTTL is used by WithCache when ttl is not positive.
const DefaultCacheTTL = 30 * time.Second

// Tollgate is the entitlement engine.
type Tollgate struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger

	cache    cache.Cache
	cacheTTL time.Duration
	loads    singleflight.Group

	// gens counts invalidations per cache key. A load only fills the cache
	// if no invalidation happened while it was reading the store.
	genMu sync.Mutex
	gens  map[string]uint64

	catalog       entitlement.Catalog
	validate      *validator.Validate
	maxRetries    int
	enforceWindow bool
	now           func() time.Time
}

// Actor is the caller on whose behalf a mutation runs. Identity and the
// privilege flag are established upstream and trusted as given.
type Actor struct {
	ID         string
	Privileged bool
}

// New creates a new Tollgate instance.
func New(s store.Store, opts ...Option) *Tollgate {
	t := &Tollgate{
		store:      s,
		plugins:    plugin.NewRegistry(),
		logger:     slog.Default(),
		cacheTTL:   DefaultCacheTTL,
		catalog:    entitlement.NewCatalog(entitlement.DefaultModules...),
		validate:   newValidator(),
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
		gens:       map[string]uint64{},
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Option configures a Tollgate instance.
type Option func(*Tollgate)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tollgate) {
		t.logger = logger
		t.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(t *Tollgate) {
		_ = t.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithCache enables the permission-check snapshot cache.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(t *Tollgate) {
		t.cache = c
		if ttl > 0 {
			t.cacheTTL = ttl
		}
	}
}

// WithModuleCatalog replaces the set of accepted module names.
func WithModuleCatalog(names ...string) Option {
	return func(t *Tollgate) {
		t.catalog = entitlement.NewCatalog(names...)
	}
}

// WithMaxRetries sets how many times a mutation is re-applied after losing
// a version race. Zero means a single attempt.
func WithMaxRetries(n int) Option {
	return func(t *Tollgate) {
		if n >= 0 {
			t.maxRetries = n
		}
	}
}

// WithEffectiveWindowEnforcement makes CheckPermission deny entitlements
// outside their effective window. Off by default.
func WithEffectiveWindowEnforcement(enabled bool) Option {
	return func(t *Tollgate) {
		t.enforceWindow = enabled
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tollgate) {
		if now != nil {
			t.now = now
		}
	}
}

// Start migrates the store and initialises plugins.
func (t *Tollgate) Start(ctx context.Context) error {
	if err := t.store.Migrate(ctx); err != nil {
		return fmt.Errorf("tollgate: migrate: %w", err)
	}

	t.plugins.EmitInit(ctx, t)

	t.logger.Info("tollgate started",
		"plugins", t.plugins.Count(),
		"cache", t.cache != nil,
		"cache_ttl", t.cacheTTL,
		"max_retries", t.maxRetries,
		"enforce_window", t.enforceWindow,
	)

	return nil
}

// Stop shuts down plugins and closes the store.
func (t *Tollgate) Stop() error {
	t.plugins.EmitShutdown(context.Background())
	return t.store.Close()
}

// Health pings the store.
func (t *Tollgate) Health(ctx context.Context) error {
	return t.store.Ping(ctx)
}

// Store returns the underlying store.
func (t *Tollgate) Store() store.Store { return t.store }

// Plugins returns the plugin registry.
func (t *Tollgate) Plugins() *plugin.Registry { return t.plugins }

// Catalog returns the accepted module names.
func (t *Tollgate) Catalog() entitlement.Catalog { return t.catalog }

// ──────────────────────────────────────────────────
// Versioned mutation
// ──────────────────────────────────────────────────

// change is what a mutation records in the audit trail.
type change struct {
	action  audit.Action
	changes map[string]any
	reason  string
}

// writeFunc persists next, guarded by expected, appending entry atomically.
type writeFunc func(ctx context.Context, next *entitlement.Entitlement, expected int64, entry audit.Entry) error

// mutate performs a read-modify-write of one entitlement. apply edits a
// private copy; write persists it only if the version is unchanged. Lost
// races are retried from a fresh read up to maxRetries times.
func (t *Tollgate) mutate(
	ctx context.Context,
	entID id.EntitlementID,
	actor Actor,
	apply func(next *entitlement.Entitlement) (change, error),
	write writeFunc,
) (*entitlement.Entitlement, error) {
	for attempt := 0; ; attempt++ {
		cur, err := t.store.GetEntitlement(ctx, entID)
		if err != nil {
			return nil, err
		}

		next := cur.Clone()
		c, err := apply(next)
		if err != nil {
			return nil, err
		}

		now := t.now()
		expected := cur.Metadata.Version
		entry := audit.NewEntry(c.action, actor.ID, audit.Plain(c.changes), c.reason, now, cur.Audit)

		next.Touch(entry.PerformedAt)
		next.Metadata.Version = expected + 1
		next.Audit = append(next.Audit, entry)

		err = write(ctx, next, expected, entry)
		if err == nil {
			next.Normalize()
			t.invalidate(ctx, next)
			return next, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		if attempt >= t.maxRetries {
			t.logger.Warn("giving up after version conflicts",
				"entitlement_id", entID.String(),
				"attempts", attempt+1,
			)
			return nil, fmt.Errorf("%w: entitlement %s", ErrConflict, entID)
		}
		t.logger.Debug("version conflict, retrying",
			"entitlement_id", entID.String(),
			"attempt", attempt+1,
		)
	}
}

func requirePrivileged(actor Actor) error {
	if !actor.Privileged {
		return ErrForbidden
	}
	return nil
}

// ──────────────────────────────────────────────────
// Cache helpers
// ──────────────────────────────────────────────────

func (t *Tollgate) invalidate(ctx context.Context, e *entitlement.Entitlement) {
	if t.cache == nil {
		return
	}
	key := cache.Key(e.TenantID, e.TenantType)

	t.genMu.Lock()
	t.gens[key]++
	t.genMu.Unlock()
	t.loads.Forget(key)

	if err := t.cache.Delete(ctx, key); err != nil {
		t.logger.Warn("cache invalidation failed", "key", key, "error", err)
	}
}

func (t *Tollgate) generation(key string) uint64 {
	t.genMu.Lock()
	defer t.genMu.Unlock()
	return t.gens[key]
}

// fill caches e unless key was invalidated after gen was read.
func (t *Tollgate) fill(ctx context.Context, key string, gen uint64, e *entitlement.Entitlement) {
	t.genMu.Lock()
	defer t.genMu.Unlock()
	if t.gens[key] != gen {
		t.logger.Debug("skipping cache fill after concurrent write", "key", key)
		return
	}
	if err := t.cache.Set(ctx, key, e, t.cacheTTL); err != nil {
		t.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// invalidateID drops the cache entry of an entitlement known only by ID.
func (t *Tollgate) invalidateID(ctx context.Context, entID id.EntitlementID) {
	if t.cache == nil {
		return
	}
	e, err := t.store.GetEntitlement(ctx, entID)
	if err != nil {
		t.logger.Warn("cache invalidation lookup failed", "entitlement_id", entID.String(), "error", err)
		return
	}
	t.invalidate(ctx, e)
}
