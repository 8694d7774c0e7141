package extension

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/xraph/grove"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/plugin"
	"github.com/xraph/tollgate/store"
)

// Option configures the Tollgate Forge extension.
type Option func(*Extension)

// WithStore sets the store for the tollgate engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithGroveDB builds the store from db using the backend named by driver
// (postgres, sqlite or mongo).
func WithGroveDB(db *grove.DB, driver string) Option {
	return func(e *Extension) {
		e.groveDB = db
		e.config.StoreDriver = driver
	}
}

// WithRedisClient supplies the client used when the redis cache is enabled.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(e *Extension) {
		e.redis = client
		if e.config.Cache == CacheNone {
			e.config.Cache = CacheRedis
		}
	}
}

// WithMetricsRegisterer sets where the metrics plugin registers collectors
// and enables it.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(e *Extension) {
		e.registerer = reg
		e.config.EnableMetrics = true
	}
}

// WithTollgateOption passes a tollgate.Option through to the underlying engine.
func WithTollgateOption(opt tollgate.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers a tollgate plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, tollgate.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithMaxRetries sets how often a conflicting mutation is re-applied.
func WithMaxRetries(n int) Option {
	return func(e *Extension) { e.config.MaxRetries = n }
}

// WithCache selects the snapshot cache backend and its TTL.
func WithCache(backend string, ttl time.Duration) Option {
	return func(e *Extension) {
		e.config.Cache = backend
		e.config.CacheTTL = ttl
	}
}

// WithEffectiveWindowEnforcement toggles effective-window checks.
func WithEffectiveWindowEnforcement(enabled bool) Option {
	return func(e *Extension) { e.config.EnforceEffectiveWindow = enabled }
}

// WithModules replaces the module catalog.
func WithModules(names ...string) Option {
	return func(e *Extension) { e.config.Modules = names }
}
