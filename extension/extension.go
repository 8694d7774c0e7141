// Package extension provides the Forge extension adapter for Tollgate.
//
// It implements the forge.Extension interface to integrate Tollgate
// into a Forge application with automatic dependency discovery,
// DI registration, and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.tollgate" or "tollgate" keys.
package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/xraph/forge"
	"github.com/xraph/grove"
	"github.com/xraph/vessel"

	"github.com/xraph/tollgate"
	memcache "github.com/xraph/tollgate/cache/memory"
	rediscache "github.com/xraph/tollgate/cache/redis"
	"github.com/xraph/tollgate/observability"
	"github.com/xraph/tollgate/store"
	"github.com/xraph/tollgate/store/memory"
	mongostore "github.com/xraph/tollgate/store/mongo"
	pgstore "github.com/xraph/tollgate/store/postgres"
	sqlitestore "github.com/xraph/tollgate/store/sqlite"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "tollgate"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Tenant entitlements, quotas and audit trail"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Tollgate as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *tollgate.Tollgate
	store      store.Store
	groveDB    *grove.DB
	redis      redis.UniversalClient
	ownsRedis  bool
	registerer prometheus.Registerer
	engineOpts []tollgate.Option
}

// New creates a new Tollgate Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying Tollgate instance.
// This is nil until Register is called.
func (e *Extension) Engine() *tollgate.Tollgate { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the tollgate engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil {
		s, err := buildStore(e.config.StoreDriver, e.groveDB)
		if err != nil {
			return err
		}
		e.store = s
	}

	opts, err := e.buildEngineOpts()
	if err != nil {
		return err
	}

	e.engine = tollgate.New(e.store, opts...)

	return vessel.Provide(fapp.Container(), func() (*tollgate.Tollgate, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("tollgate: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	var errs []error
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.ownsRedis && e.redis != nil {
		if err := e.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.MarkStopped()
	return errors.Join(errs...)
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("tollgate: store not initialized")
	}
	return e.engine.Health(ctx)
}

// buildStore picks the backend for driver. Without a grove.DB only the
// memory store is available.
func buildStore(driver string, db *grove.DB) (store.Store, error) {
	if driver == "" || driver == DriverMemory {
		return memory.New(), nil
	}
	if db == nil {
		return nil, fmt.Errorf("tollgate: store driver %q requires a grove database", driver)
	}
	switch driver {
	case DriverPostgres:
		return pgstore.New(db), nil
	case DriverSQLite:
		return sqlitestore.New(db), nil
	case DriverMongo:
		return mongostore.New(db), nil
	default:
		return nil, fmt.Errorf("tollgate: unknown store driver %q", driver)
	}
}

// buildEngineOpts constructs tollgate.Option values from the resolved config.
func (e *Extension) buildEngineOpts() ([]tollgate.Option, error) {
	opts := make([]tollgate.Option, 0, len(e.engineOpts)+5)

	opts = append(opts,
		tollgate.WithMaxRetries(e.config.MaxRetries),
		tollgate.WithEffectiveWindowEnforcement(e.config.EnforceEffectiveWindow),
	)

	if len(e.config.Modules) > 0 {
		opts = append(opts, tollgate.WithModuleCatalog(e.config.Modules...))
	}

	switch e.config.Cache {
	case CacheNone:
	case CacheMemory:
		opts = append(opts, tollgate.WithCache(memcache.New(), e.config.CacheTTL))
	case CacheRedis:
		if e.redis == nil {
			if e.config.RedisAddr == "" {
				return nil, errors.New("tollgate: redis cache requires redis_addr or a client")
			}
			e.redis = redis.NewClient(&redis.Options{Addr: e.config.RedisAddr})
			e.ownsRedis = true
		}
		opts = append(opts, tollgate.WithCache(rediscache.New(e.redis, slog.Default()), e.config.CacheTTL))
	default:
		return nil, fmt.Errorf("tollgate: unknown cache backend %q", e.config.Cache)
	}

	if e.config.EnableMetrics {
		factory := observability.NewPrometheusFactory(e.registerer)
		opts = append(opts, tollgate.WithPlugin(observability.NewMetricsExtension(factory)))
	}

	// Pass-through options last so they win.
	opts = append(opts, e.engineOpts...)

	return opts, nil
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("tollgate: configuration is required but not found in config files; " +
				"ensure 'extensions.tollgate' or 'tollgate' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("tollgate: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("store_driver", e.config.StoreDriver),
		forge.F("max_retries", e.config.MaxRetries),
		forge.F("cache", e.config.Cache),
		forge.F("cache_ttl", e.config.CacheTTL),
		forge.F("enforce_effective_window", e.config.EnforceEffectiveWindow),
		forge.F("enable_metrics", e.config.EnableMetrics),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.tollgate", "tollgate"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("tollgate: failed to bind config",
				forge.F("key", key),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.Logger().Debug("tollgate: loaded config from file", forge.F("key", key))
		return cfg, true
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = defaults.StoreDriver
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = defaults.CacheTTL
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps and
// programmatic bool flags override when true.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.EnforceEffectiveWindow {
		yamlConfig.EnforceEffectiveWindow = true
	}
	if programmaticConfig.EnableMetrics {
		yamlConfig.EnableMetrics = true
	}

	if yamlConfig.StoreDriver == "" {
		yamlConfig.StoreDriver = programmaticConfig.StoreDriver
	}
	if yamlConfig.Cache == "" {
		yamlConfig.Cache = programmaticConfig.Cache
	}
	if yamlConfig.RedisAddr == "" {
		yamlConfig.RedisAddr = programmaticConfig.RedisAddr
	}
	if len(yamlConfig.Modules) == 0 {
		yamlConfig.Modules = programmaticConfig.Modules
	}

	if yamlConfig.MaxRetries == 0 {
		yamlConfig.MaxRetries = programmaticConfig.MaxRetries
	}
	if yamlConfig.CacheTTL == 0 {
		yamlConfig.CacheTTL = programmaticConfig.CacheTTL
	}

	return mergeWithDefaults(yamlConfig)
}
