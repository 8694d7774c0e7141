package extension

import "time"

// Store driver names accepted by Config.StoreDriver.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
)

// Cache backends accepted by Config.Cache.
const (
	CacheNone   = ""
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds the Tollgate extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.tollgate" or "tollgate" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// StoreDriver selects the backend built around the grove.DB passed with
	// WithGroveDB: postgres, sqlite or mongo. Ignored when WithStore is used.
	StoreDriver string `json:"store_driver" mapstructure:"store_driver" yaml:"store_driver"`

	// MaxRetries bounds re-applies after a version conflict (default: 5).
	MaxRetries int `json:"max_retries" mapstructure:"max_retries" yaml:"max_retries"`

	// Cache selects the permission-check snapshot cache: "", memory or redis.
	Cache string `json:"cache" mapstructure:"cache" yaml:"cache"`

	// CacheTTL is how long a cached snapshot is served (default: 30s).
	CacheTTL time.Duration `json:"cache_ttl" mapstructure:"cache_ttl" yaml:"cache_ttl"`

	// RedisAddr is the redis endpoint used when Cache is "redis" and no
	// client was supplied with WithRedisClient.
	RedisAddr string `json:"redis_addr" mapstructure:"redis_addr" yaml:"redis_addr"`

	// EnforceEffectiveWindow makes permission checks deny entitlements
	// outside their effective window.
	EnforceEffectiveWindow bool `json:"enforce_effective_window" mapstructure:"enforce_effective_window" yaml:"enforce_effective_window"`

	// Modules replaces the default module catalog when non-empty.
	Modules []string `json:"modules" mapstructure:"modules" yaml:"modules"`

	// EnableMetrics registers the Prometheus-backed metrics plugin.
	EnableMetrics bool `json:"enable_metrics" mapstructure:"enable_metrics" yaml:"enable_metrics"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StoreDriver: DriverMemory,
		MaxRetries:  5,
		CacheTTL:    30 * time.Second,
	}
}
