package config

// Default values for configuration options. These are "layer 0" of the
// override chain.
const (
	defaultRefreshInterval  = "5m"
	defaultMaxRetries       = 5
	defaultRetryBaseDelay   = "2s"
	defaultRetryMaxDelay    = "5m"
	defaultStreamMaxBackoff = "2m"
	defaultDeltaPageLimit   = 500
	defaultShutdownTimeout  = "30s"
	defaultCatalogBackend   = BackendSQLite
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"
	defaultLogRetentionDays = 30
	defaultConnectTimeout   = "10s"
	defaultDataTimeout      = "60s"
)

// Catalog backends.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Sync:    defaultSyncConfig(),
		Catalog: CatalogConfig{Backend: defaultCatalogBackend},
		Logging: defaultLoggingConfig(),
		Network: defaultNetworkConfig(),
	}
}

func defaultSyncConfig() SyncConfig {
	return SyncConfig{
		RefreshInterval:  defaultRefreshInterval,
		MaxRetries:       defaultMaxRetries,
		RetryBaseDelay:   defaultRetryBaseDelay,
		RetryMaxDelay:    defaultRetryMaxDelay,
		Stream:           true,
		StreamMaxBackoff: defaultStreamMaxBackoff,
		DeltaPageLimit:   defaultDeltaPageLimit,
		ShutdownTimeout:  defaultShutdownTimeout,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:         defaultLogLevel,
		LogFormat:        defaultLogFormat,
		LogRetentionDays: defaultLogRetentionDays,
	}
}

func defaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		ConnectTimeout: defaultConnectTimeout,
		DataTimeout:    defaultDataTimeout,
	}
}
