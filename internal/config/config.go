// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for listenup-sync. It supports a
// four-layer override chain (defaults -> config file -> environment -> CLI
// flags) and live reload of the config file in watch mode.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Sync    SyncConfig    `toml:"sync"`
	Catalog CatalogConfig `toml:"catalog"`
	Logging LoggingConfig `toml:"logging"`
	Network NetworkConfig `toml:"network"`
}

// ServerConfig identifies the ListenUp server and the credentials used for
// it. An empty TokenFile resolves to token.json in the data directory.
type ServerConfig struct {
	URL       string `toml:"url"`
	TokenFile string `toml:"token_file"`
}

// SyncConfig controls the sync engine: reconciliation interval, retry
// policy for queued mutations, the event stream, and delta paging.
type SyncConfig struct {
	RefreshInterval  string `toml:"refresh_interval"`
	MaxRetries       int    `toml:"max_retries"`
	RetryBaseDelay   string `toml:"retry_base_delay"`
	RetryMaxDelay    string `toml:"retry_max_delay"`
	Stream           bool   `toml:"stream"`
	StreamMaxBackoff string `toml:"stream_max_backoff"`
	DeltaPageLimit   int    `toml:"delta_page_limit"`
	ShutdownTimeout  string `toml:"shutdown_timeout"`
}

// CatalogConfig selects the local catalog store. An empty Path resolves to a
// backend-specific file in the data directory.
type CatalogConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

// LoggingConfig controls log output behavior: level, format, and rotation.
type LoggingConfig struct {
	LogLevel         string `toml:"log_level"`
	LogFile          string `toml:"log_file"`
	LogFormat        string `toml:"log_format"`
	LogRetentionDays int    `toml:"log_retention_days"`
}

// NetworkConfig controls HTTP client behavior. RequestsPerSecond of zero
// disables client-side rate limiting.
type NetworkConfig struct {
	ConnectTimeout    string  `toml:"connect_timeout"`
	DataTimeout       string  `toml:"data_timeout"`
	UserAgent         string  `toml:"user_agent"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	ServerURL  *string // --server flag
	NoStream   *bool   // --no-stream flag
}

// Refresh returns the parsed refresh interval. Zero disables periodic syncs.
func (s *SyncConfig) Refresh() time.Duration { return durationOrZero(s.RefreshInterval) }

// RetryBase returns the parsed base delay between push retries.
func (s *SyncConfig) RetryBase() time.Duration { return durationOrZero(s.RetryBaseDelay) }

// RetryMax returns the parsed cap on the delay between push retries.
func (s *SyncConfig) RetryMax() time.Duration { return durationOrZero(s.RetryMaxDelay) }

// StreamBackoffMax returns the parsed cap on event stream reconnect backoff.
func (s *SyncConfig) StreamBackoffMax() time.Duration { return durationOrZero(s.StreamMaxBackoff) }

// Shutdown returns the parsed graceful shutdown timeout.
func (s *SyncConfig) Shutdown() time.Duration { return durationOrZero(s.ShutdownTimeout) }

// Connect returns the parsed dial timeout.
func (n *NetworkConfig) Connect() time.Duration { return durationOrZero(n.ConnectTimeout) }

// Data returns the parsed per-request timeout.
func (n *NetworkConfig) Data() time.Duration { return durationOrZero(n.DataTimeout) }

// durationOrZero parses a validated duration string. Invalid values are
// rejected by Validate, so a parse error here yields zero.
func durationOrZero(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}
