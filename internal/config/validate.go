package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"
)

// Validation range constants.
const (
	minRefreshInterval = 10 * time.Second
	minRetries         = 1
	maxRetries         = 100
	minDeltaPageLimit  = 1
	maxDeltaPageLimit  = 5000
	minLogRetention    = 1
	minShutdownTimeout = 1 * time.Second
	minConnectTimeout  = 1 * time.Second
	minDataTimeout     = 5 * time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateCatalog(&cfg.Catalog)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints that only make sense after the
// environment and CLI overrides have been applied.
func ValidateResolved(r *Resolved) error {
	var errs []error

	errs = append(errs, validateServer(&r.Server)...)

	if r.DataDir == "" {
		errs = append(errs, errors.New("data directory: cannot determine home directory"))
	}

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	if s.URL == "" {
		return nil
	}

	u, err := url.Parse(s.URL)
	if err != nil {
		return []error{fmt.Errorf("server.url: %w", err)}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return []error{fmt.Errorf("server.url: scheme must be http or https, got %q", s.URL)}
	}

	if u.Host == "" {
		return []error{fmt.Errorf("server.url: missing host in %q", s.URL)}
	}

	return nil
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if s.RefreshInterval != "0" {
		errs = append(errs, validateDurationMin("sync.refresh_interval", s.RefreshInterval, minRefreshInterval)...)
	}

	if s.MaxRetries < minRetries || s.MaxRetries > maxRetries {
		errs = append(errs, fmt.Errorf("sync.max_retries: must be between %d and %d, got %d",
			minRetries, maxRetries, s.MaxRetries))
	}

	errs = append(errs, validateDurationNonNeg("sync.retry_base_delay", s.RetryBaseDelay)...)
	errs = append(errs, validateDurationNonNeg("sync.retry_max_delay", s.RetryMaxDelay)...)
	errs = append(errs, validateDurationMin("sync.stream_max_backoff", s.StreamMaxBackoff, time.Second)...)
	errs = append(errs, validateDurationMin("sync.shutdown_timeout", s.ShutdownTimeout, minShutdownTimeout)...)

	if base, maxDelay := s.RetryBase(), s.RetryMax(); base > 0 && maxDelay > 0 && maxDelay < base {
		errs = append(errs, fmt.Errorf("sync.retry_max_delay: must be >= retry_base_delay (%s), got %s",
			base, maxDelay))
	}

	if s.DeltaPageLimit < minDeltaPageLimit || s.DeltaPageLimit > maxDeltaPageLimit {
		errs = append(errs, fmt.Errorf("sync.delta_page_limit: must be between %d and %d, got %d",
			minDeltaPageLimit, maxDeltaPageLimit, s.DeltaPageLimit))
	}

	return errs
}

var validBackends = map[string]bool{
	BackendSQLite: true,
	BackendBolt:   true,
}

func validateCatalog(c *CatalogConfig) []error {
	if !validBackends[c.Backend] {
		return []error{fmt.Errorf("catalog.backend: must be one of sqlite, bolt; got %q", c.Backend)}
	}

	return nil
}

// validateDuration checks that a duration string is valid and meets a minimum.
func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}

func validateDurationNonNeg(field, value string) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < 0 {
		return []error{fmt.Errorf("%s: must be >= 0, got %s", field, d)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	if l.LogRetentionDays < minLogRetention {
		errs = append(errs, fmt.Errorf("logging.log_retention_days: must be >= %d, got %d",
			minLogRetention, l.LogRetentionDays))
	}

	return errs
}

var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func validateLogLevel(level string) []error {
	if _, ok := validLogLevels[level]; !ok {
		return []error{fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

// Level returns the slog level for the configured log_level.
func (l *LoggingConfig) Level() slog.Level {
	if lvl, ok := validLogLevels[l.LogLevel]; ok {
		return lvl
	}

	return slog.LevelInfo
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("network.connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("network.data_timeout", n.DataTimeout, minDataTimeout)...)

	if n.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("network.requests_per_second: must be >= 0, got %g", n.RequestsPerSecond))
	}

	return errs
}
