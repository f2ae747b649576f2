package config

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Cases(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"refresh disabled", func(c *Config) { c.Sync.RefreshInterval = "0" }, ""},
		{"refresh too short", func(c *Config) { c.Sync.RefreshInterval = "1s" }, "sync.refresh_interval: must be >= 10s"},
		{"refresh garbage", func(c *Config) { c.Sync.RefreshInterval = "soon" }, "invalid duration"},
		{"retries too high", func(c *Config) { c.Sync.MaxRetries = 1000 }, "sync.max_retries"},
		{"negative base delay", func(c *Config) { c.Sync.RetryBaseDelay = "-1s" }, "sync.retry_base_delay: must be >= 0"},
		{"zero base delay", func(c *Config) { c.Sync.RetryBaseDelay = "0s" }, ""},
		{"max below base", func(c *Config) { c.Sync.RetryMaxDelay = "1s" }, "sync.retry_max_delay: must be >= retry_base_delay"},
		{"stream backoff", func(c *Config) { c.Sync.StreamMaxBackoff = "10ms" }, "sync.stream_max_backoff"},
		{"page limit", func(c *Config) { c.Sync.DeltaPageLimit = 10000 }, "sync.delta_page_limit"},
		{"backend", func(c *Config) { c.Catalog.Backend = "postgres" }, "catalog.backend"},
		{"bolt backend", func(c *Config) { c.Catalog.Backend = BackendBolt }, ""},
		{"log format", func(c *Config) { c.Logging.LogFormat = "xml" }, "logging.log_format"},
		{"log retention", func(c *Config) { c.Logging.LogRetentionDays = 0 }, "logging.log_retention_days"},
		{"connect timeout", func(c *Config) { c.Network.ConnectTimeout = "1ms" }, "network.connect_timeout"},
		{"data timeout", func(c *Config) { c.Network.DataTimeout = "1s" }, "network.data_timeout"},
		{"rps", func(c *Config) { c.Network.RequestsPerSecond = -1 }, "network.requests_per_second"},
		{"server scheme", func(c *Config) { c.Server.URL = "listenup.local" }, "server.url"},
		{"server host", func(c *Config) { c.Server.URL = "https://" }, "missing host"},
		{"server ok", func(c *Config) { c.Server.URL = "http://10.0.0.2:8080/" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoggingConfig_Level(t *testing.T) {
	l := LoggingConfig{LogLevel: "warn"}
	assert.Equal(t, slog.LevelWarn, l.Level())

	l.LogLevel = "bogus"
	assert.Equal(t, slog.LevelInfo, l.Level())
}

func TestValidateResolved_NoDataDir(t *testing.T) {
	r := testResolved()

	err := ValidateResolved(r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data directory")
}
