package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers the "config show" command, giving
// users visibility into the effective values after all override layers
// have been applied.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (%s)\n\n", r.ConfigPath)

	renderServerSection(ew, r)
	renderSyncSection(ew, &r.Sync)
	renderCatalogSection(ew, &r.Catalog)
	renderLoggingSection(ew, &r.Logging)
	renderNetworkSection(ew, &r.Network)

	ew.printf("\n# Derived\n")
	ew.printf("#   data_dir = %q\n", r.DataDir)
	ew.printf("#   state_db = %q\n", r.StateDBPath)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderServerSection(ew *errWriter, r *Resolved) {
	ew.printf("[server]\n")
	ew.printf("  url        = %q\n", r.Server.URL)
	ew.printf("  token_file = %q\n", r.Server.TokenFile)

	if r.Token != "" {
		ew.printf("  # token from %s (not shown)\n", EnvToken)
	}

	ew.printf("\n")
}

func renderSyncSection(ew *errWriter, s *SyncConfig) {
	ew.printf("[sync]\n")
	ew.printf("  refresh_interval   = %q\n", s.RefreshInterval)
	ew.printf("  max_retries        = %d\n", s.MaxRetries)
	ew.printf("  retry_base_delay   = %q\n", s.RetryBaseDelay)
	ew.printf("  retry_max_delay    = %q\n", s.RetryMaxDelay)
	ew.printf("  stream             = %t\n", s.Stream)
	ew.printf("  stream_max_backoff = %q\n", s.StreamMaxBackoff)
	ew.printf("  delta_page_limit   = %d\n", s.DeltaPageLimit)
	ew.printf("  shutdown_timeout   = %q\n", s.ShutdownTimeout)
	ew.printf("\n")
}

func renderCatalogSection(ew *errWriter, c *CatalogConfig) {
	ew.printf("[catalog]\n")
	ew.printf("  backend = %q\n", c.Backend)
	ew.printf("  path    = %q\n", c.Path)
	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("[logging]\n")
	ew.printf("  log_level          = %q\n", l.LogLevel)

	if l.LogFile != "" {
		ew.printf("  log_file           = %q\n", l.LogFile)
	}

	ew.printf("  log_format         = %q\n", l.LogFormat)
	ew.printf("  log_retention_days = %d\n", l.LogRetentionDays)
	ew.printf("\n")
}

func renderNetworkSection(ew *errWriter, n *NetworkConfig) {
	ew.printf("[network]\n")
	ew.printf("  connect_timeout     = %q\n", n.ConnectTimeout)
	ew.printf("  data_timeout        = %q\n", n.DataTimeout)

	if n.UserAgent != "" {
		ew.printf("  user_agent          = %q\n", n.UserAgent)
	}

	ew.printf("  requests_per_second = %g\n", n.RequestsPerSecond)
}
