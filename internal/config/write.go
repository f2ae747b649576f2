package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// configFilePermissions is the permission mode for config files. The file
// may name a token path, so it is owner-only.
const configFilePermissions = 0o600

// configDirPermissions is the permission mode for config directories.
const configDirPermissions = 0o700

// ErrConfigExists is returned by WriteDefault when the file already exists.
var ErrConfigExists = errors.New("config: file already exists")

// configTemplate is the config file written by "config init". Every setting
// is present as a commented-out default so users can discover every option
// without reading docs.
const configTemplate = `# listenup-sync configuration

[server]
# Base URL of the ListenUp server.
url = %q

# Bearer token file (default: token.json in the data directory)
# token_file = ""

[sync]
# Reconciliation sync interval in watch mode ("0" disables)
# refresh_interval = "5m"

# Push attempts before a queued change is marked failed
# max_retries = 5
# retry_base_delay = "2s"
# retry_max_delay = "5m"

# Keep a live event stream open in watch mode
# stream = true
# stream_max_backoff = "2m"

# delta_page_limit = 500
# shutdown_timeout = "30s"

[catalog]
# Local catalog store: sqlite or bolt
# backend = "sqlite"
# path = ""

[logging]
# log_level = "info"
# log_file = ""
# log_format = "auto"
# log_retention_days = 30

[network]
# connect_timeout = "10s"
# data_timeout = "60s"
# user_agent = ""
# requests_per_second = 0
`

// WriteDefault creates a config file at path from the default template,
// pre-filled with serverURL. It refuses to overwrite an existing file. The
// write is atomic (temp file + rename) and parent directories are created
// as needed.
func WriteDefault(path, serverURL string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	slog.Info("creating config file",
		slog.String("path", path),
		slog.String("server_url", serverURL),
	)

	return atomicWriteFile(path, fmt.Appendf(nil, configTemplate, serverURL))
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it to the target path, so a crash never leaves a
// partially written config file.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	// Clean up the temp file on any error path.
	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
