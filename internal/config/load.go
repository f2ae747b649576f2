package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ErrNoServer is returned by RequireServer when no server URL is configured.
var ErrNoServer = errors.New("config: no server url configured (set [server] url, " +
	EnvServerURL + " or --server)")

// Resolved is the effective configuration after all override layers, with
// every derived path filled in.
type Resolved struct {
	Config

	// ConfigPath is the file the config was read from (it may not exist).
	ConfigPath string
	// DataDir holds the sync database, the catalog, and the token file.
	DataDir string
	// StateDBPath is the SQLite database holding the mutation queue and
	// sync metadata.
	StateDBPath string
	// Token is a bearer token from the environment. When set, the token
	// file is not read. Never serialized.
	Token string `json:"-"`
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// ConfigPath picks the config file path: CLI > env > default.
func ConfigPath(env EnvOverrides, cli CLIOverrides) string {
	if cli.ConfigPath != "" {
		return cli.ConfigPath
	}

	if env.ConfigPath != "" {
		return env.ConfigPath
	}

	return DefaultConfigPath()
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := ConfigPath(env, cli)

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.ServerURL != "" {
		cfg.Server.URL = env.ServerURL
	}

	if cli.ServerURL != nil {
		cfg.Server.URL = *cli.ServerURL
	}

	if cli.NoStream != nil && *cli.NoStream {
		cfg.Sync.Stream = false
	}

	r := &Resolved{
		Config:     *cfg,
		ConfigPath: cfgPath,
		DataDir:    DefaultDataDir(),
		Token:      env.Token,
	}

	r.fillPaths()

	if err := ValidateResolved(r); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return r, nil
}

// fillPaths expands "~/" and derives the data-directory defaults.
func (r *Resolved) fillPaths() {
	r.Server.TokenFile = expandTilde(r.Server.TokenFile)
	r.Catalog.Path = expandTilde(r.Catalog.Path)
	r.Logging.LogFile = expandTilde(r.Logging.LogFile)

	if r.DataDir == "" {
		return
	}

	r.StateDBPath = filepath.Join(r.DataDir, stateDBFileName)

	if r.Server.TokenFile == "" {
		r.Server.TokenFile = filepath.Join(r.DataDir, tokenFileName)
	}

	if r.Catalog.Path == "" {
		r.Catalog.Path = filepath.Join(r.DataDir, catalogFileName(r.Catalog.Backend))
	}
}

// RequireServer returns ErrNoServer unless a server URL is configured.
func (r *Resolved) RequireServer() error {
	if r.Server.URL == "" {
		return ErrNoServer
	}

	return nil
}
