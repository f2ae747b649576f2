package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "LISTENUP_SYNC_CONFIG"
	EnvServerURL = "LISTENUP_SYNC_SERVER_URL"
	EnvToken     = "LISTENUP_SYNC_TOKEN"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // LISTENUP_SYNC_CONFIG: override config file path
	ServerURL  string // LISTENUP_SYNC_SERVER_URL: server base URL
	Token      string // LISTENUP_SYNC_TOKEN: bearer token, bypasses the token file
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; callers apply the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		ServerURL:  os.Getenv(EnvServerURL),
		Token:      os.Getenv(EnvToken),
	}
}
