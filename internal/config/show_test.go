package config

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEffective(t *testing.T) {
	r := testResolved()
	r.Server.URL = "https://books.example.com"
	r.Server.TokenFile = "/data/token.json"
	r.Token = "must-not-leak"
	r.Logging.LogFile = "/var/log/listenup.log"
	r.Network.UserAgent = "ua/1"
	r.DataDir = "/data"
	r.StateDBPath = "/data/sync.db"

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(r, &buf))

	out := buf.String()

	for _, want := range []string{
		"[server]", `url        = "https://books.example.com"`,
		"[sync]", `refresh_interval   = "5m"`, "stream             = true",
		"[catalog]", `backend = "sqlite"`,
		"[logging]", `log_file           = "/var/log/listenup.log"`,
		"[network]", `user_agent          = "ua/1"`,
		`state_db = "/data/sync.db"`,
		"token from " + EnvToken,
	} {
		assert.Contains(t, out, want)
	}

	assert.NotContains(t, out, "must-not-leak")
}

func TestRenderEffective_OmitsEmptyOptionalFields(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderEffective(testResolved(), &buf))

	assert.NotContains(t, buf.String(), "log_file")
	assert.NotContains(t, buf.String(), "user_agent")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestRenderEffective_WriteError(t *testing.T) {
	err := RenderEffective(testResolved(), failingWriter{})
	require.EqualError(t, err, "disk full")
}
