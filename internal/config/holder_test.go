package config

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResolved() *Resolved {
	return &Resolved{Config: *DefaultConfig(), ConfigPath: "/tmp/config.toml"}
}

func TestNewHolder(t *testing.T) {
	cfg := testResolved()
	h := NewHolder(cfg, "/etc/listenup/config.toml")

	require.NotNil(t, h)
	assert.Same(t, cfg, h.Config())
	assert.Equal(t, "/etc/listenup/config.toml", h.Path())
}

func TestHolder_UpdateReturnsPrevious(t *testing.T) {
	cfg1 := testResolved()
	h := NewHolder(cfg1, "/tmp/config.toml")

	cfg2 := testResolved()
	cfg2.Sync.RefreshInterval = "10m"

	old := h.Update(cfg2)

	assert.Same(t, cfg1, old)
	assert.Same(t, cfg2, h.Config())
	assert.Equal(t, "/tmp/config.toml", h.Path())
}

func TestHolder_ConcurrentReadWrite(t *testing.T) {
	h := NewHolder(testResolved(), "/tmp/config.toml")

	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 100 {
				assert.NotNil(t, h.Config())
			}
		}()
	}

	for range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 50 {
				h.Update(testResolved())
			}
		}()
	}

	wg.Wait()
}
