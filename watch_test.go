package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyReload_IntervalAndLevel(t *testing.T) {
	logger, level, _ := buildLogger(testResolved(t), CLIFlags{}, &testWriter{t: t})
	cc := &CLIContext{Logger: logger, Level: level}

	old := testResolved(t)
	updated := testResolved(t)
	updated.Sync.RefreshInterval = "1m"
	updated.Logging.LogLevel = "debug"
	updated.Server.URL = "https://other.example.com"

	intervals := make(chan time.Duration, 1)
	intervals <- time.Hour // an interval the loop has not consumed yet

	applyReload(cc, old, updated, intervals)

	assert.Equal(t, time.Minute, <-intervals)
	assert.Equal(t, slog.LevelDebug, level.Level())
}

func TestApplyReload_PinnedLevelAndUnchangedInterval(t *testing.T) {
	logger, level, _ := buildLogger(testResolved(t), CLIFlags{Quiet: true}, &testWriter{t: t})
	cc := &CLIContext{Logger: logger, Level: level, Flags: CLIFlags{Quiet: true}}

	old := testResolved(t)
	updated := testResolved(t)
	updated.Logging.LogLevel = "debug"

	intervals := make(chan time.Duration, 1)
	applyReload(cc, old, updated, intervals)

	assert.Empty(t, intervals)
	assert.Equal(t, slog.LevelError, level.Level())
}

func TestWaitWithTimeout(t *testing.T) {
	logger := testLogger(t)

	t.Run("returns wait result", func(t *testing.T) {
		err := waitWithTimeout(context.Background(), func() error { return errors.New("boom") }, time.Second, logger)
		require.EqualError(t, err, "boom")
	})

	t.Run("times out after cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		block := make(chan struct{})
		defer close(block)

		err := waitWithTimeout(ctx, func() error { <-block; return nil }, 10*time.Millisecond, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "shutdown timed out")
	})
}

func TestCLI_Watch(t *testing.T) {
	fake, srv := newFakeListenUp(t)
	fake.put("book", "b1", `{"title":"Dune"}`)

	env := newCLIEnv(t, srv.URL)

	// Keep SIGHUP from killing the test binary before watch installs its
	// own handler.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() {
		cmd := newRootCmd()
		cmd.SetArgs([]string{"--no-stream", "watch"})
		cmd.SetOut(&testWriter{t: t})
		cmd.SetErr(&testWriter{t: t})
		done <- cmd.ExecuteContext(ctx)
	}()

	// The initial sync runs because there is no cursor yet.
	require.Eventually(t, func() bool { return fake.deltaCount() == 1 }, 10*time.Second, 10*time.Millisecond)
	require.FileExists(t, watchPIDPath(env.dataDir))

	_, err := lockPIDFile(watchPIDPath(env.dataDir))
	require.Error(t, err, "a second watch must not start")

	// SIGHUP asks the running watch for a sync.
	require.Eventually(t, func() bool {
		_ = syscall.Kill(os.Getpid(), syscall.SIGHUP)
		return fake.deltaCount() >= 2
	}, 10*time.Second, 50*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not stop after cancellation")
	}

	assert.NoFileExists(t, watchPIDPath(env.dataDir))
}
