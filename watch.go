package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ListenUpApp/client-sub012/internal/config"
	"github.com/ListenUpApp/client-sub012/internal/sync"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the catalog in sync until interrupted",
		Long: `Run continuously: an initial sync if none has completed, the live event
stream, periodic reconciliation syncs, and pushes of newly queued changes.

The config file is watched; refresh_interval and log_level changes apply
without a restart. SIGHUP (or 'listenup-sync sync' from another shell)
triggers an immediate sync. The first SIGINT stops gracefully; a second one
exits at once.`,
		Args: cobra.NoArgs,
		RunE: runWatch,
	}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	release, err := lockPIDFile(watchPIDPath(cc.Cfg.DataDir))
	if err != nil {
		return err
	}
	defer release()

	ctx := shutdownContext(cmd.Context(), logger)

	sess, err := newSession(ctx, cc, sessionOptions{ownsQueue: true})
	if err != nil {
		return err
	}
	defer sess.Close()

	holder := config.NewHolder(cc.Cfg, cc.Cfg.ConfigPath)
	watcher := config.NewWatcher(holder, func() (*config.Resolved, error) {
		return config.Resolve(config.ReadEnvOverrides(), cc.CLI)
	}, logger)

	intervals := make(chan time.Duration, 1)

	logger.Info("watch started",
		slog.String("server", cc.Cfg.Server.URL),
		slog.Duration("refresh_interval", cc.Cfg.Sync.Refresh()),
		slog.Bool("stream", cc.Cfg.Sync.Stream),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sess.Orch.Run(gctx, sync.RunOptions{
			RefreshInterval: cc.Cfg.Sync.Refresh(),
			Stream:          cc.Cfg.Sync.Stream,
			IntervalUpdates: intervals,
		})
	})

	g.Go(func() error {
		err := watcher.Run(gctx, func(old, updated *config.Resolved) {
			applyReload(cc, old, updated, intervals)
		})
		if err != nil {
			logger.Warn("config file watching disabled", slog.String("error", err.Error()))
		}

		return nil
	})

	g.Go(func() error {
		reqs := syncRequests(gctx)

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-reqs:
				logger.Info("sync requested by signal")

				if err := sess.Orch.Sync(gctx); err != nil && gctx.Err() == nil && !errors.Is(err, sync.ErrLibraryMismatch) {
					logger.Warn("requested sync failed", slog.String("error", err.Error()))
				}
			}
		}
	})

	g.Go(func() error {
		logStateChanges(gctx, sess.Orch, logger)
		return nil
	})

	return waitWithTimeout(ctx, g.Wait, cc.Cfg.Sync.Shutdown(), logger)
}

// applyReload pushes the settings that can change at runtime into the
// running watch loop and warns about the ones that need a restart.
func applyReload(cc *CLIContext, old, updated *config.Resolved, intervals chan time.Duration) {
	if d := updated.Sync.Refresh(); d != old.Sync.Refresh() {
		// Keep only the newest interval if the loop has not picked up the last.
		select {
		case <-intervals:
		default:
		}
		intervals <- d
	}

	if !cc.Flags.Verbose && !cc.Flags.Quiet && updated.Logging.Level() != old.Logging.Level() {
		cc.Level.Set(updated.Logging.Level())
		cc.Logger.Info("log level changed", slog.String("level", updated.Logging.Level().String()))
	}

	restart := map[string]bool{
		"server.url":      updated.Server.URL != old.Server.URL,
		"catalog.backend": updated.Catalog.Backend != old.Catalog.Backend,
		"catalog.path":    updated.Catalog.Path != old.Catalog.Path,
		"sync.stream":     updated.Sync.Stream != old.Sync.Stream,
	}

	for key, changed := range restart {
		if changed {
			cc.Logger.Warn("config change takes effect after restart", slog.String("key", key))
		}
	}
}

// logStateChanges logs sync state transitions until ctx is done.
func logStateChanges(ctx context.Context, o *sync.Orchestrator, logger *slog.Logger) {
	prev := o.State().Get().Kind

	for st := range o.State().Subscribe(ctx) {
		if st.Kind == prev {
			continue
		}

		prev = st.Kind

		switch st.Kind {
		case sync.StateLibraryMismatch:
			logger.Error("server library changed; syncing paused until 'library reset' or 'library resync'",
				slog.String("new_library_id", st.NewIdentity),
				slog.Bool("pending_changes", st.HasPendingChanges),
			)
		case sync.StateError:
			logger.Debug("sync state", slog.String("state", st.String()))
		default:
			logger.Debug("sync state", slog.String("state", st.Kind.String()))
		}
	}
}

// waitWithTimeout waits for wait to return. Once ctx is canceled, it gives
// the workers at most timeout to wind down.
func waitWithTimeout(ctx context.Context, wait func() error, timeout time.Duration, logger *slog.Logger) error {
	done := make(chan error, 1)

	go func() { done <- wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	if timeout <= 0 {
		return <-done
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		logger.Info("watch stopped")
		return err
	case <-timer.C:
		return fmt.Errorf("watch: shutdown timed out after %s", timeout)
	}
}
