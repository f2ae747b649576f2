package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ListenUpApp/client-sub012/internal/api"
	"github.com/ListenUpApp/client-sub012/internal/catalog"
	"github.com/ListenUpApp/client-sub012/internal/config"
	"github.com/ListenUpApp/client-sub012/internal/sync"
)

// Session holds the authenticated API client, the sync database, the local
// catalog, and the orchestrator wired over them for one command.
type Session struct {
	Client *api.Client
	DB     *sql.DB
	Store  catalog.ReadWriter
	Orch   *sync.Orchestrator
	Cfg    *config.Resolved
}

// sessionOptions tunes newSession for commands that never talk to the server.
type sessionOptions struct {
	// offline skips token loading; the orchestrator is still built so the
	// queue and metadata can be inspected.
	offline bool
	// ownsQueue is set by the watch process, which holds the PID lock and
	// so is the only process that may recover interrupted pushes.
	ownsQueue bool
}

// dataDirPermissions keeps the sync database and catalog private.
const dataDirPermissions = 0o700

// newSession opens the sync database and catalog and builds the
// orchestrator from the resolved config.
func newSession(ctx context.Context, cc *CLIContext, opts sessionOptions) (*Session, error) {
	cfg := cc.Cfg
	logger := cc.Logger

	token, err := sessionToken(cfg, opts.offline)
	if err != nil {
		return nil, err
	}

	client := api.NewClient(cfg.Server.URL, newHTTPClient(&cfg.Network), token, logger, userAgent(cfg))
	client.SetRateLimit(cfg.Network.RequestsPerSecond)

	for _, dir := range []string{cfg.DataDir, filepath.Dir(cfg.Catalog.Path)} {
		if err := os.MkdirAll(dir, dataDirPermissions); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sync.OpenDB(ctx, cfg.StateDBPath, logger)
	if err != nil {
		return nil, err
	}

	store, err := catalog.Open(cfg.Catalog.Backend, cfg.Catalog.Path, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	var dialer sync.EventDialer
	if cfg.Sync.Stream && !opts.offline {
		dialer = sync.APIDialer(client)
	}

	orch, err := sync.NewOrchestrator(ctx, sync.OrchestratorConfig{
		Server: client,
		Dialer: dialer,
		Store:  store,
		DB:     db,
		Retry: sync.RetryPolicy{
			MaxRetries: cfg.Sync.MaxRetries,
			BaseDelay:  cfg.Sync.RetryBase(),
			MaxDelay:   cfg.Sync.RetryMax(),
		},
		Stream:         sync.StreamConfig{MaxBackoff: cfg.Sync.StreamBackoffMax()},
		DeltaPageLimit: cfg.Sync.DeltaPageLimit,
		Logger:         logger,
		SkipRecovery:   !opts.ownsQueue && watcherAlive(cfg.DataDir),
	})
	if err != nil {
		store.Close()
		db.Close()

		return nil, err
	}

	logger.Debug("session ready",
		slog.String("server", cfg.Server.URL),
		slog.String("state_db", cfg.StateDBPath),
		slog.String("catalog_backend", cfg.Catalog.Backend),
		slog.String("catalog_path", cfg.Catalog.Path),
	)

	return &Session{Client: client, DB: db, Store: store, Orch: orch, Cfg: cfg}, nil
}

// sessionToken picks the bearer token: the environment first, then the
// token file. Offline sessions need neither a server nor a token.
func sessionToken(cfg *config.Resolved, offline bool) (api.TokenSource, error) {
	if !offline {
		if err := cfg.RequireServer(); err != nil {
			return nil, err
		}
	}

	if cfg.Token != "" {
		return api.StaticToken(cfg.Token), nil
	}

	if offline {
		return api.StaticToken(""), nil
	}

	ts, err := api.TokenSourceFromFile(cfg.Server.TokenFile, cfg.Server.URL)
	if err != nil {
		return nil, fmt.Errorf("%w; run 'listenup-sync login' first", err)
	}

	return ts, nil
}

func userAgent(cfg *config.Resolved) string {
	if cfg.Network.UserAgent != "" {
		return cfg.Network.UserAgent
	}

	return "listenup-sync/" + version
}

// Close stops the orchestrator and releases the catalog and database.
func (s *Session) Close() error {
	s.Orch.Close()

	return errors.Join(s.Store.Close(), s.DB.Close())
}
