package catalog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	sqlUpsertEntity = `INSERT INTO entities (entity_type, entity_id, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		 payload = excluded.payload,
		 updated_at = excluded.updated_at`

	sqlDeleteEntity = `DELETE FROM entities WHERE entity_type = ? AND entity_id = ?`
	sqlClearAll     = `DELETE FROM entities`
	sqlGetEntity    = `SELECT payload FROM entities WHERE entity_type = ? AND entity_id = ?`
	sqlCount        = `SELECT COUNT(*) FROM entities`
)

// SQLiteStore keeps catalog entities in a single SQLite table keyed by
// (entity_type, entity_id). WAL mode lets UI readers run alongside the
// single writer connection.
type SQLiteStore struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// OpenSQLite opens (or creates) the catalog database at path and applies
// pending migrations.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: opening database %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if err := migrate(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("catalog store opened", slog.String("path", path))

	return &SQLiteStore{db: db, logger: logger, nowFunc: time.Now}, nil
}

func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("catalog: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("catalog: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("catalog: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied catalog migration", slog.String("source", r.Source.Path))
	}

	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, entityType EntityType, id string, payload json.RawMessage) error {
	if err := validateKey(entityType, id); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, sqlUpsertEntity,
		string(entityType), id, []byte(payload), s.nowFunc().UnixNano()); err != nil {
		return fmt.Errorf("catalog: upsert %s:%s: %w", entityType, id, err)
	}

	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, entityType EntityType, id string) error {
	if err := validateKey(entityType, id); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, sqlDeleteEntity, string(entityType), id); err != nil {
		return fmt.Errorf("catalog: delete %s:%s: %w", entityType, id, err)
	}

	return nil
}

func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, sqlClearAll)
	if err != nil {
		return fmt.Errorf("catalog: clearing entities: %w", err)
	}

	if n, rowsErr := res.RowsAffected(); rowsErr == nil {
		s.logger.Info("catalog cleared", slog.Int64("entities", n))
	}

	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, entityType EntityType, id string) (json.RawMessage, error) {
	var payload []byte

	err := s.db.QueryRowContext(ctx, sqlGetEntity, string(entityType), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("catalog: get %s:%s: %w", entityType, id, err)
	}

	return json.RawMessage(payload), nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, sqlCount).Scan(&n); err != nil {
		return 0, fmt.Errorf("catalog: counting entities: %w", err)
	}

	return n, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
