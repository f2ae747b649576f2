package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Keys in the sync_meta table.
const (
	metaCursor          = "cursor"
	metaLibraryIdentity = "library_identity"
	metaLastSyncAt      = "last_sync_at"
)

const (
	sqlGetMeta = `SELECT value FROM sync_meta WHERE key = ?`

	sqlSetMeta = `INSERT INTO sync_meta (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
		 value = excluded.value,
		 updated_at = excluded.updated_at`

	sqlDeleteMeta = `DELETE FROM sync_meta WHERE key = ?`
)

// MetaStore persists the sync cursor, the library identity and the time of
// the last successful sync in the sync_meta table. An empty string means
// "not set" for both the cursor and the identity.
type MetaStore struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewMetaStore returns a MetaStore over db (opened with OpenDB).
func NewMetaStore(db *sql.DB, logger *slog.Logger) *MetaStore {
	return &MetaStore{db: db, logger: logger, nowFunc: time.Now}
}

// Cursor returns the saved delta cursor, or "" when none has been saved
// (cold start, or after a reset).
func (m *MetaStore) Cursor(ctx context.Context) (string, error) {
	return m.get(ctx, metaCursor)
}

// SetCursor saves the delta cursor. The cursor can only be cleared with
// ResetCursor.
func (m *MetaStore) SetCursor(ctx context.Context, cursor string) error {
	if cursor == "" {
		return fmt.Errorf("sync: refusing to save empty cursor: %w", ErrMissingCursor)
	}

	return m.set(ctx, metaCursor, cursor)
}

// ResetCursor clears the cursor so the next pull fetches the full catalog.
func (m *MetaStore) ResetCursor(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, sqlDeleteMeta, metaCursor); err != nil {
		return fmt.Errorf("sync: resetting cursor: %w", err)
	}

	m.logger.Info("delta cursor reset")

	return nil
}

// LibraryIdentity returns the stored library identity, or "" before the
// first handshake.
func (m *MetaStore) LibraryIdentity(ctx context.Context) (string, error) {
	return m.get(ctx, metaLibraryIdentity)
}

// SetLibraryIdentity stores the library identity.
func (m *MetaStore) SetLibraryIdentity(ctx context.Context, identity string) error {
	if identity == "" {
		return errors.New("sync: refusing to save empty library identity")
	}

	return m.set(ctx, metaLibraryIdentity, identity)
}

// LastSyncAt returns when the last sync cycle completed, or the zero time.
func (m *MetaStore) LastSyncAt(ctx context.Context) (time.Time, error) {
	v, err := m.get(ctx, metaLastSyncAt)
	if err != nil || v == "" {
		return time.Time{}, err
	}

	nanos, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("sync: parsing last sync time %q: %w", v, err)
	}

	return time.Unix(0, nanos), nil
}

// SetLastSyncAt records when a sync cycle completed.
func (m *MetaStore) SetLastSyncAt(ctx context.Context, t time.Time) error {
	return m.set(ctx, metaLastSyncAt, strconv.FormatInt(t.UnixNano(), 10))
}

func (m *MetaStore) get(ctx context.Context, key string) (string, error) {
	var v string

	err := m.db.QueryRowContext(ctx, sqlGetMeta, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("sync: reading %s: %w", key, err)
	}

	return v, nil
}

func (m *MetaStore) set(ctx context.Context, key, value string) error {
	if _, err := m.db.ExecContext(ctx, sqlSetMeta, key, value, m.nowFunc().UnixNano()); err != nil {
		return fmt.Errorf("sync: saving %s: %w", key, err)
	}

	return nil
}
