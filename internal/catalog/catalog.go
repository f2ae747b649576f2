// Package catalog defines the local catalog store consumed by the sync
// engine and ships the concrete stores used by the CLI. The engine only
// writes through Store; entity payloads are opaque JSON and are never
// interpreted beyond routing by entity type.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// EntityType routes an entity to its collection in the local store.
type EntityType string

// Entity types known to the audiobook catalog. Unknown types are still
// stored; the list exists for validation warnings and CLI completion.
const (
	EntityBook             EntityType = "book"
	EntitySeries           EntityType = "series"
	EntityContributor      EntityType = "contributor"
	EntityCollection       EntityType = "collection"
	EntityGenre            EntityType = "genre"
	EntityTag              EntityType = "tag"
	EntityShelf            EntityType = "shelf"
	EntityPlaybackProgress EntityType = "playback_progress"
)

// KnownEntityTypes lists the entity types the server is expected to send.
var KnownEntityTypes = []EntityType{
	EntityBook, EntitySeries, EntityContributor, EntityCollection,
	EntityGenre, EntityTag, EntityShelf, EntityPlaybackProgress,
}

// IsKnown reports whether t is one of KnownEntityTypes.
func (t EntityType) IsKnown() bool {
	for _, k := range KnownEntityTypes {
		if k == t {
			return true
		}
	}

	return false
}

func (t EntityType) String() string { return string(t) }

// ErrNotFound is returned by Reader.Get for a missing entity.
var ErrNotFound = errors.New("catalog: entity not found")

// Key identifies a single entity in the store.
type Key struct {
	Type EntityType
	ID   string
}

func (k Key) String() string {
	return string(k.Type) + ":" + k.ID
}

// Store is the write surface the sync engine needs. Implementations must
// make Upsert and Delete atomic per entity and must allow concurrent reads
// while a write is in progress.
type Store interface {
	Upsert(ctx context.Context, entityType EntityType, id string, payload json.RawMessage) error
	Delete(ctx context.Context, entityType EntityType, id string) error
	ClearAll(ctx context.Context) error
}

// Reader is the read surface used by the CLI and tests. UI code subscribes
// to the store directly; the sync engine never reads through it.
type Reader interface {
	Get(ctx context.Context, entityType EntityType, id string) (json.RawMessage, error)
	Count(ctx context.Context) (int, error)
}

// ReadWriter is implemented by every store in this package.
type ReadWriter interface {
	Store
	Reader
	Close() error
}

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// Open returns the store for the named backend rooted at path.
func Open(backend, path string, logger *slog.Logger) (ReadWriter, error) {
	switch strings.ToLower(backend) {
	case BackendSQLite, "":
		return OpenSQLite(path, logger)
	case BackendBolt:
		return OpenBolt(path, logger)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("catalog: unknown backend %q", backend)
	}
}

func validateKey(entityType EntityType, id string) error {
	if entityType == "" {
		return errors.New("catalog: empty entity type")
	}

	if id == "" {
		return fmt.Errorf("catalog: empty id for %s", entityType)
	}

	return nil
}
