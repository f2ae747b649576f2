package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"
)

// boltOpenTimeout bounds how long OpenBolt waits for the file lock held by
// another process.
const boltOpenTimeout = 2 * time.Second

// BoltStore keeps one bbolt bucket per entity type, keyed by entity id.
type BoltStore struct {
	db     *bolt.DB
	logger *slog.Logger
}

// OpenBolt opens (or creates) a bbolt catalog at path.
func OpenBolt(path string, logger *slog.Logger) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("catalog: opening bolt database %s: %w", path, err)
	}

	logger.Debug("bolt catalog store opened", slog.String("path", path))

	return &BoltStore{db: db, logger: logger}, nil
}

func (s *BoltStore) Upsert(_ context.Context, entityType EntityType, id string, payload json.RawMessage) error {
	if err := validateKey(entityType, id); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(entityType))
		if err != nil {
			return err
		}

		return b.Put([]byte(id), slices.Clone(payload))
	})
	if err != nil {
		return fmt.Errorf("catalog: upsert %s:%s: %w", entityType, id, err)
	}

	return nil
}

func (s *BoltStore) Delete(_ context.Context, entityType EntityType, id string) error {
	if err := validateKey(entityType, id); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entityType))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("catalog: delete %s:%s: %w", entityType, id, err)
	}

	return nil
}

func (s *BoltStore) ClearAll(_ context.Context) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		var names [][]byte

		if err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, slices.Clone(name))
			return nil
		}); err != nil {
			return err
		}

		for _, name := range names {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("catalog: clearing bolt store: %w", err)
	}

	s.logger.Info("catalog cleared")

	return nil
}

func (s *BoltStore) Get(_ context.Context, entityType EntityType, id string) (json.RawMessage, error) {
	var payload json.RawMessage

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entityType))
		if b == nil {
			return ErrNotFound
		}

		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}

		// Values are only valid for the life of the transaction.
		payload = slices.Clone(v)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return payload, nil
}

func (s *BoltStore) Count(_ context.Context) (int, error) {
	n := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(_ []byte, b *bolt.Bucket) error {
			n += b.Stats().KeyN
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("catalog: counting bolt entities: %w", err)
	}

	return n, nil
}

// Close releases the file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
