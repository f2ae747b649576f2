package catalog

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
)

// MemoryStore is a map-backed Store. It is what the engine's tests run
// against and what the CLI uses with backend = "memory".
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[Key]json.RawMessage
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entities: make(map[Key]json.RawMessage)}
}

func (s *MemoryStore) Upsert(_ context.Context, entityType EntityType, id string, payload json.RawMessage) error {
	if err := validateKey(entityType, id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entities[Key{Type: entityType, ID: id}] = slices.Clone(payload)

	return nil
}

func (s *MemoryStore) Delete(_ context.Context, entityType EntityType, id string) error {
	if err := validateKey(entityType, id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entities, Key{Type: entityType, ID: id})

	return nil
}

func (s *MemoryStore) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entities = make(map[Key]json.RawMessage)

	return nil
}

func (s *MemoryStore) Get(_ context.Context, entityType EntityType, id string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payload, ok := s.entities[Key{Type: entityType, ID: id}]
	if !ok {
		return nil, ErrNotFound
	}

	return slices.Clone(payload), nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entities), nil
}

// Keys returns every stored key, sorted by type then id.
func (s *MemoryStore) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]Key, 0, len(s.entities))
	for k := range s.entities {
		keys = append(keys, k)
	}

	slices.SortFunc(keys, func(a, b Key) int {
		if a.Type != b.Type {
			if a.Type < b.Type {
				return -1
			}

			return 1
		}

		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})

	return keys
}

func (s *MemoryStore) Close() error { return nil }
