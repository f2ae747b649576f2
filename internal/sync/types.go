package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ListenUpApp/client-sub012/internal/api"
	"github.com/ListenUpApp/client-sub012/internal/catalog"
)

// OpKind is the kind of a queued mutation.
type OpKind string

// Mutation kinds. The values are the wire operation names.
const (
	OpCreate OpKind = api.OpCreate
	OpUpdate OpKind = api.OpUpdate
	OpDelete OpKind = api.OpDelete
)

// ParseOpKind validates s as an OpKind.
func ParseOpKind(s string) (OpKind, error) {
	switch k := OpKind(s); k {
	case OpCreate, OpUpdate, OpDelete:
		return k, nil
	default:
		return "", fmt.Errorf("sync: unknown operation kind %q", s)
	}
}

// OpStatus is the lifecycle status of a pending operation.
type OpStatus string

// Operation statuses. Pending operations are retried automatically, InFlight
// ones are being pushed right now, Failed ones wait for the user.
const (
	StatusPending  OpStatus = "pending"
	StatusInFlight OpStatus = "in_flight"
	StatusFailed   OpStatus = "failed"
)

// PendingOperation is a local mutation awaiting server acknowledgment.
type PendingOperation struct {
	ID            string             `json:"id"`
	Seq           int64              `json:"seq"`
	EntityType    catalog.EntityType `json:"entity_type"`
	EntityID      string             `json:"entity_id"`
	Kind          OpKind             `json:"kind"`
	Payload       json.RawMessage    `json:"payload,omitempty"`
	BaseVersion   int64              `json:"base_version,omitempty"`
	EnqueuedAt    time.Time          `json:"enqueued_at"`
	RetryCount    int                `json:"retry_count"`
	LastError     string             `json:"last_error,omitempty"`
	Status        OpStatus           `json:"status"`
	NextAttemptAt time.Time          `json:"next_attempt_at,omitzero"`
}

// Key returns the catalog key the operation targets.
func (op *PendingOperation) Key() catalog.Key {
	return catalog.Key{Type: op.EntityType, ID: op.EntityID}
}

func (op *PendingOperation) request() *api.PushRequest {
	return &api.PushRequest{
		ClientOpID:  op.ID,
		EntityType:  string(op.EntityType),
		EntityID:    op.EntityID,
		Operation:   string(op.Kind),
		BaseVersion: op.BaseVersion,
		Payload:     op.Payload,
	}
}

// NewOperation describes a mutation to enqueue. BaseVersion is the entity
// version the edit was made against; the server rejects the push with a
// conflict when the entity has moved on since. Zero means unknown.
type NewOperation struct {
	EntityType  catalog.EntityType
	EntityID    string
	Kind        OpKind
	Payload     json.RawMessage
	BaseVersion int64
}

func (n *NewOperation) validate() error {
	if n.EntityType == "" {
		return fmt.Errorf("sync: operation has no entity type")
	}

	if n.EntityID == "" {
		return fmt.Errorf("sync: operation on %s has no entity id", n.EntityType)
	}

	if _, err := ParseOpKind(string(n.Kind)); err != nil {
		return err
	}

	if n.Kind != OpDelete && len(n.Payload) == 0 {
		return fmt.Errorf("sync: %s of %s/%s has no payload", n.Kind, n.EntityType, n.EntityID)
	}

	if len(n.Payload) > 0 && !json.Valid(n.Payload) {
		return fmt.Errorf("sync: payload for %s/%s is not valid JSON", n.EntityType, n.EntityID)
	}

	return nil
}

// applyChange writes one server change to the store. The caller holds the
// SyncMutex.
func applyChange(ctx context.Context, store catalog.Store, c *api.Change) error {
	t := catalog.EntityType(c.EntityType)

	if c.IsDelete() {
		if err := store.Delete(ctx, t, c.EntityID); err != nil {
			return fmt.Errorf("sync: deleting %s/%s: %w", t, c.EntityID, err)
		}

		return nil
	}

	if len(c.Payload) == 0 {
		return fmt.Errorf("sync: upsert of %s/%s has no payload", t, c.EntityID)
	}

	if err := store.Upsert(ctx, t, c.EntityID, c.Payload); err != nil {
		return fmt.Errorf("sync: upserting %s/%s: %w", t, c.EntityID, err)
	}

	return nil
}
