package api

import (
	"encoding/json"
	"time"
)

// Operation names used on the wire.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Frame types sent on the event stream.
const (
	FrameHello  = "hello"
	FrameChange = "change"
	FramePing   = "ping"
)

// Handshake is the server's answer to GET /api/v1/sync/handshake.
type Handshake struct {
	LibraryID     string    `json:"libraryId"`
	ServerVersion string    `json:"serverVersion,omitempty"`
	ServerTime    time.Time `json:"serverTime,omitempty"`
}

// Change is one entity change, shared by delta pages, stream frames and
// push acknowledgements. Payload is opaque to the sync engine.
type Change struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Operation  string          `json:"operation,omitempty"`
	Deleted    bool            `json:"deleted,omitempty"`
	Version    int64           `json:"version,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Sequence   int64           `json:"sequence,omitempty"`
}

// IsDelete reports whether the change removes the entity.
func (c *Change) IsDelete() bool {
	return c.Deleted || c.Operation == OpDelete
}

// DeltaPage is one page of a cursor-based delta pull.
type DeltaPage struct {
	Entities   []Change `json:"entities"`
	NextCursor string   `json:"nextCursor"`
	HasMore    bool     `json:"hasMore,omitempty"`
	LibraryID  string   `json:"libraryId,omitempty"`
}

// PushRequest is a single mutation sent to the server. ClientOpID lets the
// server drop a resend of a mutation it already applied.
type PushRequest struct {
	ClientOpID  string          `json:"clientOpId"`
	EntityType  string          `json:"entityType"`
	EntityID    string          `json:"entityId"`
	Operation   string          `json:"operation"`
	BaseVersion int64           `json:"baseVersion,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// PushResponse acknowledges a mutation. Entity, when present, is the
// server's canonical copy after applying it.
type PushResponse struct {
	Entity *Change `json:"entity,omitempty"`
}

// Frame is one message on the event stream. Change fields are inlined for
// change frames; hello frames carry the library identity.
type Frame struct {
	Type      string `json:"type"`
	LibraryID string `json:"libraryId,omitempty"`
	Change
}
