package sync

import (
	"context"
	"fmt"
	"log/slog"
)

// IdentityStore keeps the library identity last seen. MetaStore satisfies
// it.
type IdentityStore interface {
	LibraryIdentity(ctx context.Context) (string, error)
	SetLibraryIdentity(ctx context.Context, identity string) error
}

// PendingCounter reports how many local mutations are queued.
// MutationQueue satisfies it.
type PendingCounter interface {
	Count(ctx context.Context) (int, error)
}

// Mismatch describes a library identity change detected on handshake.
type Mismatch struct {
	StoredIdentity    string
	NewIdentity       string
	HasPendingChanges bool
}

// ConflictDetector compares the server's library identity with the stored
// one. It never touches the queue or the catalog store; deciding what to do
// about a mismatch is the caller's job.
type ConflictDetector struct {
	identities IdentityStore
	pending    PendingCounter
	logger     *slog.Logger
}

// NewConflictDetector returns a detector over the given stores.
func NewConflictDetector(identities IdentityStore, pending PendingCounter, logger *slog.Logger) *ConflictDetector {
	return &ConflictDetector{identities: identities, pending: pending, logger: logger}
}

// Check returns nil when serverIdentity matches the stored identity. On
// first contact (nothing stored) serverIdentity is adopted and Check returns
// nil. Otherwise it returns the mismatch.
func (d *ConflictDetector) Check(ctx context.Context, serverIdentity string) (*Mismatch, error) {
	if serverIdentity == "" {
		return nil, fmt.Errorf("sync: server sent an empty library identity")
	}

	stored, err := d.identities.LibraryIdentity(ctx)
	if err != nil {
		return nil, err
	}

	if stored == "" {
		if err := d.identities.SetLibraryIdentity(ctx, serverIdentity); err != nil {
			return nil, err
		}

		d.logger.Info("library identity recorded", slog.String("library_id", serverIdentity))

		return nil, nil //nolint:nilnil // nil mismatch means "no conflict"
	}

	if stored == serverIdentity {
		return nil, nil //nolint:nilnil // nil mismatch means "no conflict"
	}

	n, err := d.pending.Count(ctx)
	if err != nil {
		return nil, err
	}

	m := &Mismatch{
		StoredIdentity:    stored,
		NewIdentity:       serverIdentity,
		HasPendingChanges: n > 0,
	}

	d.logger.Warn("library identity changed",
		slog.String("stored", stored),
		slog.String("server", serverIdentity),
		slog.Int("pending_operations", n),
	)

	return m, nil
}
