package sync

import (
	"errors"
	"fmt"
)

// StateKind enumerates the sync state machine's states.
type StateKind int

// Sync states.
const (
	StateIdle StateKind = iota
	StateSyncing
	StateLibraryMismatch
	StateError
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateLibraryMismatch:
		return "library_mismatch"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(k))
	}
}

// SyncState is the orchestrator's current state. HasPendingChanges and
// NewIdentity are set only for StateLibraryMismatch; Err only for
// StateError.
type SyncState struct {
	Kind              StateKind
	HasPendingChanges bool
	NewIdentity       string
	Err               error
}

// Idle is the resting state.
func Idle() SyncState { return SyncState{Kind: StateIdle} }

// Syncing is set for the duration of a cycle.
func Syncing() SyncState { return SyncState{Kind: StateSyncing} }

// LibraryMismatch is the terminal state entered when the server's library
// identity differs from the stored one.
func LibraryMismatch(hasPending bool, newIdentity string) SyncState {
	return SyncState{Kind: StateLibraryMismatch, HasPendingChanges: hasPending, NewIdentity: newIdentity}
}

// Failed is the state after a cycle failed with err. The next trigger
// retries.
func Failed(err error) SyncState { return SyncState{Kind: StateError, Err: err} }

func (s SyncState) String() string {
	switch s.Kind {
	case StateLibraryMismatch:
		return fmt.Sprintf("library_mismatch (new identity %s, pending changes: %t)", s.NewIdentity, s.HasPendingChanges)
	case StateError:
		if s.Err != nil {
			return "error: " + s.Err.Error()
		}

		return "error"
	default:
		return s.Kind.String()
	}
}

// Errors returned by the orchestrator.
var (
	// ErrLibraryMismatch is returned by Sync while the orchestrator waits for
	// an explicit reset or resync decision.
	ErrLibraryMismatch = errors.New("sync: library identity changed (reset or resync required)")

	// ErrOperationNotFound is returned for an unknown pending operation id.
	ErrOperationNotFound = errors.New("sync: pending operation not found")

	// ErrCursorExpired is returned by a delta pull when the server no longer
	// recognizes the cursor (HTTP 410).
	ErrCursorExpired = errors.New("sync: delta cursor expired (full re-pull required)")

	// ErrMissingCursor is returned when the server answers a delta pull
	// without a next cursor.
	ErrMissingCursor = errors.New("sync: delta response has no next cursor")

	// ErrClosed is returned by operations on a closed orchestrator.
	ErrClosed = errors.New("sync: orchestrator closed")
)
