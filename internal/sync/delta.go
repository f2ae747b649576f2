package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ListenUpApp/client-sub012/internal/api"
	"github.com/ListenUpApp/client-sub012/internal/catalog"
)

// maxDeltaPages bounds one PullAndApply so a server that keeps answering
// hasMore cannot spin the client forever.
const maxDeltaPages = 100000

// DeltaFetcher fetches one page of changes after a cursor. *api.Client
// satisfies it.
type DeltaFetcher interface {
	Delta(ctx context.Context, cursor string, limit int) (*api.DeltaPage, error)
}

// CursorSaver persists the cursor after a page has been applied. MetaStore
// satisfies it.
type CursorSaver interface {
	SetCursor(ctx context.Context, cursor string) error
}

// DeltaBatch is one page of server changes, normalized for applying.
type DeltaBatch struct {
	Changes    []api.Change
	NextCursor string
	HasMore    bool
	LibraryID  string
}

// PullResult summarizes a PullAndApply run.
type PullResult struct {
	Pages   int
	Changes int
	Cursor  string // the last cursor saved
	Full    bool   // started from an empty cursor
}

// DeltaSyncClient performs cursor-based pulls of server changes.
type DeltaSyncClient struct {
	fetcher   DeltaFetcher
	cursors   CursorSaver
	pageLimit int
	logger    *slog.Logger

	pulls   atomic.Int64
	changes atomic.Int64
}

// NewDeltaSyncClient returns a client pulling pages of at most pageLimit
// changes (0 lets the server choose) and saving cursors to cursors.
func NewDeltaSyncClient(fetcher DeltaFetcher, cursors CursorSaver, pageLimit int, logger *slog.Logger) *DeltaSyncClient {
	return &DeltaSyncClient{
		fetcher:   fetcher,
		cursors:   cursors,
		pageLimit: pageLimit,
		logger:    logger,
	}
}

// Pull fetches the page of changes after cursor. An empty cursor requests
// the full catalog. A cursor the server no longer recognizes yields
// ErrCursorExpired.
func (d *DeltaSyncClient) Pull(ctx context.Context, cursor string) (DeltaBatch, error) {
	page, err := d.fetcher.Delta(ctx, cursor, d.pageLimit)
	if err != nil {
		if cursor != "" && errors.Is(err, api.ErrGone) {
			return DeltaBatch{}, fmt.Errorf("%w: %w", ErrCursorExpired, err)
		}

		return DeltaBatch{}, fmt.Errorf("sync: pulling delta: %w", err)
	}

	if page.NextCursor == "" {
		return DeltaBatch{}, ErrMissingCursor
	}

	return DeltaBatch{
		Changes:    compactChanges(page.Entities),
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
		LibraryID:  page.LibraryID,
	}, nil
}

// PullAndApply pulls every page after cursor. Each page is handed to apply
// (which takes the SyncMutex) and its cursor is saved only once apply
// returned nil, so a crash mid-apply re-pulls the same page.
func (d *DeltaSyncClient) PullAndApply(
	ctx context.Context, cursor string, apply func(ctx context.Context, batch DeltaBatch) error,
) (PullResult, error) {
	result := PullResult{Cursor: cursor, Full: cursor == ""}

	d.logger.Info("delta pull starting", slog.Bool("full", result.Full))

	for result.Pages < maxDeltaPages {
		batch, err := d.Pull(ctx, cursor)
		if err != nil {
			return result, err
		}

		if err := apply(ctx, batch); err != nil {
			return result, fmt.Errorf("sync: applying delta page %d: %w", result.Pages+1, err)
		}

		if err := d.cursors.SetCursor(ctx, batch.NextCursor); err != nil {
			return result, err
		}

		result.Pages++
		result.Changes += len(batch.Changes)
		result.Cursor = batch.NextCursor
		d.changes.Add(int64(len(batch.Changes)))

		if !batch.HasMore {
			d.pulls.Add(1)

			d.logger.Info("delta pull complete",
				slog.Int("pages", result.Pages),
				slog.Int("changes", result.Changes),
			)

			return result, nil
		}

		if batch.NextCursor == cursor {
			return result, fmt.Errorf("sync: server returned hasMore with an unchanged cursor")
		}

		cursor = batch.NextCursor
	}

	return result, fmt.Errorf("sync: exceeded maximum delta page count (%d)", maxDeltaPages)
}

// DeltaStats is a snapshot of delta client counters.
type DeltaStats struct {
	Pulls   int64
	Changes int64
}

// Stats returns the delta client's counters.
func (d *DeltaSyncClient) Stats() DeltaStats {
	return DeltaStats{Pulls: d.pulls.Load(), Changes: d.changes.Load()}
}

// compactChanges keeps only the last change per entity within one page,
// preserving the relative order of the survivors. Applying an older change
// after a newer one for the same entity could resurrect a deleted entity.
func compactChanges(changes []api.Change) []api.Change {
	if len(changes) < 2 {
		return changes
	}

	last := make(map[catalog.Key]int, len(changes))
	for i := range changes {
		last[changeKey(&changes[i])] = i
	}

	if len(last) == len(changes) {
		return changes
	}

	out := make([]api.Change, 0, len(last))

	for i := range changes {
		if last[changeKey(&changes[i])] == i {
			out = append(out, changes[i])
		}
	}

	return out
}

func changeKey(c *api.Change) catalog.Key {
	return catalog.Key{Type: catalog.EntityType(c.EntityType), ID: c.EntityID}
}
