package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ListenUpApp/client-sub012/internal/api"
	"github.com/ListenUpApp/client-sub012/internal/catalog"
)

// Server is everything the orchestrator needs from the ListenUp server.
// *api.Client satisfies it.
type Server interface {
	Handshake(ctx context.Context) (*api.Handshake, error)
	DeltaFetcher
	Pusher
}

// OrchestratorConfig wires an Orchestrator. Server, Store, DB and Logger are
// required. A nil Dialer disables the event stream.
type OrchestratorConfig struct {
	Server         Server
	Dialer         EventDialer
	Store          catalog.Store
	DB             *sql.DB
	Retry          RetryPolicy
	Stream         StreamConfig
	DeltaPageLimit int
	Logger         *slog.Logger
	// SkipRecovery leaves in-flight operations alone at startup. Set it when
	// another live process shares the database and may be pushing them.
	SkipRecovery bool
}

// Orchestrator coordinates the sync engine: it owns the sync state machine,
// runs sync cycles (flush then delta pull), applies stream events, and
// executes the library reset procedures.
type Orchestrator struct {
	server   Server
	store    catalog.Store
	mu       *SyncMutex
	queue    *MutationQueue
	meta     *MetaStore
	delta    *DeltaSyncClient
	detector *ConflictDetector
	stream   *EventStreamClient
	logger   *slog.Logger
	nowFunc  func() time.Time

	// cycle admits one flush or delta cycle at a time.
	cycle *semaphore.Weighted

	state   *Observable[SyncState]
	pending *Observable[[]PendingOperation]

	// kick asks a running watch loop for a flush.
	kick   chan struct{}
	closed atomic.Bool
}

// NewOrchestrator builds an orchestrator and recovers operations a previous
// process left in flight.
func NewOrchestrator(ctx context.Context, cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Server == nil || cfg.Store == nil || cfg.DB == nil {
		return nil, errors.New("sync: orchestrator needs a server, a store and a database")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mu := NewSyncMutex()
	queue := NewMutationQueue(cfg.DB, mu, cfg.Retry, logger)
	meta := NewMetaStore(cfg.DB, logger)

	o := &Orchestrator{
		server:   cfg.Server,
		store:    cfg.Store,
		mu:       mu,
		queue:    queue,
		meta:     meta,
		delta:    NewDeltaSyncClient(cfg.Server, meta, cfg.DeltaPageLimit, logger),
		detector: NewConflictDetector(meta, queue, logger),
		logger:   logger,
		nowFunc:  time.Now,
		cycle:    semaphore.NewWeighted(1),
		state:    NewObservable(Idle()),
		pending:  NewObservable[[]PendingOperation](nil),
		kick:     make(chan struct{}, 1),
	}

	if cfg.Dialer != nil {
		o.stream = NewEventStream(cfg.Dialer, &streamHandler{o: o}, cfg.Stream, logger)
	}

	if !cfg.SkipRecovery {
		if _, err := queue.RecoverInFlight(ctx); err != nil {
			return nil, err
		}
	}

	o.refreshPending(ctx)

	return o, nil
}

// State returns the observable sync state.
func (o *Orchestrator) State() *Observable[SyncState] { return o.state }

// Pending returns the observable list of queued operations (pending, in
// flight and failed).
func (o *Orchestrator) Pending() *Observable[[]PendingOperation] { return o.pending }

// Queue exposes the mutation queue for read-only inspection.
func (o *Orchestrator) Queue() *MutationQueue { return o.queue }

// Meta exposes the sync metadata store for read-only inspection.
func (o *Orchestrator) Meta() *MetaStore { return o.meta }

// Stream returns the event stream client, or nil if the stream is disabled.
func (o *Orchestrator) Stream() *EventStreamClient { return o.stream }

// Mutex returns the lock serializing writes to the store.
func (o *Orchestrator) Mutex() *SyncMutex { return o.mu }

func (o *Orchestrator) mismatched() bool {
	return o.state.Get().Kind == StateLibraryMismatch
}

// Sync runs a full cycle: handshake and identity check, flush of the
// mutation queue, then a delta pull from the saved cursor. While a library
// mismatch is unresolved it returns ErrLibraryMismatch without contacting
// the server.
func (o *Orchestrator) Sync(ctx context.Context) error {
	if err := o.acquireCycle(ctx); err != nil {
		return err
	}
	defer o.cycle.Release(1)

	return o.runCycle(ctx, o.fullCycle)
}

// SyncIfNeeded runs Sync only if no sync has completed yet (no cursor).
func (o *Orchestrator) SyncIfNeeded(ctx context.Context) error {
	cursor, err := o.meta.Cursor(ctx)
	if err != nil {
		return err
	}

	if cursor != "" {
		return nil
	}

	o.logger.Info("no sync checkpoint, running initial sync")

	return o.Sync(ctx)
}

// BridgeGap pulls the changes missed while the event stream was down. It
// does not flush the queue. It is a no-op during a library mismatch.
func (o *Orchestrator) BridgeGap(ctx context.Context) error {
	if err := o.acquireCycle(ctx); err != nil {
		if errors.Is(err, ErrLibraryMismatch) {
			return nil
		}

		return err
	}
	defer o.cycle.Release(1)

	return o.runCycle(ctx, func(ctx context.Context) error {
		return o.pull(ctx)
	})
}

// Flush pushes due pending operations without pulling.
func (o *Orchestrator) Flush(ctx context.Context) (FlushReport, error) {
	if err := o.acquireCycle(ctx); err != nil {
		return FlushReport{}, err
	}
	defer o.cycle.Release(1)

	report, err := o.queue.Flush(ctx, o.server, o.store)
	o.refreshPending(ctx)

	return report, err
}

func (o *Orchestrator) acquireCycle(ctx context.Context) error {
	if o.closed.Load() {
		return ErrClosed
	}

	if o.mismatched() {
		return ErrLibraryMismatch
	}

	if err := o.cycle.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("sync: waiting for running cycle: %w", err)
	}

	// A cycle that held the lock may have detected a mismatch.
	if o.mismatched() {
		o.cycle.Release(1)
		return ErrLibraryMismatch
	}

	return nil
}

// runCycle wraps body in the Syncing → Idle | Error transitions. The caller
// holds the cycle lock.
func (o *Orchestrator) runCycle(ctx context.Context, body func(ctx context.Context) error) error {
	o.state.Set(Syncing())
	started := o.nowFunc()

	err := body(ctx)

	switch {
	case errors.Is(err, ErrLibraryMismatch):
		// State already holds the mismatch.
		return err
	case err != nil && ctx.Err() != nil:
		o.state.Set(Idle())
		o.logger.Info("sync cycle canceled")

		return err
	case err != nil:
		o.state.Set(Failed(err))
		o.logger.Error("sync cycle failed",
			slog.Duration("duration", o.nowFunc().Sub(started)),
			slog.String("error", err.Error()),
		)

		return err
	}

	if err := o.meta.SetLastSyncAt(context.WithoutCancel(ctx), o.nowFunc()); err != nil {
		o.logger.Warn("recording last sync time", slog.String("error", err.Error()))
	}

	o.state.Set(Idle())
	o.logger.Info("sync cycle complete", slog.Duration("duration", o.nowFunc().Sub(started)))

	return nil
}

func (o *Orchestrator) fullCycle(ctx context.Context) error {
	if err := o.handshake(ctx); err != nil {
		return err
	}

	report, err := o.queue.Flush(ctx, o.server, o.store)
	o.refreshPending(ctx)

	if err != nil {
		return err
	}

	if report.Failed > 0 {
		o.logger.Warn("some operations need attention", slog.Int("failed", report.Failed))
	}

	return o.pull(ctx)
}

// handshake fetches the server's library identity and checks it.
func (o *Orchestrator) handshake(ctx context.Context) error {
	hs, err := o.server.Handshake(ctx)
	if err != nil {
		return fmt.Errorf("sync: handshake: %w", err)
	}

	return o.checkIdentity(ctx, hs.LibraryID)
}

// checkIdentity runs the conflict detector and enters the mismatch state if
// needed, returning ErrLibraryMismatch.
func (o *Orchestrator) checkIdentity(ctx context.Context, identity string) error {
	m, err := o.detector.Check(ctx, identity)
	if err != nil {
		return err
	}

	if m == nil {
		return nil
	}

	o.state.Set(LibraryMismatch(m.HasPendingChanges, m.NewIdentity))

	return ErrLibraryMismatch
}

// pull applies every delta page after the saved cursor. An expired cursor
// is reset and the full catalog re-pulled, replacing the store's contents.
func (o *Orchestrator) pull(ctx context.Context) error {
	cursor, err := o.meta.Cursor(ctx)
	if err != nil {
		return err
	}

	_, err = o.delta.PullAndApply(ctx, cursor, o.applyBatch(false))
	if !errors.Is(err, ErrCursorExpired) {
		return err
	}

	o.logger.Warn("delta cursor expired, re-pulling full catalog")

	if err := o.meta.ResetCursor(ctx); err != nil {
		return err
	}

	_, err = o.delta.PullAndApply(ctx, "", o.applyBatch(true))

	return err
}

// applyBatch returns the apply callback for one delta pull. With
// replaceStore the store is cleared under the same lock hold as the first
// page, so entities deleted while the cursor was expired disappear.
func (o *Orchestrator) applyBatch(replaceStore bool) func(ctx context.Context, batch DeltaBatch) error {
	first := true

	return func(ctx context.Context, batch DeltaBatch) error {
		if batch.LibraryID != "" {
			if err := o.checkIdentity(ctx, batch.LibraryID); err != nil {
				return err
			}
		}

		clearFirst := replaceStore && first
		first = false

		return o.mu.Do(ctx, func(ctx context.Context) error {
			if clearFirst {
				if err := o.store.ClearAll(ctx); err != nil {
					return fmt.Errorf("sync: clearing store for full re-pull: %w", err)
				}
			}

			for i := range batch.Changes {
				if err := applyChange(ctx, o.store, &batch.Changes[i]); err != nil {
					return err
				}
			}

			return nil
		})
	}
}

// Enqueue queues a local mutation and asks a running watch loop to flush.
func (o *Orchestrator) Enqueue(ctx context.Context, n NewOperation) (PendingOperation, error) {
	op, err := o.queue.Enqueue(ctx, n)
	if err != nil {
		return PendingOperation{}, err
	}

	o.refreshPending(ctx)
	o.requestFlush()

	return op, nil
}

// RetryOperation resets one operation's retry state and flushes right away.
func (o *Orchestrator) RetryOperation(ctx context.Context, id string) error {
	if err := o.queue.ResetForRetry(ctx, id); err != nil {
		return err
	}

	o.refreshPending(ctx)

	return o.flushAfterReset(ctx)
}

// RetryAll resets every failed operation and flushes right away.
func (o *Orchestrator) RetryAll(ctx context.Context) (int, error) {
	n, err := o.queue.ResetAllFailed(ctx)
	if err != nil {
		return 0, err
	}

	o.refreshPending(ctx)

	return n, o.flushAfterReset(ctx)
}

func (o *Orchestrator) flushAfterReset(ctx context.Context) error {
	_, err := o.Flush(ctx)
	if errors.Is(err, ErrLibraryMismatch) {
		// The reset stands; the flush waits for the mismatch to be resolved.
		return nil
	}

	return err
}

// DismissOperation removes one operation without sending it.
func (o *Orchestrator) DismissOperation(ctx context.Context, id string) error {
	if err := o.queue.Dismiss(ctx, id); err != nil {
		return err
	}

	o.afterDismiss(ctx)

	return nil
}

// DismissAll removes every queued operation without sending any.
func (o *Orchestrator) DismissAll(ctx context.Context) (int, error) {
	n, err := o.queue.Clear(ctx)
	if err != nil {
		return 0, err
	}

	o.afterDismiss(ctx)

	return n, nil
}

// afterDismiss refreshes the pending list and, during a mismatch, the
// mismatch's pending-changes flag.
func (o *Orchestrator) afterDismiss(ctx context.Context) {
	ops := o.refreshPending(ctx)

	if s := o.state.Get(); s.Kind == StateLibraryMismatch && s.HasPendingChanges && len(ops) == 0 {
		o.state.Set(LibraryMismatch(false, s.NewIdentity))
	}
}

// ResetForNewLibrary discards all local work for the old library: it clears
// the queue, the store and the cursor, adopts identity, then runs a full
// sync. An empty identity adopts whatever the server reports. Calling it
// twice in a row leaves the same state as calling it once.
func (o *Orchestrator) ResetForNewLibrary(ctx context.Context, identity string) error {
	return o.reset(ctx, identity, true)
}

// ResyncLibrary adopts identity and re-pulls the full catalog like
// ResetForNewLibrary, but keeps the queued operations; they are pushed to
// the new library on the next flush.
func (o *Orchestrator) ResyncLibrary(ctx context.Context, identity string) error {
	return o.reset(ctx, identity, false)
}

func (o *Orchestrator) reset(ctx context.Context, identity string, discardQueue bool) error {
	if o.closed.Load() {
		return ErrClosed
	}

	if err := o.cycle.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("sync: waiting for running cycle: %w", err)
	}
	defer o.cycle.Release(1)

	if identity == "" {
		identity = o.state.Get().NewIdentity
	}

	if identity == "" {
		hs, err := o.server.Handshake(ctx)
		if err != nil {
			return fmt.Errorf("sync: handshake: %w", err)
		}

		identity = hs.LibraryID
	}

	o.logger.Warn("resetting local state for library",
		slog.String("library_id", identity),
		slog.Bool("discard_pending", discardQueue),
	)

	err := o.mu.Do(ctx, func(ctx context.Context) error {
		if discardQueue {
			if _, err := o.queue.Clear(ctx); err != nil {
				return err
			}
		}

		if err := o.store.ClearAll(ctx); err != nil {
			return fmt.Errorf("sync: clearing store: %w", err)
		}

		if err := o.meta.ResetCursor(ctx); err != nil {
			return err
		}

		return o.meta.SetLibraryIdentity(ctx, identity)
	})

	o.refreshPending(ctx)

	if err != nil {
		o.state.Set(Failed(err))
		return err
	}

	o.state.Set(Idle())

	return o.runCycle(ctx, o.fullCycle)
}

// Connect starts the event stream. It is a no-op when already connected or
// when the stream is disabled.
func (o *Orchestrator) Connect(ctx context.Context) {
	if o.stream != nil {
		o.stream.Connect(ctx)
	}
}

// Disconnect stops the event stream. It is a no-op when not connected.
func (o *Orchestrator) Disconnect() {
	if o.stream != nil {
		o.stream.Disconnect()
	}
}

// Close disconnects the stream and rejects further cycles. The caller owns
// the database and the store.
func (o *Orchestrator) Close() {
	o.closed.Store(true)
	o.Disconnect()
}

// RunOptions configures watch mode.
type RunOptions struct {
	// RefreshInterval is the period of reconciliation syncs. Zero disables
	// them.
	RefreshInterval time.Duration
	// Stream connects the event stream for the duration of Run.
	Stream bool
	// IntervalUpdates delivers new refresh intervals, e.g. after a config
	// reload.
	IntervalUpdates <-chan time.Duration
}

// Run keeps the store in sync until ctx is canceled: an initial sync if
// none has happened, the event stream, periodic reconciliation syncs and
// flushes requested by Enqueue. Starting from a saved checkpoint, the changes
// made while no process was listening are pulled once the stream is up (or
// right away without a stream). Cycle failures are logged and retried on the
// next trigger; Run returns nil on cancellation.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		cursor, err := o.meta.Cursor(ctx)
		if err != nil {
			o.logger.Warn("reading sync checkpoint", slog.String("error", err.Error()))
		}

		warm := cursor != ""

		if err := o.SyncIfNeeded(ctx); err != nil && ctx.Err() == nil {
			o.logger.Warn("initial sync failed", slog.String("error", err.Error()))
		}

		if !opts.Stream || o.stream == nil {
			if warm {
				o.triggered(ctx, "startup", o.BridgeGap)
			}

			return nil
		}

		if warm {
			o.stream.ExpectGap()
		}

		o.Connect(ctx)
		<-ctx.Done()
		o.Disconnect()

		return nil
	})

	g.Go(func() error {
		o.refreshLoop(ctx, opts)
		return nil
	})

	return g.Wait()
}

func (o *Orchestrator) refreshLoop(ctx context.Context, opts RunOptions) {
	interval := opts.RefreshInterval

	var (
		ticker *time.Ticker
		tick   <-chan time.Time
	)

	if interval > 0 {
		ticker = time.NewTicker(interval)
		tick = ticker.C
	}

	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-tick:
			o.triggered(ctx, "refresh", o.Sync)

		case <-o.kick:
			o.triggered(ctx, "enqueue", func(ctx context.Context) error {
				_, err := o.Flush(ctx)
				return err
			})

		case d, ok := <-opts.IntervalUpdates:
			if !ok {
				opts.IntervalUpdates = nil
				continue
			}

			if d == interval {
				continue
			}

			o.logger.Info("refresh interval changed",
				slog.Duration("old", interval),
				slog.Duration("new", d),
			)

			interval = d

			switch {
			case d <= 0 && ticker != nil:
				ticker.Stop()
				ticker, tick = nil, nil
			case d > 0 && ticker != nil:
				ticker.Reset(d)
			case d > 0:
				ticker = time.NewTicker(d)
				tick = ticker.C
			}
		}
	}
}

// triggered runs fn for a watch-mode trigger, logging instead of failing.
func (o *Orchestrator) triggered(ctx context.Context, trigger string, fn func(ctx context.Context) error) {
	err := fn(ctx)

	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, ErrLibraryMismatch):
		o.logger.Debug("skipping trigger during library mismatch", slog.String("trigger", trigger))
	default:
		o.logger.Warn("triggered sync failed",
			slog.String("trigger", trigger),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) requestFlush() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// refreshPending reloads the pending observable and returns the list.
func (o *Orchestrator) refreshPending(ctx context.Context) []PendingOperation {
	ops, err := o.queue.List(context.WithoutCancel(ctx))
	if err != nil {
		o.logger.Warn("refreshing pending operations", slog.String("error", err.Error()))
		return o.pending.Get()
	}

	o.pending.Set(ops)

	return ops
}

// Status is a point-in-time summary for display.
type Status struct {
	State           SyncState
	LibraryIdentity string
	HasCursor       bool
	LastSyncAt      time.Time
	Pending         int
	Failed          int
	Stream          StreamStatus
	StreamStats     StreamStats
	DeltaStats      DeltaStats
}

// Status reads the persisted sync metadata and queue counts. It does not
// contact the server.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	st := Status{State: o.state.Get(), DeltaStats: o.delta.Stats()}

	var err error

	if st.LibraryIdentity, err = o.meta.LibraryIdentity(ctx); err != nil {
		return st, err
	}

	cursor, err := o.meta.Cursor(ctx)
	if err != nil {
		return st, err
	}

	st.HasCursor = cursor != ""

	if st.LastSyncAt, err = o.meta.LastSyncAt(ctx); err != nil {
		return st, err
	}

	ops, err := o.queue.List(ctx)
	if err != nil {
		return st, err
	}

	for i := range ops {
		if ops[i].Status == StatusFailed {
			st.Failed++
		} else {
			st.Pending++
		}
	}

	if o.stream != nil {
		st.Stream = o.stream.Status().Get()
		st.StreamStats = o.stream.Stats()
	}

	return st, nil
}

// streamHandler routes event stream callbacks into the orchestrator.
type streamHandler struct {
	o *Orchestrator
}

func (h *streamHandler) OnHandshake(ctx context.Context, libraryID string) error {
	if libraryID == "" {
		return nil
	}

	if err := h.o.checkIdentity(ctx, libraryID); err != nil && !errors.Is(err, ErrLibraryMismatch) {
		return err
	}

	return nil
}

// ApplyEvent applies one stream event under the SyncMutex. Events are
// dropped while a library mismatch is unresolved.
func (h *streamHandler) ApplyEvent(ctx context.Context, change *api.Change) error {
	if h.o.mismatched() {
		h.o.logger.Debug("ignoring stream event during library mismatch",
			slog.String("entity_type", change.EntityType),
			slog.String("entity_id", change.EntityID),
		)

		return nil
	}

	err := h.o.mu.Do(ctx, func(ctx context.Context) error {
		return applyChange(ctx, h.o.store, change)
	})
	if err != nil && ctx.Err() == nil {
		h.o.streamApplyFailed(err)
	}

	return err
}

// streamApplyFailed publishes a stream store-write failure as the sync
// state. A running cycle owns the state until it ends, so the failure is
// only logged then; the reconnect that follows re-pulls the entity.
func (o *Orchestrator) streamApplyFailed(err error) {
	if !o.cycle.TryAcquire(1) {
		o.logger.Error("stream event not applied during sync cycle", slog.String("error", err.Error()))
		return
	}
	defer o.cycle.Release(1)

	o.state.Set(Failed(err))
}

func (h *streamHandler) OnReconnect(ctx context.Context) {
	if err := h.o.BridgeGap(ctx); err != nil && ctx.Err() == nil {
		h.o.logger.Warn("bridging stream gap failed", slog.String("error", err.Error()))
	}
}
