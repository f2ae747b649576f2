package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ListenUpApp/client-sub012/internal/api"
	"github.com/ListenUpApp/client-sub012/internal/catalog"
)

// MutationQueue persists local mutations in the pending_operations table
// and drains them to the server. It shares the sync database with
// MetaStore. The lifecycle of a row is:
//
//	Enqueue → (pending) → Flush claims it (in_flight) → ack deletes it
//	                                                 → transient error: pending + backoff
//	                                                 → permanent error or retries exhausted: failed
//
// Failed rows are only revived by ResetForRetry / ResetAllFailed and only
// removed by a server ack or Dismiss.

const opColumns = `seq, id, entity_type, entity_id, kind, payload, base_version,
	enqueued_at, retry_count, last_error, status, next_attempt_at`

const (
	sqlInsertOp = `INSERT INTO pending_operations
		(id, entity_type, entity_id, kind, payload, base_version, enqueued_at, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '` + string(StatusPending) + `', ?)
		RETURNING seq`

	sqlListOps = `SELECT ` + opColumns + ` FROM pending_operations ORDER BY seq`

	sqlListPendingOps = `SELECT ` + opColumns + ` FROM pending_operations
		WHERE status = '` + string(StatusPending) + `' ORDER BY seq`

	sqlGetOp   = `SELECT ` + opColumns + ` FROM pending_operations WHERE id = ?`
	sqlCountOp = `SELECT COUNT(*) FROM pending_operations`

	sqlClaimOp = `UPDATE pending_operations
		SET status = '` + string(StatusInFlight) + `', updated_at = ?
		WHERE id = ? AND status = '` + string(StatusPending) + `'`

	sqlDeleteOp = `DELETE FROM pending_operations WHERE id = ?`
	sqlClearOps = `DELETE FROM pending_operations`

	sqlRequeueOp = `UPDATE pending_operations
		SET status = '` + string(StatusPending) + `', updated_at = ?
		WHERE id = ? AND status = '` + string(StatusInFlight) + `'`

	sqlRetryLaterOp = `UPDATE pending_operations
		SET status = ?, retry_count = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ?`

	sqlFailOp = `UPDATE pending_operations
		SET status = '` + string(StatusFailed) + `', last_error = ?, updated_at = ?
		WHERE id = ?`

	sqlRecoverInFlight = `UPDATE pending_operations
		SET status = '` + string(StatusPending) + `', updated_at = ?
		WHERE status = '` + string(StatusInFlight) + `'`

	sqlResetOp = `UPDATE pending_operations
		SET status = '` + string(StatusPending) + `', retry_count = 0, last_error = NULL,
		    next_attempt_at = 0, updated_at = ?
		WHERE id = ?`

	sqlResetFailedOps = `UPDATE pending_operations
		SET status = '` + string(StatusPending) + `', retry_count = 0, last_error = NULL,
		    next_attempt_at = 0, updated_at = ?
		WHERE status = '` + string(StatusFailed) + `'`
)

// Pusher sends one mutation to the server. *api.Client satisfies it.
type Pusher interface {
	Push(ctx context.Context, req *api.PushRequest) (*api.PushResponse, error)
}

// FlushReport summarizes one Flush pass.
type FlushReport struct {
	Pushed   int // acknowledged and removed
	Retrying int // failed transiently, left pending with backoff
	Failed   int // marked failed in this pass
	Deferred int // skipped: backoff not elapsed or an earlier op on the same entity is pending
}

// MutationQueue is the durable queue of local mutations.
type MutationQueue struct {
	db      *sql.DB
	mu      *SyncMutex
	policy  RetryPolicy
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
	newID   func() string
}

// NewMutationQueue returns a queue over db (opened with OpenDB). Flush runs
// under mu.
func NewMutationQueue(db *sql.DB, mu *SyncMutex, policy RetryPolicy, logger *slog.Logger) *MutationQueue {
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = DefaultMaxRetries
	}

	return &MutationQueue{
		db:      db,
		mu:      mu,
		policy:  policy,
		logger:  logger,
		nowFunc: time.Now,
		newID:   uuid.NewString,
	}
}

// Enqueue appends a new pending operation with a fresh client id. It does
// not take the SyncMutex: enqueueing only touches the queue, never the
// store.
func (q *MutationQueue) Enqueue(ctx context.Context, n NewOperation) (PendingOperation, error) {
	if err := n.validate(); err != nil {
		return PendingOperation{}, err
	}

	now := q.nowFunc()
	op := PendingOperation{
		ID:          q.newID(),
		EntityType:  n.EntityType,
		EntityID:    n.EntityID,
		Kind:        n.Kind,
		Payload:     n.Payload,
		BaseVersion: n.BaseVersion,
		EnqueuedAt:  now,
		Status:      StatusPending,
	}

	err := q.db.QueryRowContext(ctx, sqlInsertOp,
		op.ID, string(op.EntityType), op.EntityID, string(op.Kind),
		nullBytes(op.Payload), op.BaseVersion, now.UnixNano(), now.UnixNano(),
	).Scan(&op.Seq)
	if err != nil {
		return PendingOperation{}, fmt.Errorf("sync: enqueueing %s %s/%s: %w", op.Kind, op.EntityType, op.EntityID, err)
	}

	q.logger.Info("operation enqueued",
		slog.String("op_id", op.ID),
		slog.String("kind", string(op.Kind)),
		slog.String("entity", op.Key().String()),
	)

	return op, nil
}

// List returns every queued operation (pending, in flight and failed) in
// enqueue order.
func (q *MutationQueue) List(ctx context.Context) ([]PendingOperation, error) {
	return q.query(ctx, sqlListOps)
}

// Get returns the operation with the given id.
func (q *MutationQueue) Get(ctx context.Context, id string) (PendingOperation, error) {
	rows, err := q.query(ctx, sqlGetOp, id)
	if err != nil {
		return PendingOperation{}, err
	}

	if len(rows) == 0 {
		return PendingOperation{}, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}

	return rows[0], nil
}

// Count returns the number of queued operations in any status.
func (q *MutationQueue) Count(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, sqlCountOp).Scan(&n); err != nil {
		return 0, fmt.Errorf("sync: counting pending operations: %w", err)
	}

	return n, nil
}

// Flush pushes every due pending operation, one request each, holding the
// SyncMutex for the whole pass. A server ack removes the row and applies the
// server's canonical entity (if returned) to store; store may be nil.
//
// Operations on the same entity are pushed in enqueue order: once one is
// left pending, later ones on that entity wait for the next pass. Failed
// operations never block anything.
//
// Canceling ctx stops the pass. The operation being pushed at that moment is
// returned to pending with its retry count unchanged; the server drops a
// resend of a mutation it already applied by its client id.
func (q *MutationQueue) Flush(ctx context.Context, pusher Pusher, store catalog.Store) (FlushReport, error) {
	return WithLock(ctx, q.mu, func(ctx context.Context) (FlushReport, error) {
		return q.flushLocked(ctx, pusher, store)
	})
}

func (q *MutationQueue) flushLocked(ctx context.Context, pusher Pusher, store catalog.Store) (FlushReport, error) {
	var report FlushReport

	ops, err := q.query(ctx, sqlListPendingOps)
	if err != nil {
		return report, err
	}

	if len(ops) == 0 {
		return report, nil
	}

	q.logger.Info("flushing pending operations", slog.Int("count", len(ops)))

	now := q.nowFunc()
	blocked := make(map[catalog.Key]bool)

	for i := range ops {
		op := &ops[i]

		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("sync: flush canceled: %w", err)
		}

		key := op.Key()
		if blocked[key] || op.NextAttemptAt.After(now) {
			blocked[key] = true
			report.Deferred++

			continue
		}

		done, err := q.pushOne(ctx, pusher, store, op, &report)
		if err != nil {
			return report, err
		}

		if !done {
			blocked[key] = true
		}
	}

	q.logger.Info("flush complete",
		slog.Int("pushed", report.Pushed),
		slog.Int("retrying", report.Retrying),
		slog.Int("failed", report.Failed),
		slog.Int("deferred", report.Deferred),
	)

	return report, nil
}

// pushOne claims, sends and settles a single operation. It reports whether
// the operation left the pending set (acked or failed) so later operations
// on the same entity may proceed.
func (q *MutationQueue) pushOne(
	ctx context.Context, pusher Pusher, store catalog.Store, op *PendingOperation, report *FlushReport,
) (bool, error) {
	if err := q.exec(ctx, sqlClaimOp, q.nowFunc().UnixNano(), op.ID); err != nil {
		return false, err
	}

	resp, pushErr := pusher.Push(ctx, op.request())

	// Settle the row even if ctx was canceled mid-push so no operation is
	// ever left in flight.
	settleCtx := context.WithoutCancel(ctx)

	switch {
	case pushErr == nil:
		if err := q.exec(settleCtx, sqlDeleteOp, op.ID); err != nil {
			return false, q.requeueUnsettled(settleCtx, op, err)
		}

		report.Pushed++

		q.logger.Info("operation acknowledged",
			slog.String("op_id", op.ID),
			slog.String("entity", op.Key().String()),
		)

		if store != nil && resp != nil && resp.Entity != nil {
			if err := applyChange(settleCtx, store, resp.Entity); err != nil {
				return true, err
			}
		}

		return true, nil

	case ctx.Err() != nil:
		if err := q.exec(settleCtx, sqlRequeueOp, q.nowFunc().UnixNano(), op.ID); err != nil {
			return false, err
		}

		return false, fmt.Errorf("sync: flush canceled: %w", ctx.Err())

	case api.IsPermanent(pushErr):
		if err := q.exec(settleCtx, sqlFailOp, pushErr.Error(), q.nowFunc().UnixNano(), op.ID); err != nil {
			return false, q.requeueUnsettled(settleCtx, op, err)
		}

		report.Failed++

		q.logger.Warn("operation rejected by server",
			slog.String("op_id", op.ID),
			slog.String("entity", op.Key().String()),
			slog.Bool("conflict", errors.Is(pushErr, api.ErrConflict)),
			slog.String("error", pushErr.Error()),
		)

		return true, nil

	default:
		return q.recordTransient(settleCtx, op, pushErr, report)
	}
}

func (q *MutationQueue) recordTransient(
	ctx context.Context, op *PendingOperation, pushErr error, report *FlushReport,
) (bool, error) {
	now := q.nowFunc()
	retries := op.RetryCount + 1
	status := StatusPending

	var next time.Time
	if retries >= q.policy.MaxRetries {
		status = StatusFailed
	} else {
		next = now.Add(q.policy.delay(retries))
	}

	if err := q.exec(ctx, sqlRetryLaterOp,
		string(status), retries, pushErr.Error(), unixNanoOrZero(next), now.UnixNano(), op.ID,
	); err != nil {
		return false, q.requeueUnsettled(ctx, op, err)
	}

	if status == StatusFailed {
		report.Failed++

		q.logger.Warn("operation failed after max retries",
			slog.String("op_id", op.ID),
			slog.String("entity", op.Key().String()),
			slog.Int("retries", retries),
			slog.String("error", pushErr.Error()),
		)

		return true, nil
	}

	report.Retrying++

	q.logger.Warn("operation push failed, will retry",
		slog.String("op_id", op.ID),
		slog.String("entity", op.Key().String()),
		slog.Int("retries", retries),
		slog.Time("next_attempt", next),
		slog.String("error", pushErr.Error()),
	)

	return false, nil
}

// requeueUnsettled returns a claimed operation to pending when its push
// outcome could not be recorded, so the next flush sends it again instead of
// it sitting in flight until a restart. An acked resend is dropped by the
// server by client id.
func (q *MutationQueue) requeueUnsettled(ctx context.Context, op *PendingOperation, settleErr error) error {
	if err := q.exec(ctx, sqlRequeueOp, q.nowFunc().UnixNano(), op.ID); err != nil {
		q.logger.Error("operation left in flight",
			slog.String("op_id", op.ID),
			slog.String("error", err.Error()),
		)

		return errors.Join(settleErr, err)
	}

	q.logger.Warn("recording push outcome failed, operation requeued",
		slog.String("op_id", op.ID),
		slog.String("entity", op.Key().String()),
		slog.String("error", settleErr.Error()),
	)

	return settleErr
}

// RecoverInFlight returns operations left in flight by a crash to pending.
// Call once at startup before the first flush.
func (q *MutationQueue) RecoverInFlight(ctx context.Context) (int, error) {
	n, err := q.execCount(ctx, sqlRecoverInFlight, q.nowFunc().UnixNano())
	if err != nil {
		return 0, err
	}

	if n > 0 {
		q.logger.Warn("recovered in-flight operations", slog.Int("count", n))
	}

	return n, nil
}

// ResetForRetry returns one operation to pending with a zero retry count so
// the next flush attempts it immediately.
func (q *MutationQueue) ResetForRetry(ctx context.Context, id string) error {
	n, err := q.execCount(ctx, sqlResetOp, q.nowFunc().UnixNano(), id)
	if err != nil {
		return err
	}

	if n == 0 {
		return fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}

	return nil
}

// ResetAllFailed returns every failed operation to pending.
func (q *MutationQueue) ResetAllFailed(ctx context.Context) (int, error) {
	return q.execCount(ctx, sqlResetFailedOps, q.nowFunc().UnixNano())
}

// Dismiss removes one operation without sending it.
func (q *MutationQueue) Dismiss(ctx context.Context, id string) error {
	n, err := q.execCount(ctx, sqlDeleteOp, id)
	if err != nil {
		return err
	}

	if n == 0 {
		return fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}

	q.logger.Info("operation dismissed", slog.String("op_id", id))

	return nil
}

// Clear removes every operation without sending any of them.
func (q *MutationQueue) Clear(ctx context.Context) (int, error) {
	n, err := q.execCount(ctx, sqlClearOps)
	if err != nil {
		return 0, err
	}

	if n > 0 {
		q.logger.Info("pending operations cleared", slog.Int("count", n))
	}

	return n, nil
}

func (q *MutationQueue) exec(ctx context.Context, query string, args ...any) error {
	_, err := q.execCount(ctx, query, args...)
	return err
}

func (q *MutationQueue) execCount(ctx context.Context, query string, args ...any) (int, error) {
	result, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sync: updating pending operations: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sync: pending operations rows affected: %w", err)
	}

	return int(n), nil
}

func (q *MutationQueue) query(ctx context.Context, query string, args ...any) ([]PendingOperation, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sync: querying pending operations: %w", err)
	}
	defer rows.Close()

	var ops []PendingOperation

	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}

		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating pending operations: %w", err)
	}

	return ops, nil
}

func scanOperation(rows *sql.Rows) (PendingOperation, error) {
	var (
		op          PendingOperation
		entityType  string
		kind        string
		status      string
		payload     []byte
		lastError   sql.NullString
		enqueuedAt  int64
		nextAttempt int64
	)

	err := rows.Scan(&op.Seq, &op.ID, &entityType, &op.EntityID, &kind, &payload,
		&op.BaseVersion, &enqueuedAt, &op.RetryCount, &lastError, &status, &nextAttempt)
	if err != nil {
		return PendingOperation{}, fmt.Errorf("sync: scanning pending operation: %w", err)
	}

	op.EntityType = catalog.EntityType(entityType)
	op.Kind = OpKind(kind)
	op.Status = OpStatus(status)
	op.Payload = payload
	op.LastError = lastError.String
	op.EnqueuedAt = time.Unix(0, enqueuedAt)

	if nextAttempt > 0 {
		op.NextAttemptAt = time.Unix(0, nextAttempt)
	}

	return op, nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}

	return b
}

func unixNanoOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}
