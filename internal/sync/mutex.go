// Package sync is the offline-first synchronization engine. It keeps a local
// catalog store consistent with the ListenUp server by combining a real-time
// event stream with cursor-based delta pulls, while draining a durable queue
// of local mutations. All three writer paths are serialized by a single
// SyncMutex.
package sync

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// SyncMutex is the single exclusive lock serializing stream applies, delta
// applies and queue flushes against the local store. Waiters are granted
// the lock in FIFO order and may give up waiting by canceling their context.
//
// SyncMutex is not reentrant: acquiring it from inside a function already
// running under it deadlocks until the inner context is canceled. Code
// running under the lock calls the store directly.
type SyncMutex struct {
	sem    *semaphore.Weighted
	locked atomic.Bool
}

// NewSyncMutex returns an unlocked SyncMutex.
func NewSyncMutex() *SyncMutex {
	return &SyncMutex{sem: semaphore.NewWeighted(1)}
}

// WithLock runs fn while holding m and returns its result. The lock is
// released on every exit path, including a panic in fn.
func WithLock[T any](ctx context.Context, m *SyncMutex, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return zero, fmt.Errorf("sync: waiting for sync lock: %w", err)
	}

	m.locked.Store(true)

	defer func() {
		m.locked.Store(false)
		m.sem.Release(1)
	}()

	return fn(ctx)
}

// Do is WithLock for functions that return only an error.
func (m *SyncMutex) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := WithLock(ctx, m, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})

	return err
}

// IsLocked reports whether the lock is currently held. Diagnostic only: the
// answer may be stale by the time the caller reads it.
func (m *SyncMutex) IsLocked() bool {
	return m.locked.Load()
}
