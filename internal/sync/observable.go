package sync

import (
	"context"
	stdsync "sync"
)

// Observable holds a single current value and signals every change. Readers
// either poll Get, wait on Changed for the next Set, or Subscribe to a
// conflating stream of values.
type Observable[T any] struct {
	mu      stdsync.Mutex
	value   T
	changed chan struct{}
}

// NewObservable returns an Observable holding initial.
func NewObservable[T any](initial T) *Observable[T] {
	return &Observable[T]{value: initial, changed: make(chan struct{})}
}

// Get returns the current value.
func (o *Observable[T]) Get() T {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.value
}

// Set replaces the current value and wakes everyone waiting on Changed.
func (o *Observable[T]) Set(v T) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.value = v
	close(o.changed)
	o.changed = make(chan struct{})
}

// Changed returns a channel closed by the next Set.
func (o *Observable[T]) Changed() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.changed
}

func (o *Observable[T]) snapshot() (T, <-chan struct{}) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.value, o.changed
}

// Subscribe streams the current value followed by every later one until ctx
// is canceled, then closes the channel. A slow reader skips intermediate
// values and always receives the latest.
func (o *Observable[T]) Subscribe(ctx context.Context) <-chan T {
	out := make(chan T, 1)

	go func() {
		defer close(out)

		for {
			v, changed := o.snapshot()

			select {
			case out <- v:
			case <-changed:
				continue
			case <-ctx.Done():
				return
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
