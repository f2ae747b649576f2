package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservable_GetSet(t *testing.T) {
	t.Parallel()

	o := NewObservable(1)
	assert.Equal(t, 1, o.Get())

	changed := o.Changed()
	o.Set(2)

	select {
	case <-changed:
	default:
		t.Fatal("Changed channel not closed by Set")
	}

	assert.Equal(t, 2, o.Get())

	select {
	case <-o.Changed():
		t.Fatal("fresh Changed channel already closed")
	default:
	}
}

func TestObservable_SubscribeStartsWithCurrent(t *testing.T) {
	t.Parallel()

	o := NewObservable("idle")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := o.Subscribe(ctx)
	assert.Equal(t, "idle", recv(t, ch))

	o.Set("syncing")
	assert.Equal(t, "syncing", recv(t, ch))

	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestObservable_SubscribeConflates(t *testing.T) {
	t.Parallel()

	o := NewObservable(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := o.Subscribe(ctx)

	for i := 1; i <= 100; i++ {
		o.Set(i)
	}

	// Whatever was buffered, the subscriber converges on the latest value.
	require.Eventually(t, func() bool {
		select {
		case v := <-ch:
			return v == 100
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")

		var zero T

		return zero
	}
}
