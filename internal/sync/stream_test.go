package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ListenUpApp/client-sub012/internal/api"
)

// recordingHandler records stream callbacks.
type recordingHandler struct {
	mu         stdsync.Mutex
	handshakes []string
	events     []int64
	reconnects atomic.Int32
	failOn     int64 // ApplyEvent fails once for this sequence
}

func (h *recordingHandler) OnHandshake(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.handshakes = append(h.handshakes, id)

	return nil
}

func (h *recordingHandler) ApplyEvent(_ context.Context, c *api.Change) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.failOn != 0 && c.Sequence == h.failOn {
		h.failOn = 0
		return errors.New("store write failed")
	}

	h.events = append(h.events, c.Sequence)

	return nil
}

func (h *recordingHandler) OnReconnect(context.Context) { h.reconnects.Add(1) }

func (h *recordingHandler) sequences() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]int64(nil), h.events...)
}

func newTestStream(t *testing.T, d EventDialer, h StreamHandler) *EventStreamClient {
	t.Helper()

	c := NewEventStream(d, h, StreamConfig{}, testLogger(t))
	c.sleepFunc = noopSleep

	t.Cleanup(c.Disconnect)

	return c
}

func seqChange(seq int64) api.Change {
	return api.Change{EntityType: "book", EntityID: "b1", Operation: api.OpUpdate, Payload: payload("x"), Sequence: seq}
}

func TestStream_IdempotentConnect(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	c := newTestStream(t, d, &recordingHandler{})

	ctx := context.Background()
	c.Connect(ctx)
	c.Connect(ctx)

	d.next(t)
	waitFor(t, func() bool { return c.Status().Get().Phase == StreamConnected }, "never connected")

	c.Connect(ctx)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(1), d.dials.Load(), "exactly one connection")
	assert.Equal(t, int64(1), c.Stats().Connections)

	c.Disconnect()
	c.Disconnect()

	assert.Equal(t, StreamDisconnected, c.Status().Get().Phase)
}

func TestStream_AppliesEventsInOrder(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	h := &recordingHandler{}
	c := newTestStream(t, d, h)

	c.Connect(context.Background())

	src := d.next(t)
	src.send(&api.Frame{Type: api.FrameHello, LibraryID: "lib-1"})

	for seq := int64(1); seq <= 20; seq++ {
		src.send(changeFrame(seqChange(seq)))
	}

	src.send(&api.Frame{Type: api.FramePing})

	waitFor(t, func() bool { return len(h.sequences()) == 20 }, "events not applied")

	want := make([]int64, 20)
	for i := range want {
		want[i] = int64(i + 1)
	}

	assert.Equal(t, want, h.sequences())
	assert.Equal(t, []string{"lib-1"}, h.handshakes)
	assert.Equal(t, int64(20), c.Stats().LastSequence)
	assert.Zero(t, h.reconnects.Load(), "the first connection is not a reconnect")
}

func TestStream_ReconnectAfterDropBridgesGap(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	h := &recordingHandler{}
	c := newTestStream(t, d, h)

	c.Connect(context.Background())

	first := d.next(t)
	first.send(changeFrame(seqChange(1)))
	waitFor(t, func() bool { return len(h.sequences()) == 1 }, "first event")

	first.drop()

	second := d.next(t)
	waitFor(t, func() bool { return h.reconnects.Load() == 1 }, "no gap bridge after reconnect")

	second.send(changeFrame(seqChange(2)))
	waitFor(t, func() bool { return len(h.sequences()) == 2 }, "second event")

	assert.Equal(t, int64(2), c.Stats().Connections)
	assert.Equal(t, StreamConnected, c.Status().Get().Phase)
}

func TestStream_ApplyFailureRecyclesConnection(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	h := &recordingHandler{failOn: 2}
	c := newTestStream(t, d, h)

	c.Connect(context.Background())

	first := d.next(t)
	first.send(changeFrame(seqChange(1)))
	first.send(changeFrame(seqChange(2)))

	second := d.next(t)
	waitFor(t, func() bool { return h.reconnects.Load() == 1 }, "no gap bridge after apply failure")

	second.send(changeFrame(seqChange(3)))
	waitFor(t, func() bool { return len(h.sequences()) == 2 }, "event after reconnect")

	assert.Equal(t, []int64{1, 3}, h.sequences())
}

func TestStream_DialFailuresBackOffExponentially(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	d.errs = []error{errors.New("refused"), errors.New("refused"), errors.New("refused")}

	h := &recordingHandler{}
	c := NewEventStream(d, h, StreamConfig{InitialBackoff: time.Second, MaxBackoff: 3 * time.Second}, testLogger(t))

	var (
		mu     stdsync.Mutex
		sleeps []time.Duration
	)

	c.sleepFunc = func(ctx context.Context, dur time.Duration) error {
		mu.Lock()
		sleeps = append(sleeps, dur)
		mu.Unlock()

		return ctx.Err()
	}

	t.Cleanup(c.Disconnect)

	c.Connect(context.Background())
	d.next(t)
	waitFor(t, func() bool { return c.Status().Get().Phase == StreamConnected }, "never connected")

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, sleeps, 3)
	assert.InDelta(t, float64(time.Second), float64(sleeps[0]), float64(time.Second)*jitterFraction)
	assert.InDelta(t, float64(2*time.Second), float64(sleeps[1]), float64(2*time.Second)*jitterFraction)
	assert.InDelta(t, float64(3*time.Second), float64(sleeps[2]), float64(3*time.Second)*jitterFraction)
	assert.Zero(t, h.reconnects.Load(), "failed first dials are not a drop")
}

func TestStream_ParentContextStopsLoop(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	c := newTestStream(t, d, &recordingHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	c.Connect(ctx)
	d.next(t)

	cancel()
	waitFor(t, func() bool { return c.Status().Get().Phase == StreamDisconnected }, "loop did not stop")

	// A stopped loop can be restarted.
	waitFor(t, func() bool {
		c.Connect(context.Background())
		return d.dials.Load() == 2
	}, "loop did not restart")
	d.next(t)
}

func TestStream_ConnectAfterDisconnectIsAReconnect(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	h := &recordingHandler{}
	c := newTestStream(t, d, h)

	ctx := context.Background()
	c.Connect(ctx)
	d.next(t)
	waitFor(t, func() bool { return c.Status().Get().Phase == StreamConnected }, "never connected")
	assert.Zero(t, h.reconnects.Load())

	c.Disconnect()
	assert.Equal(t, StreamDisconnected, c.Status().Get().Phase)

	c.Connect(ctx)
	c.Connect(ctx)
	d.next(t)

	waitFor(t, func() bool { return h.reconnects.Load() == 1 }, "connect after disconnect not bridged")
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(2), d.dials.Load(), "one connection per Connect cycle")
	assert.Equal(t, int64(2), c.Stats().Connections)
	assert.Equal(t, int32(1), h.reconnects.Load())
}

func TestStream_ExpectGapBridgesFirstConnection(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	h := &recordingHandler{}
	c := newTestStream(t, d, h)

	c.ExpectGap()
	c.Connect(context.Background())
	d.next(t)

	waitFor(t, func() bool { return h.reconnects.Load() == 1 }, "first connection not bridged")
}
