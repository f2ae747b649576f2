package sync

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/ListenUpApp/client-sub012/internal/api"
)

// Default reconnect backoff for the event stream.
const (
	DefaultStreamInitialBackoff = 1 * time.Second
	DefaultStreamMaxBackoff     = 2 * time.Minute
)

// EventSource is one open event stream connection. *api.EventConn
// satisfies it.
type EventSource interface {
	Next(ctx context.Context) (*api.Frame, error)
	Close() error
}

// EventDialer opens event stream connections.
type EventDialer interface {
	Dial(ctx context.Context) (EventSource, error)
}

// EventDialerFunc adapts a function to EventDialer.
type EventDialerFunc func(ctx context.Context) (EventSource, error)

// Dial calls f.
func (f EventDialerFunc) Dial(ctx context.Context) (EventSource, error) {
	return f(ctx)
}

// APIDialer dials the event stream through c.
func APIDialer(c *api.Client) EventDialer {
	return EventDialerFunc(func(ctx context.Context) (EventSource, error) {
		conn, err := c.DialEvents(ctx)
		if err != nil {
			return nil, err
		}

		return conn, nil
	})
}

// StreamHandler receives what the event stream delivers. ApplyEvent is
// called strictly in delivery order; an error closes the connection and
// triggers a reconnect. OnReconnect is called once a connection is
// established, before any of its frames are read, for every connection but
// the client's first: after a drop, after Disconnect and Connect, or after
// ExpectGap.
type StreamHandler interface {
	OnHandshake(ctx context.Context, libraryID string) error
	ApplyEvent(ctx context.Context, change *api.Change) error
	OnReconnect(ctx context.Context)
}

// StreamPhase is a state of the event stream's connection state machine.
type StreamPhase int

// Stream phases.
const (
	StreamDisconnected StreamPhase = iota
	StreamConnecting
	StreamConnected
	StreamBackoff
)

func (p StreamPhase) String() string {
	switch p {
	case StreamDisconnected:
		return "disconnected"
	case StreamConnecting:
		return "connecting"
	case StreamConnected:
		return "connected"
	case StreamBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// StreamStatus is the stream's observable state. Attempt counts failed
// connection attempts since the last successful connect; Err is the error
// that caused the current backoff.
type StreamStatus struct {
	Phase   StreamPhase
	Attempt int
	Err     error
}

func (s StreamStatus) String() string {
	if s.Phase == StreamBackoff {
		return fmt.Sprintf("backoff(%d)", s.Attempt)
	}

	return s.Phase.String()
}

// StreamConfig tunes reconnect backoff.
type StreamConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// EventStreamClient keeps one event stream connection open while connected,
// reconnecting with bounded exponential backoff after drops.
type EventStreamClient struct {
	dialer  EventDialer
	handler StreamHandler
	cfg     StreamConfig
	logger  *slog.Logger
	status  *Observable[StreamStatus]

	// sleepFunc waits between reconnect attempts. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error

	// mu serializes Connect and Disconnect.
	mu     stdsync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// connectedBefore outlives Disconnect: any connection after the first
	// may have missed events and is bridged through OnReconnect.
	connectedBefore atomic.Bool

	stats streamCounters
}

type streamCounters struct {
	connections  atomic.Int64
	eventsSeen   atomic.Int64
	lastSequence atomic.Int64
}

// StreamStats is a snapshot of event stream counters.
type StreamStats struct {
	Connections  int64
	Events       int64
	LastSequence int64
}

// NewEventStream returns a disconnected stream client.
func NewEventStream(dialer EventDialer, handler StreamHandler, cfg StreamConfig, logger *slog.Logger) *EventStreamClient {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultStreamInitialBackoff
	}

	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = max(cfg.InitialBackoff, DefaultStreamMaxBackoff)
	}

	return &EventStreamClient{
		dialer:    dialer,
		handler:   handler,
		cfg:       cfg,
		logger:    logger,
		status:    NewObservable(StreamStatus{Phase: StreamDisconnected}),
		sleepFunc: timeSleep,
	}
}

// Status returns the observable connection state.
func (c *EventStreamClient) Status() *Observable[StreamStatus] {
	return c.status
}

// Stats returns the stream's counters.
func (c *EventStreamClient) Stats() StreamStats {
	return StreamStats{
		Connections:  c.stats.connections.Load(),
		Events:       c.stats.eventsSeen.Load(),
		LastSequence: c.stats.lastSequence.Load(),
	}
}

// Connect starts the background connection loop. It returns immediately;
// calling it while already connected is a no-op. The loop stops when ctx is
// canceled or Disconnect is called.
func (c *EventStreamClient) Connect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		select {
		case <-c.done:
			// The previous loop ended with its parent context; start over.
		default:
			return
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	go c.run(runCtx, done)
}

// ExpectGap makes the next connection call OnReconnect even if it is the
// first one in this process, for a start from a checkpoint saved earlier.
func (c *EventStreamClient) ExpectGap() {
	c.connectedBefore.Store(true)
}

// Disconnect stops the connection loop and waits for it to exit. Calling it
// while disconnected is a no-op.
func (c *EventStreamClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		return
	}

	c.cancel()
	<-c.done

	c.cancel = nil
	c.done = nil
}

func (c *EventStreamClient) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.status.Set(StreamStatus{Phase: StreamDisconnected})

	var attempt int

	for {
		c.status.Set(StreamStatus{Phase: StreamConnecting, Attempt: attempt})

		src, err := c.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			attempt++

			c.logger.Warn("event stream connect failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)

			if !c.backoff(ctx, attempt, err) {
				return
			}

			continue
		}

		reconnect := c.connectedBefore.Swap(true)

		c.stats.connections.Add(1)
		c.status.Set(StreamStatus{Phase: StreamConnected})
		c.logger.Info("event stream connected", slog.Bool("reconnect", reconnect))

		attempt = 0

		if reconnect {
			c.handler.OnReconnect(ctx)
		}

		err = c.readLoop(ctx, src)

		if closeErr := src.Close(); closeErr != nil {
			c.logger.Debug("closing event stream", slog.String("error", closeErr.Error()))
		}

		if ctx.Err() != nil {
			c.logger.Info("event stream disconnected")
			return
		}

		attempt++

		c.logger.Warn("event stream dropped",
			slog.Bool("normal_closure", api.IsNormalClosure(err)),
			slog.String("error", err.Error()),
		)

		if !c.backoff(ctx, attempt, err) {
			return
		}
	}
}

// backoff waits before reconnect attempt n. Returns false if ctx was
// canceled while waiting.
func (c *EventStreamClient) backoff(ctx context.Context, attempt int, cause error) bool {
	d := expBackoff(c.cfg.InitialBackoff, c.cfg.MaxBackoff, attempt-1)

	c.status.Set(StreamStatus{Phase: StreamBackoff, Attempt: attempt, Err: cause})
	c.logger.Debug("event stream backing off",
		slog.Int("attempt", attempt),
		slog.Duration("backoff", d),
	)

	return c.sleepFunc(ctx, d) == nil
}

// readLoop delivers frames until the connection fails, ctx is canceled or
// the handler rejects a frame.
func (c *EventStreamClient) readLoop(ctx context.Context, src EventSource) error {
	for {
		frame, err := src.Next(ctx)
		if err != nil {
			return err
		}

		switch frame.Type {
		case api.FrameHello:
			if err := c.handler.OnHandshake(ctx, frame.LibraryID); err != nil {
				return fmt.Errorf("sync: handling stream handshake: %w", err)
			}

		case api.FrameChange:
			change := frame.Change
			if err := c.handler.ApplyEvent(ctx, &change); err != nil {
				return fmt.Errorf("sync: applying stream event %d (%s/%s): %w",
					change.Sequence, change.EntityType, change.EntityID, err)
			}

			c.stats.eventsSeen.Add(1)

			if prev := c.stats.lastSequence.Swap(change.Sequence); change.Sequence != 0 && change.Sequence <= prev {
				c.logger.Debug("event stream sequence did not advance",
					slog.Int64("previous", prev),
					slog.Int64("sequence", change.Sequence),
				)
			}

		case api.FramePing:

		default:
			c.logger.Debug("ignoring unknown event frame", slog.String("type", frame.Type))
		}
	}
}

