package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ListenUpApp/client-sub012/internal/api"
	"github.com/ListenUpApp/client-sub012/internal/catalog"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// testWriter adapts testing.T to io.Writer for slog output.
type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// noopSleep is a sleep function that returns immediately, for fast tests.
func noopSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := OpenDB(context.Background(), filepath.Join(t.TempDir(), "sync.db"), testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() { assert.NoError(t, db.Close()) })

	return db
}

// zeroDelayPolicy retries on the next flush without waiting.
func zeroDelayPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{MaxRetries: maxRetries}
}

func payload(title string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"title":%q}`, title))
}

// titleOf reads the title out of a stored book payload.
func titleOf(t *testing.T, store catalog.Reader, id string) string {
	t.Helper()

	raw, err := store.Get(context.Background(), catalog.EntityBook, id)
	require.NoError(t, err)

	var v struct {
		Title string `json:"title"`
	}
	require.NoError(t, json.Unmarshal(raw, &v))

	return v.Title
}

func transientErr() error {
	return &api.APIError{StatusCode: http.StatusServiceUnavailable, Err: api.ErrServerError}
}

func conflictErr() error {
	return &api.APIError{StatusCode: http.StatusConflict, Message: "stale base version", Err: api.ErrConflict}
}

// ---------------------------------------------------------------------------
// fakeServer: an in-memory ListenUp server with versioned entities, a
// sequenced change log, client-op dedup and failure injection.
// ---------------------------------------------------------------------------

type fakeEntity struct {
	version int64
	payload json.RawMessage
	deleted bool
}

type fakeServer struct {
	mu        stdsync.Mutex
	libraryID string
	entities  map[catalog.Key]*fakeEntity
	log       []api.Change
	applied   map[string]bool

	pushErrs     []error // returned (in order) before pushes succeed
	handshakeErr error
	deltaErr     error
	expired      bool // non-empty cursors answer 410
	noCursor     bool // delta responses omit nextCursor
	pageSize     int  // incremental page size; 0 = everything

	// onPush runs at the start of every push, outside the server lock.
	onPush func(ctx context.Context, req *api.PushRequest)

	pushCalls      atomic.Int32
	deltaCalls     atomic.Int32
	handshakeCalls atomic.Int32
	cursorsSeen    []string
}

func newFakeServer(libraryID string) *fakeServer {
	return &fakeServer{
		libraryID: libraryID,
		entities:  make(map[catalog.Key]*fakeEntity),
		applied:   make(map[string]bool),
	}
}

func (s *fakeServer) setLibrary(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.libraryID = id
}

// put records a server-side change made by another client and returns it as
// the stream would deliver it.
func (s *fakeServer) put(entityType catalog.EntityType, id string, p json.RawMessage) api.Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.applyLocked(entityType, id, api.OpUpdate, p)
}

func (s *fakeServer) remove(entityType catalog.EntityType, id string) api.Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.applyLocked(entityType, id, api.OpDelete, nil)
}

func (s *fakeServer) applyLocked(entityType catalog.EntityType, id, op string, p json.RawMessage) api.Change {
	key := catalog.Key{Type: entityType, ID: id}

	e := s.entities[key]
	if e == nil {
		e = &fakeEntity{}
		s.entities[key] = e
	}

	e.version++
	e.deleted = op == api.OpDelete
	e.payload = p

	c := api.Change{
		EntityType: string(entityType),
		EntityID:   id,
		Operation:  op,
		Deleted:    e.deleted,
		Version:    e.version,
		Payload:    p,
		Sequence:   int64(len(s.log) + 1),
	}
	s.log = append(s.log, c)

	return c
}

func (s *fakeServer) version(entityType catalog.EntityType, id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.entities[catalog.Key{Type: entityType, ID: id}]; e != nil {
		return e.version
	}

	return 0
}

func (s *fakeServer) Handshake(_ context.Context) (*api.Handshake, error) {
	s.handshakeCalls.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handshakeErr != nil {
		return nil, s.handshakeErr
	}

	return &api.Handshake{LibraryID: s.libraryID}, nil
}

func (s *fakeServer) Delta(_ context.Context, cursor string, limit int) (*api.DeltaPage, error) {
	s.deltaCalls.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursorsSeen = append(s.cursorsSeen, cursor)

	if s.deltaErr != nil {
		return nil, s.deltaErr
	}

	if cursor != "" && s.expired {
		return nil, &api.APIError{StatusCode: http.StatusGone, Err: api.ErrGone}
	}

	page := &api.DeltaPage{LibraryID: s.libraryID}

	if cursor == "" {
		page.Entities = s.snapshotLocked()
		page.NextCursor = "c" + strconv.Itoa(len(s.log))
	} else {
		after, err := strconv.Atoi(strings.TrimPrefix(cursor, "c"))
		if err != nil {
			return nil, &api.APIError{StatusCode: http.StatusBadRequest, Err: api.ErrBadRequest}
		}

		if limit <= 0 {
			limit = s.pageSize
		}

		rest := s.log[min(after, len(s.log)):]
		if limit > 0 && len(rest) > limit {
			rest = rest[:limit]
			page.HasMore = true
		}

		page.Entities = append([]api.Change(nil), rest...)
		page.NextCursor = "c" + strconv.Itoa(after+len(rest))
	}

	if s.noCursor {
		page.NextCursor = ""
	}

	return page, nil
}

// snapshotLocked returns every live entity as an upsert, sorted by key.
func (s *fakeServer) snapshotLocked() []api.Change {
	var out []api.Change

	for key, e := range s.entities {
		if e.deleted {
			continue
		}

		out = append(out, api.Change{
			EntityType: string(key.Type),
			EntityID:   key.ID,
			Operation:  api.OpUpdate,
			Version:    e.version,
			Payload:    e.payload,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}

		return out[i].EntityID < out[j].EntityID
	})

	return out
}

func (s *fakeServer) Push(ctx context.Context, req *api.PushRequest) (*api.PushResponse, error) {
	s.pushCalls.Add(1)

	if s.onPush != nil {
		s.onPush(ctx, req)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pushErrs) > 0 {
		err := s.pushErrs[0]
		s.pushErrs = s.pushErrs[1:]

		return nil, err
	}

	key := catalog.Key{Type: catalog.EntityType(req.EntityType), ID: req.EntityID}

	if s.applied[req.ClientOpID] {
		e := s.entities[key]
		return &api.PushResponse{Entity: &api.Change{
			EntityType: req.EntityType, EntityID: req.EntityID, Version: e.version, Payload: e.payload, Deleted: e.deleted,
		}}, nil
	}

	if e := s.entities[key]; e != nil && req.BaseVersion != 0 && e.version != req.BaseVersion {
		return nil, conflictErr()
	}

	c := s.applyLocked(key.Type, key.ID, req.Operation, req.Payload)
	s.applied[req.ClientOpID] = true

	return &api.PushResponse{Entity: &c}, nil
}

func (s *fakeServer) failPushes(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pushErrs = append(s.pushErrs, errs...)
}

// ---------------------------------------------------------------------------
// instrumentedStore: a MemoryStore that detects overlapping writes.
// ---------------------------------------------------------------------------

type instrumentedStore struct {
	*catalog.MemoryStore

	active    atomic.Int32
	overlaps  atomic.Int32
	writes    atomic.Int32
	failNext  atomic.Bool
	writeWait time.Duration
}

func newInstrumentedStore() *instrumentedStore {
	return &instrumentedStore{MemoryStore: catalog.NewMemoryStore()}
}

func (s *instrumentedStore) enter() error {
	if s.active.Add(1) > 1 {
		s.overlaps.Add(1)
	}

	s.writes.Add(1)

	if s.writeWait > 0 {
		time.Sleep(s.writeWait)
	}

	if s.failNext.CompareAndSwap(true, false) {
		return fmt.Errorf("disk full")
	}

	return nil
}

func (s *instrumentedStore) exit() { s.active.Add(-1) }

func (s *instrumentedStore) Upsert(ctx context.Context, t catalog.EntityType, id string, p json.RawMessage) error {
	defer s.exit()

	if err := s.enter(); err != nil {
		return err
	}

	return s.MemoryStore.Upsert(ctx, t, id, p)
}

func (s *instrumentedStore) Delete(ctx context.Context, t catalog.EntityType, id string) error {
	defer s.exit()

	if err := s.enter(); err != nil {
		return err
	}

	return s.MemoryStore.Delete(ctx, t, id)
}

func (s *instrumentedStore) ClearAll(ctx context.Context) error {
	defer s.exit()

	if err := s.enter(); err != nil {
		return err
	}

	return s.MemoryStore.ClearAll(ctx)
}

// ---------------------------------------------------------------------------
// fakeSource / fakeDialer: scripted event stream connections.
// ---------------------------------------------------------------------------

type fakeSource struct {
	frames chan *api.Frame
	closed chan struct{}
	once   stdsync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan *api.Frame, 64), closed: make(chan struct{})}
}

func (f *fakeSource) Next(ctx context.Context) (*api.Frame, error) {
	select {
	case fr, ok := <-f.frames:
		if !ok {
			return nil, fmt.Errorf("connection reset by peer")
		}

		return fr, nil
	case <-f.closed:
		return nil, fmt.Errorf("use of closed connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeSource) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSource) send(fr *api.Frame) { f.frames <- fr }

// drop simulates the server going away.
func (f *fakeSource) drop() { close(f.frames) }

func changeFrame(c api.Change) *api.Frame {
	return &api.Frame{Type: api.FrameChange, Change: c}
}

type fakeDialer struct {
	mu      stdsync.Mutex
	sources []*fakeSource
	errs    []error
	dials   atomic.Int32
	dialed  chan *fakeSource
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeSource, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context) (EventSource, error) {
	d.dials.Add(1)

	d.mu.Lock()
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		d.mu.Unlock()

		return nil, err
	}

	src := newFakeSource()
	d.sources = append(d.sources, src)
	d.mu.Unlock()

	select {
	case d.dialed <- src:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return src, nil
}

// next waits for the next successful dial.
func (d *fakeDialer) next(t *testing.T) *fakeSource {
	t.Helper()

	select {
	case src := <-d.dialed:
		return src
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a stream connection")
		return nil
	}
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond, msg)
}
