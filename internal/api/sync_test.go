package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshake(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, handshakePath, r.URL.Path)
		_, _ = w.Write([]byte(`{"libraryId":"lib-1","serverVersion":"1.4.0"}`))
	}))
	defer srv.Close()

	hs, err := newTestClient(t, srv.URL).Handshake(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "lib-1", hs.LibraryID)
	assert.Equal(t, "1.4.0", hs.ServerVersion)
}

func TestHandshake_MissingLibraryID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Handshake(context.Background())
	assert.ErrorContains(t, err, "no libraryId")
}

func TestDelta_QueryParameters(t *testing.T) {
	t.Parallel()

	var gotCursor, gotLimit string
	var hadCursor bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, deltaPath, r.URL.Path)
		gotCursor = r.URL.Query().Get("cursor")
		_, hadCursor = r.URL.Query()["cursor"]
		gotLimit = r.URL.Query().Get("limit")
		_, _ = w.Write([]byte(`{"entities":[{"entityType":"book","entityId":"b1","operation":"update","version":3,"payload":{"title":"Y"}},
			{"entityType":"series","entityId":"s1","deleted":true}],"nextCursor":"c2","hasMore":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	page, err := c.Delta(context.Background(), "", 0)
	require.NoError(t, err)
	assert.False(t, hadCursor, "full pull must omit the cursor")
	assert.Empty(t, gotLimit)

	page, err = c.Delta(context.Background(), "c1", 100)
	require.NoError(t, err)
	assert.Equal(t, "c1", gotCursor)
	assert.Equal(t, "100", gotLimit)

	require.Len(t, page.Entities, 2)
	assert.Equal(t, "c2", page.NextCursor)
	assert.True(t, page.HasMore)
	assert.False(t, page.Entities[0].IsDelete())
	assert.True(t, page.Entities[1].IsDelete())
	assert.JSONEq(t, `{"title":"Y"}`, string(page.Entities[0].Payload))
}

func TestDelta_ExpiredCursor(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Delta(context.Background(), "old", 0)
	assert.ErrorIs(t, err, ErrGone)
}

func TestPush(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, mutationsPath, r.URL.Path)

		var req PushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "op-1", req.ClientOpID)
		assert.Equal(t, OpUpdate, req.Operation)
		assert.Equal(t, int64(4), req.BaseVersion)

		_, _ = w.Write([]byte(`{"entity":{"entityType":"book","entityId":"b1","version":5,"payload":{"title":"X"}}}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv.URL).Push(context.Background(), &PushRequest{
		ClientOpID:  "op-1",
		EntityType:  "book",
		EntityID:    "b1",
		Operation:   OpUpdate,
		BaseVersion: 4,
		Payload:     json.RawMessage(`{"title":"X"}`),
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Entity)
	assert.Equal(t, int64(5), resp.Entity.Version)
}

func TestPush_EmptyAck(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv.URL).Push(context.Background(), &PushRequest{ClientOpID: "op-1"})
	require.NoError(t, err)
	assert.Nil(t, resp.Entity)
}

func TestPush_Conflict(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"version mismatch"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Push(context.Background(), &PushRequest{ClientOpID: "op-1"})
	require.ErrorIs(t, err, ErrConflict)
	assert.True(t, IsPermanent(err))
}

func TestPush_ServerErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.sleepFunc = func(context.Context, time.Duration) error {
		t.Error("push must not sleep between attempts")
		return nil
	}

	_, err := c.Push(context.Background(), &PushRequest{ClientOpID: "op-1"})
	require.ErrorIs(t, err, ErrServerError)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, int32(1), calls.Load())
}
