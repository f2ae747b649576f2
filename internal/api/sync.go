package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
)

// Endpoint paths.
const (
	handshakePath = "/api/v1/sync/handshake"
	deltaPath     = "/api/v1/sync/delta"
	mutationsPath = "/api/v1/sync/mutations"
	eventsPath    = "/api/v1/sync/events"
)

// Handshake fetches the server's current library identity.
func (c *Client) Handshake(ctx context.Context) (*Handshake, error) {
	var hs Handshake
	if err := c.getJSON(ctx, handshakePath, nil, &hs); err != nil {
		return nil, err
	}

	if hs.LibraryID == "" {
		return nil, fmt.Errorf("api: handshake response has no libraryId")
	}

	c.logger.Debug("handshake complete",
		slog.String("library_id", hs.LibraryID),
		slog.String("server_version", hs.ServerVersion),
	)

	return &hs, nil
}

// Delta fetches one page of changes after cursor. An empty cursor requests
// the full catalog. limit <= 0 leaves the page size to the server. HTTP 410
// (expired cursor) surfaces as ErrGone.
func (c *Client) Delta(ctx context.Context, cursor string, limit int) (*DeltaPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	c.logger.Info("fetching delta page", slog.Bool("initial_sync", cursor == ""))

	var page DeltaPage
	if err := c.getJSON(ctx, deltaPath, q, &page); err != nil {
		return nil, err
	}

	c.logger.Debug("fetched delta page",
		slog.Int("entities", len(page.Entities)),
		slog.Bool("has_more", page.HasMore),
	)

	return &page, nil
}

// Push sends one mutation, exactly once: the mutation queue owns retry and
// backoff for pushes. A 409 (ErrConflict) means the server rejected it as
// stale.
func (c *Client) Push(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	var resp PushResponse
	if err := c.postJSON(ctx, mutationsPath, req, &resp, 0); err != nil {
		return nil, err
	}

	return &resp, nil
}
