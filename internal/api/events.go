package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// eventReadLimit bounds a single frame; entity payloads can exceed the
// library's 32 KiB default.
const eventReadLimit = 4 << 20

// EventConn is one open event-stream connection.
type EventConn struct {
	conn *websocket.Conn
}

// DialEvents opens the event stream WebSocket. The bearer token is sent on
// the upgrade request.
func (c *Client) DialEvents(ctx context.Context) (*EventConn, error) {
	wsURL, err := websocketURL(c.baseURL + eventsPath)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if err := c.authorize(header); err != nil {
		return nil, err
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
				return nil, &APIError{StatusCode: resp.StatusCode, Message: err.Error(), Err: sentinel}
			}
		}

		return nil, fmt.Errorf("api: dialing event stream: %w", err)
	}

	conn.SetReadLimit(eventReadLimit)

	return &EventConn{conn: conn}, nil
}

// Next blocks for the next frame.
func (e *EventConn) Next(ctx context.Context) (*Frame, error) {
	var f Frame
	if err := wsjson.Read(ctx, e.conn, &f); err != nil {
		return nil, fmt.Errorf("api: reading event frame: %w", err)
	}

	return &f, nil
}

// Close closes the connection with a normal closure status.
func (e *EventConn) Close() error {
	err := e.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return nil
}

// IsNormalClosure reports whether err is the server closing the stream
// cleanly.
func IsNormalClosure(err error) bool {
	return websocket.CloseStatus(err) == websocket.StatusNormalClosure
}

// websocketURL converts an http(s) URL to ws(s).
func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("api: parsing event stream URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("api: unsupported scheme %q for event stream", u.Scheme)
	}

	return u.String(), nil
}
