// Package watch follows a canvas server's live event stream.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dyluth/pixelcanvas/pkg/canvas"
)

const streamPath = "/api/ws"

// ErrTimeout is returned by WaitFor when no matching event arrives in time.
var ErrTimeout = errors.New("timed out waiting for event")

// StreamURL turns a server base URL (http, https, ws or wss) into the
// websocket URL of its live stream.
func StreamURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server URL %q: unsupported scheme", base)
	}
	if !strings.HasSuffix(u.Path, streamPath) {
		u.Path = strings.TrimSuffix(u.Path, "/") + streamPath
	}
	return u.String(), nil
}

// Stream is an open live event stream.
type Stream struct {
	conn *websocket.Conn
}

// Dial connects to the live stream of the server at base.
func Dial(ctx context.Context, base string, header http.Header) (*Stream, error) {
	target, err := StreamURL(base)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	return &Stream{conn: conn}, nil
}

// Next blocks for the next event. Frames that do not decode are skipped.
func (s *Stream) Next() (canvas.Event, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return canvas.Event{}, err
		}
		var ev canvas.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		return ev, nil
	}
}

// Close ends the stream.
func (s *Stream) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

// Follow calls fn for every event until ctx ends, fn returns an error or the
// stream fails. A cancelled ctx returns nil.
func Follow(ctx context.Context, base string, fn func(canvas.Event) error) error {
	s, err := Dial(ctx, base, nil)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	defer s.Close()

	for {
		ev, err := s.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stream ended: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// WaitFor returns the first event satisfying match, or ErrTimeout after timeout.
func WaitFor(ctx context.Context, base string, match func(canvas.Event) bool, timeout time.Duration) (canvas.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var found canvas.Event
	errFound := errors.New("found")
	err := Follow(ctx, base, func(ev canvas.Event) error {
		if match(ev) {
			found = ev
			return errFound
		}
		return nil
	})

	switch {
	case errors.Is(err, errFound):
		return found, nil
	case err != nil:
		return canvas.Event{}, err
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return canvas.Event{}, fmt.Errorf("%w after %v", ErrTimeout, timeout)
	default:
		return canvas.Event{}, ctx.Err()
	}
}
