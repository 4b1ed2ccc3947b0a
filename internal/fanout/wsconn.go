package fanout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

const writeWait = 10 * time.Second

// ErrConnClosed is returned by Send after Close.
var ErrConnClosed = errors.New("connection closed")

// WSConn adapts a websocket connection to Conn.
// Writes are serialized by a mutex and bounded by a write deadline.
type WSConn struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// NewWSConn wraps conn with a fresh ULID identifier.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{id: ulid.Make().String(), conn: conn}
}

// ID returns the connection identifier used in logs.
func (c *WSConn) ID() string {
	return c.id
}

// Send writes payload as one text message.
func (c *WSConn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// ReadLoop consumes incoming frames until the peer goes away or ctx ends.
// Client messages carry nothing the server acts on; reading keeps control
// frames (ping, pong, close) flowing.
func (c *WSConn) ReadLoop(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// Close sends a close frame on a best-effort basis and closes the socket. Safe to call twice.
func (c *WSConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
