package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/dyluth/pixelcanvas/internal/fanout"
)

// GET /api/ws
//
// The connection is registered with the hub until its read loop ends.
// Viewers are anonymous; the stream carries nothing private.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := fanout.NewWSConn(ws)
	s.hub.Connect(conn)
	defer func() {
		s.hub.Disconnect(conn)
		_ = conn.Close()
	}()

	logger := s.logger.With("conn_id", conn.ID())
	logger.Debug("viewer connected", "remote", r.RemoteAddr)

	err = conn.ReadLoop(r.Context())
	if err != nil && !errors.Is(err, fanout.ErrConnClosed) &&
		!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		logger.Debug("viewer read loop ended", "error", err)
	}
	logger.Debug("viewer disconnected")
}
