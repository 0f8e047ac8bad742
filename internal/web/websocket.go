package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// handleWebSocket streams one batch: a snapshot first, then job events,
// then a completion message once every job is terminal.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	b, err := s.engine.Batch(r.URL.Query().Get("batch"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := b.Subscribe()
	defer unsubscribe()
	s.log.WithField("batch_id", b.ID).Debug("WebSocket client connected")

	// The read loop only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.sendWS(conn, "batch_snapshot", batchView(b, true)); err != nil {
		return
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				select {
				case <-b.Done():
					if err := s.sendWS(conn, "batch_completed", b.Summary()); err != nil {
						return
					}
				default:
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "batch finished"))
				return
			}
			if err := s.sendWS(conn, "job_event", ev); err != nil {
				return
			}
		case <-gone:
			s.log.WithField("batch_id", b.ID).Debug("WebSocket client disconnected")
			return
		}
	}
}

func (s *Server) sendWS(conn *websocket.Conn, messageType string, data interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(WSMessage{Type: messageType, Data: data}); err != nil {
		s.log.Debugf("Failed to write WebSocket message: %v", err)
		return err
	}
	return nil
}
