package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/scan2doc/backend/internal/logging"
)

// WebSocket message types for job watching
const (
	// Client -> Server messages
	MsgTypePing = "ping"

	// Server -> Client messages
	MsgTypeConnected = "connected"
	MsgTypeJob       = "job"
	MsgTypeError     = "error"
	MsgTypePong      = "pong"
)

// WSMessage is the envelope for every WebSocket frame
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// WSErrorResponse is the payload of an error message
type WSErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) send(msg WSMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg.Timestamp = time.Now().UnixMilli()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(msg)
}

// HandleJobSocket upgrades to WebSocket and pushes job snapshots until the job finishes
func (h *StreamHandlerImpl) HandleJobSocket(c echo.Context) error {
	id := c.Param("id")
	job, ok := h.jobs.Get(id)
	if !ok {
		return NewNotFoundError("job", id)
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	conn := &wsConn{ws: ws}
	log := h.logger.With("job", logging.ShortID(id))
	log.Debug("websocket client connected")

	if err := conn.send(WSMessage{Type: MsgTypeConnected, ID: id}); err != nil {
		return nil
	}

	// Reader answers pings and notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			var msg WSMessage
			if err := ws.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("websocket read failed", "error", err)
				}
				return
			}
			switch msg.Type {
			case MsgTypePing:
				conn.send(WSMessage{Type: MsgTypePong, ID: id})
			default:
				conn.send(WSMessage{
					Type:    MsgTypeError,
					ID:      id,
					Payload: mustJSON(WSErrorResponse{Message: "unknown message type: " + msg.Type, Code: "INVALID_TYPE"}),
				})
			}
		}
	}()

	if err := conn.send(WSMessage{Type: MsgTypeJob, ID: id, Payload: mustJSON(newJobResponse(job))}); err != nil {
		return nil
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	timeout := time.NewTimer(h.timeout)
	defer timeout.Stop()

	last := job
	for !last.Status.Terminal() {
		select {
		case <-closed:
			return nil
		case <-timeout.C:
			conn.send(WSMessage{Type: MsgTypeError, ID: id, Payload: mustJSON(WSErrorResponse{Message: "stream timeout", Code: "TIMEOUT"})})
			return nil
		case <-ticker.C:
			cur, ok := h.jobs.Get(id)
			if !ok {
				conn.send(WSMessage{Type: MsgTypeError, ID: id, Payload: mustJSON(WSErrorResponse{Message: "job expired", Code: "NOT_FOUND"})})
				return nil
			}
			h.jobs.Touch(id)
			if !snapshotChanged(last, cur) {
				continue
			}
			if err := conn.send(WSMessage{Type: MsgTypeJob, ID: id, Payload: mustJSON(newJobResponse(cur))}); err != nil {
				return nil
			}
			last = cur
		}
	}

	conn.mu.Lock()
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(last.Status)),
		time.Now().Add(time.Second))
	conn.mu.Unlock()
	log.Debug("websocket stream finished", "status", last.Status)
	return nil
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
