package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// ViewerClient is a single dashboard WebSocket connection. A viewer may
// listen to several devices at once; joined tracks the identifiers it asked
// for so the disconnect path can leave each group.
type ViewerClient struct {
	ID       string
	UserID   uuid.UUID
	Username string

	hub        *Hub
	controller *Controller
	conn       *websocket.Conn
	send       chan WSMessage
	joined     map[string]struct{} // readPump only
	logger     *zap.Logger
}

// trySend queues a message for the write pump. Best-effort: a full buffer
// drops the message instead of blocking the broadcaster.
func (c *ViewerClient) trySend(msg WSMessage) {
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("viewer send buffer full, dropping message",
			zap.String("client_id", c.ID), zap.String("event", msg.Event))
	}
}

// AuthFunc validates a connection token and returns the viewer identity.
type AuthFunc func(token string) (Viewer, error)

// ServeViewerWs handles the viewer WebSocket upgrade and runs the client loop.
func ServeViewerWs(hub *Hub, controller *Controller, logger *zap.Logger, authFn AuthFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
			return
		}
		viewer, err := authFn(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &ViewerClient{
			ID:         uuid.New().String(),
			UserID:     viewer.UserID,
			Username:   viewer.Username,
			hub:        hub,
			controller: controller,
			conn:       conn,
			send:       make(chan WSMessage, 256),
			joined:     make(map[string]struct{}),
			logger:     logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func (c *ViewerClient) readPump() {
	defer func() {
		viewer := Viewer{UserID: c.UserID, Username: c.Username}
		aliases := make([]string, 0, len(c.joined))
		for alias := range c.joined {
			aliases = append(aliases, alias)
		}
		c.controller.LeaveAll(context.Background(), viewer, aliases, c.ID)
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	viewer := Viewer{UserID: c.UserID, Username: c.Username}

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Event {
		case EventRequestLiveStream:
			var payload struct {
				DeviceID string `json:"device_id"`
			}
			if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.DeviceID == "" {
				c.trySend(WSMessage{Event: EventStreamError, Data: mustRaw(errorPayload{Message: "device id required"})})
				continue
			}
			c.joined[payload.DeviceID] = struct{}{}
			c.controller.RequestStream(context.Background(), viewer, payload.DeviceID, c.ID)
		case EventLeaveStream:
			var payload struct {
				DeviceID string `json:"device_id"`
			}
			if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.DeviceID == "" {
				continue
			}
			delete(c.joined, payload.DeviceID)
			c.controller.Leave(context.Background(), viewer, payload.DeviceID, c.ID)
		default:
			// ignore
		}
	}
}

func (c *ViewerClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func mustRaw(payload interface{}) json.RawMessage {
	b, _ := json.Marshal(payload)
	return b
}
