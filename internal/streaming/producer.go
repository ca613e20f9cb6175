package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Producer sockets carry base64 payloads a good deal larger than viewer
// control frames.
const producerReadLimit = 1 << 20

// ProducerClient is a device's uplink WebSocket connection. It implements
// ProducerConn so the controller can push send_header and stream_stop.
type ProducerClient struct {
	HardwareID string
	DeviceID   string // canonical

	controller *Controller
	conn       *websocket.Conn
	send       chan WSMessage
	logger     *zap.Logger
}

// Send queues a control event for the device. Best-effort.
func (p *ProducerClient) Send(event string, payload interface{}) {
	msg, ok := encode(event, payload)
	if !ok {
		return
	}
	select {
	case p.send <- msg:
	default:
		p.logger.Warn("producer send buffer full, dropping message",
			zap.String("device_id", p.DeviceID), zap.String("event", event))
	}
}

// ServeProducerWs handles the device uplink WebSocket. Unlike the viewer
// side, identification is strict: an unregistered hardware id is refused.
func ServeProducerWs(registry *Registry, controller *Controller, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		hardwareID := c.Query("hardware_id")
		if hardwareID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hardware_id required"})
			return
		}
		deviceID, ok := controller.resolver.ResolveHardware(c.Request.Context(), hardwareID)
		if !ok {
			logger.Warn("producer connect from unregistered device", zap.String("hardware_id", hardwareID))
			c.JSON(http.StatusForbidden, gin.H{"error": "unknown device"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &ProducerClient{
			HardwareID: hardwareID,
			DeviceID:   deviceID,
			controller: controller,
			conn:       conn,
			send:       make(chan WSMessage, 64),
			logger:     logger,
		}
		registry.SetProducer(deviceID, client)
		logger.Info("producer connected",
			zap.String("hardware_id", hardwareID), zap.String("device_id", deviceID))
		go client.writePump()
		client.readPump()
	}
}

func (p *ProducerClient) readPump() {
	defer func() {
		p.controller.HandleProducerDisconnect(context.Background(), p.DeviceID, p)
		_ = p.conn.Close()
		p.logger.Info("producer disconnected", zap.String("device_id", p.DeviceID))
	}()

	p.conn.SetReadLimit(producerReadLimit)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg WSMessage
		if err := p.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		p.handleMessage(context.Background(), msg)
	}
}

// handleMessage dispatches one producer frame. Each payload carries its own
// device alias and that alias is the routing input; the alias the connection
// authenticated with is only the fallback for payloads that omit it.
func (p *ProducerClient) handleMessage(ctx context.Context, msg WSMessage) {
	switch msg.Event {
	case EventStreamReady:
		var payload struct {
			DeviceID  string `json:"device_id"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.SessionID == "" {
			p.Send(EventStreamError, errorPayload{Message: "session_id required"})
			return
		}
		p.controller.ConfirmReady(ctx, p.alias(payload.DeviceID), payload.SessionID, p)
	case EventAudioChunk:
		var payload struct {
			DeviceID string `json:"device_id"`
			Chunk    string `json:"chunk"`
			Sequence int64  `json:"sequence"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.Chunk == "" {
			return
		}
		p.controller.IngestChunk(ctx, p.alias(payload.DeviceID), payload.Chunk, payload.Sequence)
	default:
		// ignore
	}
}

func (p *ProducerClient) alias(payloadAlias string) string {
	if payloadAlias != "" {
		return payloadAlias
	}
	return p.HardwareID
}

func (p *ProducerClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.send:
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
