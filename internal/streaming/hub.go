package streaming

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// WSMessage is the WebSocket message envelope used on both channel groups.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Hub maintains the fan-out groups: canonical device id -> set of viewer
// connections receiving that device's forwarded chunks. Join and leave are
// map operations, O(1) regardless of group size.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*ViewerClient            // clientID -> connection
	groups  map[string]map[string]*ViewerClient // deviceID -> clientID -> connection
	logger  *zap.Logger
}

// NewHub creates an empty viewer hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]*ViewerClient),
		groups:  make(map[string]map[string]*ViewerClient),
		logger:  logger,
	}
}

// Register adds a connected viewer.
func (h *Hub) Register(c *ViewerClient) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("viewer connected", zap.String("client_id", c.ID), zap.String("username", c.Username))
}

// Unregister removes a viewer from the hub and from every group.
func (h *Hub) Unregister(c *ViewerClient) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	for deviceID, group := range h.groups {
		if _, ok := group[c.ID]; ok {
			delete(group, c.ID)
			if len(group) == 0 {
				delete(h.groups, deviceID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("viewer disconnected", zap.String("client_id", c.ID))
}

// Join adds a viewer connection to a device's fan-out group.
func (h *Hub) Join(deviceID, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return
	}
	group := h.groups[deviceID]
	if group == nil {
		group = make(map[string]*ViewerClient)
		h.groups[deviceID] = group
	}
	group[clientID] = c
}

// Leave removes a viewer connection from a device's fan-out group.
func (h *Hub) Leave(deviceID, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.groups[deviceID]
	if !ok {
		return
	}
	delete(group, clientID)
	if len(group) == 0 {
		delete(h.groups, deviceID)
	}
}

// Broadcast sends an event to every viewer in a device's group. Delivery is
// best-effort: a viewer whose send buffer is full misses the message.
func (h *Hub) Broadcast(deviceID, event string, payload interface{}) {
	msg, ok := encode(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	group := h.groups[deviceID]
	conns := make([]*ViewerClient, 0, len(group))
	for _, c := range group {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.trySend(msg)
	}
}

// SendTo sends an event to a single viewer connection.
func (h *Hub) SendTo(clientID, event string, payload interface{}) {
	msg, ok := encode(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	c, found := h.clients[clientID]
	h.mu.RUnlock()
	if found {
		c.trySend(msg)
	}
}

// GroupSize returns the number of connections in a device's group.
func (h *Hub) GroupSize(deviceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[deviceID])
}

func encode(event string, payload interface{}) (WSMessage, bool) {
	var data json.RawMessage
	switch v := payload.(type) {
	case nil:
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return WSMessage{}, false
		}
		data = b
	}
	return WSMessage{Event: event, Data: data}, true
}
