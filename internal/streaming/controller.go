package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetwatch/backend/internal/audit"
	"github.com/fleetwatch/backend/internal/models"
)

// Teardown reasons.
const (
	ReasonNoListeners        = "no_listeners"
	ReasonTimeout            = "timeout"
	ReasonDeviceDisconnected = "device_disconnected"
	ReasonManual             = "manual"
	ReasonStartFailed        = "start_failed"
)

// SessionStore is the durable side of session and listener state.
type SessionStore interface {
	CreateSession(ctx context.Context, deviceID string, startedBy uuid.UUID) (*models.StreamSession, error)
	GetSession(ctx context.Context, id uuid.UUID) (*models.StreamSession, error)
	SetSessionActive(ctx context.Context, id uuid.UUID) error
	SetListenerCount(ctx context.Context, id uuid.UUID, count int) error
	UpdateSessionBytes(ctx context.Context, id uuid.UUID, bytes int64) error
	FinishSession(ctx context.Context, id uuid.UUID, status string, endTime time.Time, durationSeconds int, bytes int64) error
	AddListener(ctx context.Context, sessionID, userID uuid.UUID, username string) error
	CloseListener(ctx context.Context, sessionID, userID uuid.UUID, leftAt time.Time) (bool, error)
	CloseAllListeners(ctx context.Context, sessionID uuid.UUID, leftAt time.Time) error
}

// Fanout delivers events to viewer connections grouped by device.
type Fanout interface {
	Join(deviceID, clientID string)
	Leave(deviceID, clientID string)
	Broadcast(deviceID, event string, payload interface{})
	SendTo(clientID, event string, payload interface{})
}

// IdentityResolver maps aliases to canonical device ids.
type IdentityResolver interface {
	Resolve(ctx context.Context, identifier string) string
	ResolveHardware(ctx context.Context, hardwareID string) (string, bool)
	HardwareIDFor(ctx context.Context, deviceID string) (string, bool)
	Known(ctx context.Context, deviceID string) bool
}

// AccessChecker is the external permission collaborator.
type AccessChecker interface {
	CanAccessDevice(ctx context.Context, userID uuid.UUID, deviceID string) bool
}

// Viewer identifies the dashboard user behind a viewer connection.
type Viewer struct {
	UserID   uuid.UUID
	Username string
}

type streamStatusPayload struct {
	SessionID     string `json:"session_id"`
	DeviceID      string `json:"device_id"`
	Status        string `json:"status"`
	ListenerCount int    `json:"listener_count,omitempty"`
	NeedsHeader   bool   `json:"needs_header,omitempty"`
}

type listenerCountPayload struct {
	SessionID     string `json:"session_id"`
	DeviceID      string `json:"device_id"`
	ListenerCount int    `json:"listener_count"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type producerControlPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// Controller drives a stream session from request to termination.
//
// All lifecycle operations (request, confirm, leave, teardown) run under one
// mutex, mirroring the single logical thread of control the relay's state
// transitions assume. Chunk ingestion stays off that mutex: it touches only
// the broker and the registry's own lock.
type Controller struct {
	registry *Registry
	fanout   Fanout
	broker   Broker
	store    SessionStore
	resolver IdentityResolver
	access   AccessChecker
	audit    audit.Recorder
	logger   *zap.Logger

	requestTimeout time.Duration
	now            func() time.Time

	lifecycle sync.Mutex
}

// ControllerConfig carries the controller's collaborators.
type ControllerConfig struct {
	Registry       *Registry
	Fanout         Fanout
	Broker         Broker
	Store          SessionStore
	Resolver       IdentityResolver
	Access         AccessChecker
	Audit          audit.Recorder
	Logger         *zap.Logger
	RequestTimeout time.Duration
}

// NewController creates a session lifecycle controller.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NopRecorder{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	return &Controller{
		registry:       cfg.Registry,
		fanout:         cfg.Fanout,
		broker:         cfg.Broker,
		store:          cfg.Store,
		resolver:       cfg.Resolver,
		access:         cfg.Access,
		audit:          cfg.Audit,
		logger:         cfg.Logger,
		requestTimeout: cfg.RequestTimeout,
		now:            time.Now,
	}
}

// RequestStream handles a viewer's request_live_stream. The caller either
// joins an existing live session, inherits a pending request, or creates a
// fresh one; abandoned requests older than the timeout are torn down first.
func (c *Controller) RequestStream(ctx context.Context, viewer Viewer, alias, clientID string) {
	if alias == "" {
		c.fanout.SendTo(clientID, EventStreamError, errorPayload{Message: "device id required"})
		return
	}

	deviceID := c.resolver.Resolve(ctx, alias)
	if !c.resolver.Known(ctx, deviceID) {
		c.fanout.SendTo(clientID, EventStreamError, errorPayload{Message: "device not found"})
		c.audit.Record(ctx, audit.Event{
			UserID: &viewer.UserID, Username: viewer.Username,
			Action: audit.ActionStreamRequestFailed, ResourceType: "device", ResourceID: alias,
			Success: false, ErrorMessage: "device not found",
		})
		return
	}
	if !c.access.CanAccessDevice(ctx, viewer.UserID, deviceID) {
		c.fanout.SendTo(clientID, EventStreamError, errorPayload{Message: "access denied to this device"})
		c.audit.Record(ctx, audit.Event{
			UserID: &viewer.UserID, Username: viewer.Username,
			Action: audit.ActionPermissionDenied, ResourceType: "device", ResourceID: deviceID,
			Success: false, ErrorMessage: "live stream access denied",
		})
		return
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if sessionID, ok := c.registry.SessionFor(deviceID); ok {
		session, err := c.store.GetSession(ctx, sessionID)
		if err != nil {
			c.logger.Error("load session", zap.String("session_id", sessionID.String()), zap.Error(err))
			c.fanout.SendTo(clientID, EventStreamError, errorPayload{Message: "failed to start stream"})
			return
		}
		switch {
		case session == nil:
			c.registry.ClearSession(deviceID)

		case session.Status == models.StreamStatusRequested:
			age := c.now().Sub(session.StartTime)
			if age <= c.requestTimeout {
				c.joinPending(ctx, viewer, deviceID, session, clientID)
				return
			}
			c.logger.Warn("tearing down stale stream request",
				zap.String("session_id", sessionID.String()),
				zap.String("device_id", deviceID),
				zap.Duration("age", age))
			c.teardownLocked(ctx, session, ReasonTimeout)

		case session.Status == models.StreamStatusActive:
			c.joinActive(ctx, viewer, deviceID, session, clientID)
			return

		default:
			// Terminal leftover; clear and start fresh.
			c.registry.ClearSession(deviceID)
		}
	}

	session, err := c.store.CreateSession(ctx, deviceID, viewer.UserID)
	if err != nil {
		c.logger.Error("create session", zap.String("device_id", deviceID), zap.Error(err))
		c.fanout.SendTo(clientID, EventStreamError, errorPayload{Message: "failed to start stream"})
		c.audit.Record(ctx, audit.Event{
			UserID: &viewer.UserID, Username: viewer.Username,
			Action: audit.ActionStreamRequestFailed, ResourceType: "device", ResourceID: deviceID,
			Success: false, ErrorMessage: err.Error(),
		})
		return
	}
	c.registry.TrackSession(deviceID, session.ID, 1)
	if err := c.store.AddListener(ctx, session.ID, viewer.UserID, viewer.Username); err != nil {
		// Without a listener row the count invariant cannot hold; abort the
		// session rather than leave it drifted.
		c.logger.Error("add listener", zap.String("session_id", session.ID.String()), zap.Error(err))
		c.fanout.SendTo(clientID, EventStreamError, errorPayload{Message: "failed to start stream"})
		c.teardownLocked(ctx, session, ReasonStartFailed)
		return
	}
	c.fanout.Join(deviceID, clientID)
	c.fanout.SendTo(clientID, EventStreamRequested, streamStatusPayload{
		SessionID: session.ID.String(),
		DeviceID:  deviceID,
		Status:    "waiting_for_device",
	})
	c.audit.Record(ctx, audit.Event{
		UserID: &viewer.UserID, Username: viewer.Username,
		Action: audit.ActionStreamStarted, ResourceType: "device", ResourceID: deviceID,
		NewValue: map[string]interface{}{"session_id": session.ID.String()}, Success: true,
	})
	c.logger.Info("stream session created",
		zap.String("session_id", session.ID.String()),
		zap.String("device_id", deviceID),
		zap.String("username", viewer.Username))
}

// joinPending adds a viewer to a still-pending request. Called with the
// lifecycle mutex held.
func (c *Controller) joinPending(ctx context.Context, viewer Viewer, deviceID string, session *models.StreamSession, clientID string) {
	if err := c.store.AddListener(ctx, session.ID, viewer.UserID, viewer.Username); err != nil {
		// No row, no count bump: the in-memory count must stay equal to the
		// number of open listener rows.
		c.logger.Error("add listener", zap.String("session_id", session.ID.String()), zap.Error(err))
		c.fanout.SendTo(clientID, EventStreamError, errorPayload{Message: "failed to join stream"})
		return
	}
	count := c.registry.IncListeners(deviceID)
	if err := c.store.SetListenerCount(ctx, session.ID, count); err != nil {
		c.logger.Error("update listener count", zap.String("session_id", session.ID.String()), zap.Error(err))
	}
	c.fanout.Join(deviceID, clientID)
	c.fanout.SendTo(clientID, EventStreamRequested, streamStatusPayload{
		SessionID: session.ID.String(),
		DeviceID:  deviceID,
		Status:    "waiting_for_device",
	})
	c.logger.Info("viewer waiting on pending stream request",
		zap.String("session_id", session.ID.String()),
		zap.String("device_id", deviceID),
		zap.String("username", viewer.Username))
}

// joinActive adds a viewer to a live stream: listener row, count bump and
// broadcast, plus a header resend request so the joiner can decode upcoming
// chunks. Called with the lifecycle mutex held.
func (c *Controller) joinActive(ctx context.Context, viewer Viewer, deviceID string, session *models.StreamSession, clientID string) {
	if err := c.store.AddListener(ctx, session.ID, viewer.UserID, viewer.Username); err != nil {
		c.logger.Error("add listener", zap.String("session_id", session.ID.String()), zap.Error(err))
		c.fanout.SendTo(clientID, EventStreamError, errorPayload{Message: "failed to join stream"})
		return
	}
	count := c.registry.IncListeners(deviceID)
	if err := c.store.SetListenerCount(ctx, session.ID, count); err != nil {
		c.logger.Error("update listener count", zap.String("session_id", session.ID.String()), zap.Error(err))
	}
	c.fanout.Join(deviceID, clientID)
	c.fanout.SendTo(clientID, EventStreamJoined, streamStatusPayload{
		SessionID:     session.ID.String(),
		DeviceID:      deviceID,
		Status:        models.StreamStatusActive,
		ListenerCount: count,
		NeedsHeader:   true,
	})
	c.fanout.Broadcast(deviceID, EventListenerCountUpdate, listenerCountPayload{
		SessionID:     session.ID.String(),
		DeviceID:      deviceID,
		ListenerCount: count,
	})
	if producer, ok := c.registry.Producer(deviceID); ok {
		producer.Send(EventSendHeader, producerControlPayload{SessionID: session.ID.String()})
	} else {
		c.logger.Warn("cannot request header resend, producer not connected", zap.String("device_id", deviceID))
	}
	c.audit.Record(ctx, audit.Event{
		UserID: &viewer.UserID, Username: viewer.Username,
		Action: audit.ActionStreamJoined, ResourceType: "device", ResourceID: deviceID,
		NewValue: map[string]interface{}{"session_id": session.ID.String()}, Success: true,
	})
	c.logger.Info("viewer joined live stream",
		zap.String("session_id", session.ID.String()),
		zap.String("device_id", deviceID),
		zap.Int("listener_count", count))
}

// ConfirmReady handles a producer's stream_ready: the session goes active,
// listeners are notified, and the device's broker subscriber starts.
func (c *Controller) ConfirmReady(ctx context.Context, hardwareAlias, sessionIDStr string, producer ProducerConn) {
	deviceID, ok := c.resolver.ResolveHardware(ctx, hardwareAlias)
	if !ok {
		c.logger.Warn("stream_ready from unknown device", zap.String("hardware_id", hardwareAlias))
		producer.Send(EventStreamError, errorPayload{Message: "device not found"})
		return
	}
	sessionID, err := uuid.Parse(sessionIDStr)
	if err != nil {
		producer.Send(EventStreamError, errorPayload{Message: "invalid session id"})
		return
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil || session == nil {
		producer.Send(EventStreamError, errorPayload{Message: "session not found"})
		return
	}

	// The session may have been created under either identifier form: check
	// the canonical id first, then the device's own hardware alias.
	matched := session.DeviceID == deviceID
	if !matched {
		if hw, ok := c.resolver.HardwareIDFor(ctx, deviceID); ok && session.DeviceID == hw {
			matched = true
		}
	}
	if !matched {
		c.logger.Warn("stream_ready session mismatch",
			zap.String("session_id", sessionID.String()),
			zap.String("session_device", session.DeviceID),
			zap.String("resolved_device", deviceID))
		producer.Send(EventStreamError, errorPayload{Message: "session device mismatch"})
		return
	}

	if err := c.store.SetSessionActive(ctx, sessionID); err != nil {
		c.logger.Error("activate session", zap.String("session_id", sessionID.String()), zap.Error(err))
		producer.Send(EventStreamError, errorPayload{Message: "failed to activate session"})
		return
	}

	groupKey := session.DeviceID
	c.fanout.Broadcast(groupKey, EventStreamStarted, streamStatusPayload{
		SessionID:     sessionID.String(),
		DeviceID:      groupKey,
		Status:        models.StreamStatusActive,
		ListenerCount: session.ListenerCount,
	})
	c.logger.Info("stream active",
		zap.String("session_id", sessionID.String()),
		zap.String("device_id", groupKey))

	c.startSubscriber(ctx, deviceID, groupKey)
}

// startSubscriber launches the device's broker subscriber if none is running.
// It subscribes on the canonical id (the publish key) and forwards into the
// fan-out group the session's viewers joined.
func (c *Controller) startSubscriber(ctx context.Context, deviceID, groupKey string) {
	if c.registry.HasSubscriber(groupKey) {
		c.logger.Debug("subscriber already active", zap.String("device_id", groupKey))
		return
	}
	cancel, err := c.broker.Subscribe(ctx, deviceID, func(msg ChunkMessage) {
		c.fanout.Broadcast(groupKey, EventAudioData, msg)
		if _, live := c.registry.SessionFor(groupKey); !live {
			// Teardown already cancelled us; drop the tracking entry in case
			// this delivery raced the cancel.
			c.registry.DropSubscriber(groupKey)
		}
	})
	if err != nil {
		c.logger.Error("broker subscribe failed", zap.String("device_id", deviceID), zap.Error(err))
		return
	}
	if !c.registry.SetSubscriber(groupKey, cancel) {
		cancel()
	}
}

// IngestChunk publishes one producer fragment to the device's broker channel
// and counts it in the in-memory accumulator. Hot path: no lifecycle mutex,
// no durable writes; a broker failure drops the chunk rather than blocking
// the producer's cadence.
func (c *Controller) IngestChunk(ctx context.Context, hardwareAlias, chunk string, sequence int64) {
	if hardwareAlias == "" || chunk == "" {
		return
	}
	deviceID, ok := c.resolver.ResolveHardware(ctx, hardwareAlias)
	if !ok {
		c.logger.Warn("audio chunk from unknown device", zap.String("hardware_id", hardwareAlias))
		return
	}

	msg := ChunkMessage{
		DeviceID:  deviceID,
		Chunk:     chunk,
		Sequence:  sequence,
		Timestamp: c.now().UTC().Format(time.RFC3339Nano),
	}
	if err := c.broker.Publish(ctx, deviceID, msg); err != nil {
		c.logger.Error("broker publish failed", zap.String("device_id", deviceID), zap.Error(err))
	}

	// 4 base64 chars encode 3 bytes; chunks are never decoded here.
	c.registry.AddChunk(deviceID, int64(len(chunk))*3/4)
}

// Leave handles a viewer's leave_stream. When the last listener leaves, the
// producer is told to stop and the session is torn down.
func (c *Controller) Leave(ctx context.Context, viewer Viewer, alias, clientID string) {
	if alias == "" {
		return
	}
	deviceID := c.resolver.Resolve(ctx, alias)

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.fanout.Leave(deviceID, clientID)

	sessionID, ok := c.registry.SessionFor(deviceID)
	if !ok {
		return
	}
	closed, err := c.store.CloseListener(ctx, sessionID, viewer.UserID, c.now())
	if err != nil {
		c.logger.Error("close listener", zap.String("session_id", sessionID.String()), zap.Error(err))
		return
	}
	if !closed {
		return
	}

	count := c.registry.DecListeners(deviceID)
	if err := c.store.SetListenerCount(ctx, sessionID, count); err != nil {
		c.logger.Error("update listener count", zap.String("session_id", sessionID.String()), zap.Error(err))
	}
	c.fanout.Broadcast(deviceID, EventListenerCountUpdate, listenerCountPayload{
		SessionID:     sessionID.String(),
		DeviceID:      deviceID,
		ListenerCount: count,
	})
	c.audit.Record(ctx, audit.Event{
		UserID: &viewer.UserID, Username: viewer.Username,
		Action: audit.ActionStreamLeft, ResourceType: "device", ResourceID: deviceID,
		Success: true,
	})

	if count == 0 {
		c.logger.Info("no more listeners, stopping stream", zap.String("device_id", deviceID))
		if producer, ok := c.registry.Producer(deviceID); ok {
			producer.Send(EventStreamStop, producerControlPayload{
				SessionID: sessionID.String(),
				Reason:    ReasonNoListeners,
			})
		}
		if session, err := c.store.GetSession(ctx, sessionID); err == nil && session != nil {
			c.teardownLocked(ctx, session, ReasonNoListeners)
		}
	}
}

// LeaveAll handles a viewer disconnect: an implicit Leave for every device
// group the connection had joined.
func (c *Controller) LeaveAll(ctx context.Context, viewer Viewer, aliases []string, clientID string) {
	for _, alias := range aliases {
		c.Leave(ctx, viewer, alias, clientID)
	}
}

// HandleProducerDisconnect tears down the device's live session, if any.
func (c *Controller) HandleProducerDisconnect(ctx context.Context, deviceID string, conn ProducerConn) {
	c.registry.RemoveProducer(deviceID, conn)

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	sessionID, ok := c.registry.SessionFor(deviceID)
	if !ok {
		return
	}
	c.logger.Info("producer disconnected with live session",
		zap.String("device_id", deviceID),
		zap.String("session_id", sessionID.String()))
	if session, err := c.store.GetSession(ctx, sessionID); err == nil && session != nil {
		c.teardownLocked(ctx, session, ReasonDeviceDisconnected)
	}
}

// Teardown stops a session by id. Idempotent: terminal sessions are left
// untouched.
func (c *Controller) Teardown(ctx context.Context, sessionID uuid.UUID, reason string) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil || session == nil {
		return
	}
	c.teardownLocked(ctx, session, reason)
}

// teardownLocked finalizes a session. Called with the lifecycle mutex held.
//
// The registry entries are removed and the final accumulator value captured
// in one atomic registry step before anything else: a chunk arriving after
// that step finds no session entry and is dropped from stats, and a racing
// flush either ran earlier (superseded by the final write below) or skips
// because the accumulator is gone.
func (c *Controller) teardownLocked(ctx context.Context, session *models.StreamSession, reason string) {
	if session.Terminal() {
		return
	}
	deviceID := session.DeviceID

	finalBytes, hadStats, cancelSubscriber := c.registry.BeginTeardown(deviceID)
	if cancelSubscriber != nil {
		cancelSubscriber()
	}
	if !hadStats {
		// Nothing accumulated since the last flush (or ever); keep the last
		// durable value.
		finalBytes = session.BytesTransferred
	}

	endTime := c.now()
	duration := int(endTime.Sub(session.StartTime) / time.Second)
	if duration < 0 {
		duration = 0
	}
	if err := c.store.FinishSession(ctx, session.ID, models.StreamStatusStopped, endTime, duration, finalBytes); err != nil {
		c.logger.Error("finish session", zap.String("session_id", session.ID.String()), zap.Error(err))
	}
	if err := c.store.CloseAllListeners(ctx, session.ID, endTime); err != nil {
		c.logger.Error("close listeners", zap.String("session_id", session.ID.String()), zap.Error(err))
	}

	c.audit.Record(ctx, audit.Event{
		Action: audit.ActionStreamStopped, ResourceType: "device", ResourceID: deviceID,
		NewValue: map[string]interface{}{"session_id": session.ID.String(), "reason": reason},
		Success:  true,
	})
	c.logger.Info("stream session stopped",
		zap.String("session_id", session.ID.String()),
		zap.String("device_id", deviceID),
		zap.String("reason", reason),
		zap.Int64("bytes_transferred", finalBytes))
}
