package streaming

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetwatch/backend/internal/middleware"
	"github.com/fleetwatch/backend/pkg/response"
)

// Handler serves the REST side of streaming: session history and listener
// rosters for the dashboard.
type Handler struct {
	repo     *Repository
	resolver IdentityResolver
	access   AccessChecker
	logger   *zap.Logger
}

// NewHandler creates a streaming REST handler.
func NewHandler(repo *Repository, resolver IdentityResolver, access AccessChecker, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, resolver: resolver, access: access, logger: logger}
}

// ListDeviceSessions handles GET /devices/:id/stream-sessions.
func (h *Handler) ListDeviceSessions(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.Unauthorized(c, "authentication required")
		return
	}
	deviceID := h.resolver.Resolve(c.Request.Context(), c.Param("id"))
	if !h.access.CanAccessDevice(c.Request.Context(), userID, deviceID) {
		response.Forbidden(c, "access denied to this device")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	sessions, err := h.repo.ListByDevice(c.Request.Context(), deviceID, limit)
	if err != nil {
		h.logger.Error("list sessions", zap.String("device_id", deviceID), zap.Error(err))
		response.Internal(c, "failed to list sessions")
		return
	}
	response.OK(c, sessions)
}

// ListSessionListeners handles GET /stream-sessions/:id/listeners.
func (h *Handler) ListSessionListeners(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.Unauthorized(c, "authentication required")
		return
	}
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	session, err := h.repo.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("load session", zap.String("session_id", sessionID.String()), zap.Error(err))
		response.Internal(c, "failed to load session")
		return
	}
	if session == nil {
		response.NotFound(c, "session not found")
		return
	}
	if !h.access.CanAccessDevice(c.Request.Context(), userID, session.DeviceID) {
		response.Forbidden(c, "access denied to this device")
		return
	}

	listeners, err := h.repo.ListListeners(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("list listeners", zap.String("session_id", sessionID.String()), zap.Error(err))
		response.Internal(c, "failed to list listeners")
		return
	}
	response.OK(c, listeners)
}

func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	raw, exists := c.Get(middleware.ContextUserID)
	if !exists {
		return uuid.Nil, false
	}
	id, ok := raw.(uuid.UUID)
	return id, ok
}
