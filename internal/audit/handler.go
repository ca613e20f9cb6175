package audit

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fleetwatch/backend/pkg/response"
)

// Handler serves the audit log read API.
type Handler struct {
	repo   *Repository
	logger *zap.Logger
}

// NewHandler creates an audit log handler.
func NewHandler(repo *Repository, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, logger: logger}
}

// List handles GET /audit-logs (admin only).
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	logs, err := h.repo.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list audit logs", zap.Error(err))
		response.Internal(c, "failed to list audit logs")
		return
	}
	response.OK(c, logs)
}
