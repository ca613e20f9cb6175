package devices

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fleetwatch/backend/internal/middleware"
	"github.com/fleetwatch/backend/internal/models"
	"github.com/fleetwatch/backend/pkg/response"
)

// Handler handles device HTTP endpoints.
type Handler struct {
	repo *Repository
}

// NewHandler creates a device handler.
func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// List handles GET /devices: admins see the whole fleet, everyone else only
// assigned devices.
func (h *Handler) List(c *gin.Context) {
	userID, _ := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	role, _ := c.MustGet(middleware.ContextUserRole).(string)

	var (
		list []models.DeviceInfo
		err  error
	)
	if role == string(models.RoleAdmin) {
		list, err = h.repo.List(c.Request.Context())
	} else {
		list, err = h.repo.ListAssigned(c.Request.Context(), userID)
	}
	if err != nil {
		response.Internal(c, "failed to list devices")
		return
	}
	response.OK(c, list)
}
