package devices

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetwatch/backend/internal/models"
)

// UserLookup is the subset of the user repository the access checker needs.
type UserLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// AssignmentLookup answers device assignment queries.
type AssignmentLookup interface {
	IsAssigned(ctx context.Context, userID uuid.UUID, deviceID string) (bool, error)
}

// Access decides whether a user may touch a device. Admins see everything;
// analysts and operators only their assigned devices.
type Access struct {
	users       UserLookup
	assignments AssignmentLookup
	logger      *zap.Logger
}

// NewAccess creates a device access checker.
func NewAccess(users UserLookup, assignments AssignmentLookup, logger *zap.Logger) *Access {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Access{users: users, assignments: assignments, logger: logger}
}

// CanAccessDevice reports whether the user may access the device. Errors deny.
func (a *Access) CanAccessDevice(ctx context.Context, userID uuid.UUID, deviceID string) bool {
	u, err := a.users.GetByID(ctx, userID)
	if err != nil || u == nil || !u.Active {
		return false
	}
	if u.Role == models.RoleAdmin {
		return true
	}
	ok, err := a.assignments.IsAssigned(ctx, userID, deviceID)
	if err != nil {
		a.logger.Warn("assignment lookup failed", zap.String("device_id", deviceID), zap.Error(err))
		return false
	}
	return ok
}
