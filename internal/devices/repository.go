package devices

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetwatch/backend/internal/models"
)

// Repository handles device_info and device_assignments persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a device repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const deviceColumns = `id, device_id, COALESCE(hardware_id,''), COALESCE(display_name,''),
	COALESCE(model,''), COALESCE(os_version,''), last_seen_at, created_at, updated_at`

func scanDevice(row pgx.Row) (*models.DeviceInfo, error) {
	var d models.DeviceInfo
	err := row.Scan(&d.ID, &d.DeviceID, &d.HardwareID, &d.DisplayName,
		&d.Model, &d.OSVersion, &d.LastSeenAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

// GetByDeviceID returns a device by its canonical id, or nil if unknown.
func (r *Repository) GetByDeviceID(ctx context.Context, deviceID string) (*models.DeviceInfo, error) {
	return scanDevice(r.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM device_info WHERE device_id = $1`, deviceID))
}

// GetByHardwareID returns a device by the identifier it embeds in its messages, or nil if unknown.
func (r *Repository) GetByHardwareID(ctx context.Context, hardwareID string) (*models.DeviceInfo, error) {
	return scanDevice(r.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM device_info WHERE hardware_id = $1`, hardwareID))
}

// GetByDisplayName returns a device by its operator-facing label, or nil if unknown.
func (r *Repository) GetByDisplayName(ctx context.Context, name string) (*models.DeviceInfo, error) {
	return scanDevice(r.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM device_info WHERE display_name = $1`, name))
}

// List returns all devices ordered by display name.
func (r *Repository) List(ctx context.Context) ([]models.DeviceInfo, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+deviceColumns+` FROM device_info ORDER BY display_name, device_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.DeviceInfo
	for rows.Next() {
		var d models.DeviceInfo
		if err := rows.Scan(&d.ID, &d.DeviceID, &d.HardwareID, &d.DisplayName,
			&d.Model, &d.OSVersion, &d.LastSeenAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, d)
	}
	return list, rows.Err()
}

// ListAssigned returns devices assigned to a user.
func (r *Repository) ListAssigned(ctx context.Context, userID uuid.UUID) ([]models.DeviceInfo, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+deviceColumns+` FROM device_info d
		 JOIN device_assignments a ON a.device_id = d.device_id
		 WHERE a.user_id = $1 ORDER BY d.display_name, d.device_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.DeviceInfo
	for rows.Next() {
		var d models.DeviceInfo
		if err := rows.Scan(&d.ID, &d.DeviceID, &d.HardwareID, &d.DisplayName,
			&d.Model, &d.OSVersion, &d.LastSeenAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, d)
	}
	return list, rows.Err()
}

// IsAssigned reports whether the device is assigned to the user.
func (r *Repository) IsAssigned(ctx context.Context, userID uuid.UUID, deviceID string) (bool, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(1) FROM device_assignments WHERE user_id = $1 AND device_id = $2`,
		userID, deviceID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
