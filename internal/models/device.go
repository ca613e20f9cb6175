package models

import (
	"time"

	"github.com/google/uuid"
)

// DeviceInfo describes a monitored device in the fleet.
//
// DeviceID is the canonical identifier; HardwareID is the identifier the
// device itself embeds in every message it sends, and DisplayName is the
// operator-facing label. Both of the latter resolve to DeviceID.
type DeviceInfo struct {
	ID          uuid.UUID `json:"id"`
	DeviceID    string    `json:"device_id"`
	HardwareID  string    `json:"hardware_id,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Model       string    `json:"model,omitempty"`
	OSVersion   string    `json:"os_version,omitempty"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
