package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditLog is one security-relevant event row.
type AuditLog struct {
	ID           uuid.UUID  `json:"id"`
	UserID       *uuid.UUID `json:"user_id,omitempty"`
	Username     string     `json:"username,omitempty"`
	Action       string     `json:"action"`
	ResourceType string     `json:"resource_type,omitempty"`
	ResourceID   string     `json:"resource_id,omitempty"`
	NewValue     string     `json:"new_value,omitempty"`
	Success      bool       `json:"success"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
