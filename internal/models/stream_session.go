package models

import (
	"time"

	"github.com/google/uuid"
)

// Stream session statuses. A session is terminal once stopped or error;
// after that only the final stat fields change, exactly once.
const (
	StreamStatusRequested = "requested"
	StreamStatusActive    = "active"
	StreamStatusStopped   = "stopped"
	StreamStatusError     = "error"
)

// StreamSession is one continuous on-air period for a device's live audio stream.
type StreamSession struct {
	ID               uuid.UUID  `json:"id"`
	DeviceID         string     `json:"device_id"`
	StartedBy        *uuid.UUID `json:"started_by,omitempty"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	Status           string     `json:"status"`
	BytesTransferred int64      `json:"bytes_transferred"`
	DurationSeconds  int        `json:"duration_seconds"`
	ListenerCount    int        `json:"listener_count"`
	ErrorMessage     string     `json:"error_message,omitempty"`
}

// Terminal reports whether the session is in a final state.
func (s *StreamSession) Terminal() bool {
	return s.Status == StreamStatusStopped || s.Status == StreamStatusError
}

// StreamListener is the audit trail of one join on a stream session.
// Rejoining creates a new row, never an update.
type StreamListener struct {
	ID              uuid.UUID  `json:"id"`
	SessionID       uuid.UUID  `json:"session_id"`
	UserID          *uuid.UUID `json:"user_id,omitempty"`
	Username        string     `json:"username,omitempty"`
	JoinedAt        time.Time  `json:"joined_at"`
	LeftAt          *time.Time `json:"left_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
}
