// Package audit records security-relevant events. Recording is asynchronous
// (Redis job queue drained by the worker binary) and must never fail the
// action being audited.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetwatch/backend/pkg/queue"
)

// Audit action names used by the relay subsystem.
const (
	ActionStreamStarted       = "LIVE_STREAM_STARTED"
	ActionStreamJoined        = "LIVE_STREAM_JOINED"
	ActionStreamLeft          = "LIVE_STREAM_LEFT"
	ActionStreamStopped       = "LIVE_STREAM_STOPPED"
	ActionStreamRequestFailed = "LIVE_STREAM_REQUEST_FAILED"
	ActionPermissionDenied    = "PERMISSION_DENIED"
)

// Event is one audit record.
type Event struct {
	UserID       *uuid.UUID
	Username     string
	Action       string
	ResourceType string
	ResourceID   string
	NewValue     map[string]interface{}
	Success      bool
	ErrorMessage string
}

// Recorder records audit events. Implementations swallow their own errors.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// QueueRecorder enqueues audit events onto the Redis job queue.
type QueueRecorder struct {
	queue  *queue.Queue
	logger *zap.Logger
}

// NewQueueRecorder creates a queue-backed audit recorder.
func NewQueueRecorder(q *queue.Queue, logger *zap.Logger) *QueueRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueRecorder{queue: q, logger: logger}
}

// Record enqueues the event. Failures are logged, never returned.
func (r *QueueRecorder) Record(ctx context.Context, e Event) {
	var newValue string
	if e.NewValue != nil {
		if b, err := json.Marshal(e.NewValue); err == nil {
			newValue = string(b)
		}
	}
	payload := queue.AuditPayload{
		UserID:       e.UserID,
		Username:     e.Username,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		NewValue:     newValue,
		Success:      e.Success,
		ErrorMessage: e.ErrorMessage,
		OccurredAt:   time.Now().UTC(),
	}
	if err := r.queue.EnqueueAudit(ctx, payload); err != nil {
		r.logger.Warn("audit enqueue failed", zap.String("action", e.Action), zap.Error(err))
	}
}

// NopRecorder discards events.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(context.Context, Event) {}
