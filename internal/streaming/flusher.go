package streaming

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Flusher periodically writes the in-memory transfer accumulators to the
// session rows, so session stats survive a crash with at most one interval
// of loss.
type Flusher struct {
	registry *Registry
	store    SessionStore
	interval time.Duration
	logger   *zap.Logger
}

// NewFlusher creates a stats flusher.
func NewFlusher(registry *Registry, store SessionStore, interval time.Duration, logger *zap.Logger) *Flusher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flusher{registry: registry, store: store, interval: interval, logger: logger}
}

// Run flushes on a fixed interval until the context is cancelled.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("stats flusher stopping")
			return
		case <-ticker.C:
			f.FlushOnce(ctx)
		}
	}
}

// FlushOnce writes every live accumulator to its session row. Accumulators
// whose session is gone are discarded; teardown already captured their final
// value.
func (f *Flusher) FlushOnce(ctx context.Context) {
	for deviceID, stats := range f.registry.StatsSnapshot() {
		sessionID, ok := f.registry.SessionFor(deviceID)
		if !ok {
			f.registry.DropStats(deviceID)
			continue
		}
		if err := f.store.UpdateSessionBytes(ctx, sessionID, stats.Bytes); err != nil {
			f.logger.Error("stats flush failed",
				zap.String("session_id", sessionID.String()),
				zap.String("device_id", deviceID),
				zap.Error(err))
			continue
		}
		f.registry.TouchFlush(deviceID, time.Now())
	}
}
