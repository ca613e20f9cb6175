package devices

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fleetwatch/backend/internal/models"
)

const resolverCacheMax = 100

// DeviceLookup is the subset of the device repository the resolver needs.
type DeviceLookup interface {
	GetByDeviceID(ctx context.Context, deviceID string) (*models.DeviceInfo, error)
	GetByHardwareID(ctx context.Context, hardwareID string) (*models.DeviceInfo, error)
	GetByDisplayName(ctx context.Context, name string) (*models.DeviceInfo, error)
}

// Resolver maps any device identifier (hardware id, display name, or the
// canonical device id itself) to the canonical device id.
//
// Resolution fails open: an identifier that matches nothing is returned
// unchanged. Results are cached; the cache evicts in insertion order once
// full, matching the hot path's read-mostly access pattern.
type Resolver struct {
	lookup DeviceLookup
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]string
	order []string
}

// NewResolver creates a device identity resolver.
func NewResolver(lookup DeviceLookup, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		lookup: lookup,
		logger: logger,
		cache:  make(map[string]string),
	}
}

// Resolve maps an identifier to the canonical device id. Lookup order:
// hardware id, display name, canonical device id. Unknown identifiers are
// returned unchanged so that callers can still report "device not found"
// against the original input.
func (r *Resolver) Resolve(ctx context.Context, identifier string) string {
	if identifier == "" {
		return identifier
	}
	if cached, ok := r.cached(identifier); ok {
		return cached
	}

	if d, err := r.lookup.GetByHardwareID(ctx, identifier); err == nil && d != nil {
		r.store(identifier, d.DeviceID)
		return d.DeviceID
	}
	if d, err := r.lookup.GetByDisplayName(ctx, identifier); err == nil && d != nil {
		r.store(identifier, d.DeviceID)
		return d.DeviceID
	}
	if d, err := r.lookup.GetByDeviceID(ctx, identifier); err == nil && d != nil {
		r.store(identifier, identifier)
		return identifier
	}

	// No record; fail open. Not cached, the device may register later.
	return identifier
}

// ResolveHardware is the strict producer-side resolution: exact hardware id
// match only. Used for every producer-originated message so that an
// unresolved alias is never used as a fan-out key.
func (r *Resolver) ResolveHardware(ctx context.Context, hardwareID string) (string, bool) {
	if hardwareID == "" {
		return "", false
	}
	d, err := r.lookup.GetByHardwareID(ctx, hardwareID)
	if err != nil {
		r.logger.Warn("hardware id lookup failed", zap.String("hardware_id", hardwareID), zap.Error(err))
		return "", false
	}
	if d == nil {
		return "", false
	}
	return d.DeviceID, true
}

// HardwareIDFor returns the hardware id registered for a canonical device id.
func (r *Resolver) HardwareIDFor(ctx context.Context, deviceID string) (string, bool) {
	d, err := r.lookup.GetByDeviceID(ctx, deviceID)
	if err != nil || d == nil || d.HardwareID == "" {
		return "", false
	}
	return d.HardwareID, true
}

// Known reports whether a canonical device id has a registered record.
func (r *Resolver) Known(ctx context.Context, deviceID string) bool {
	d, err := r.lookup.GetByDeviceID(ctx, deviceID)
	return err == nil && d != nil
}

func (r *Resolver) cached(identifier string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.cache[identifier]
	return v, ok
}

func (r *Resolver) store(identifier, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cache[identifier]; ok {
		return
	}
	if len(r.order) >= resolverCacheMax {
		evict := r.order[0]
		r.order = r.order[1:]
		delete(r.cache, evict)
	}
	r.cache[identifier] = deviceID
	r.order = append(r.order, identifier)
}
