package streaming

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProducerConn is the send side of a connected producer device.
type ProducerConn interface {
	Send(event string, payload interface{})
}

// DeviceStats is the in-memory transfer accumulator for one device.
type DeviceStats struct {
	Bytes     int64
	Chunks    int64
	LastFlush time.Time
}

// Registry is the per-process live state of the relay, keyed by canonical
// device id: the active session index, connected producer handles, fan-out
// listener counts, broker subscriber cancels, and transfer accumulators.
//
// All multi-map transitions happen under one mutex so no reader ever observes
// a half-updated state. The registry is authoritative only for connections
// this process holds; durable state lives in Postgres.
type Registry struct {
	mu          sync.Mutex
	sessions    map[string]uuid.UUID
	producers   map[string]ProducerConn
	listeners   map[string]int
	subscribers map[string]func()
	stats       map[string]*DeviceStats
}

// NewRegistry creates an empty live-state registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:    make(map[string]uuid.UUID),
		producers:   make(map[string]ProducerConn),
		listeners:   make(map[string]int),
		subscribers: make(map[string]func()),
		stats:       make(map[string]*DeviceStats),
	}
}

// TrackSession records a live session for a device with an initial listener count.
func (r *Registry) TrackSession(deviceID string, sessionID uuid.UUID, listenerCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[deviceID] = sessionID
	r.listeners[deviceID] = listenerCount
}

// SessionFor returns the live session id for a device, if any.
func (r *Registry) SessionFor(deviceID string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.sessions[deviceID]
	return id, ok
}

// ClearSession drops a device's session entry and listener count without
// touching stats or the subscriber. Used when a terminal session is still
// lingering in the index and a fresh one is about to replace it.
func (r *Registry) ClearSession(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, deviceID)
	delete(r.listeners, deviceID)
}

// IncListeners increments the listener count and returns the new value.
func (r *Registry) IncListeners(deviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[deviceID]++
	return r.listeners[deviceID]
}

// DecListeners decrements the listener count, floored at zero, and returns the new value.
func (r *Registry) DecListeners(deviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.listeners[deviceID] - 1
	if n < 0 {
		n = 0
	}
	r.listeners[deviceID] = n
	return n
}

// SetProducer records the connected producer for a device, replacing any previous handle.
func (r *Registry) SetProducer(deviceID string, conn ProducerConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[deviceID] = conn
}

// Producer returns the connected producer for a device, if any.
func (r *Registry) Producer(deviceID string) (ProducerConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.producers[deviceID]
	return conn, ok
}

// RemoveProducer drops the producer handle, but only if it is still the given
// connection. A reconnected device must not be evicted by its stale socket's
// close path.
func (r *Registry) RemoveProducer(deviceID string, conn ProducerConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.producers[deviceID]; ok && cur == conn {
		delete(r.producers, deviceID)
	}
}

// SetSubscriber stores the cancel for a device's broker subscriber. Returns
// false if one already exists; starting a second subscriber is a no-op.
func (r *Registry) SetSubscriber(deviceID string, cancel func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscribers[deviceID]; ok {
		return false
	}
	r.subscribers[deviceID] = cancel
	return true
}

// HasSubscriber reports whether a subscriber is running for the device.
func (r *Registry) HasSubscriber(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subscribers[deviceID]
	return ok
}

// DropSubscriber removes the subscriber tracking entry without invoking the
// cancel. Called by the subscriber itself when its loop exits.
func (r *Registry) DropSubscriber(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, deviceID)
}

// AddChunk accumulates transferred bytes for a device. Returns false, counting
// nothing, when the device has no live session entry: a chunk racing teardown
// is dropped from stats instead of racing the final read.
func (r *Registry) AddChunk(deviceID string, n int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[deviceID]; !ok {
		return false
	}
	s := r.stats[deviceID]
	if s == nil {
		s = &DeviceStats{LastFlush: time.Now()}
		r.stats[deviceID] = s
	}
	s.Bytes += n
	s.Chunks++
	return true
}

// StatsSnapshot returns a copy of all accumulators.
func (r *Registry) StatsSnapshot() map[string]DeviceStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]DeviceStats, len(r.stats))
	for k, v := range r.stats {
		out[k] = *v
	}
	return out
}

// TouchFlush records a successful durable flush for a device.
func (r *Registry) TouchFlush(deviceID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stats[deviceID]; ok {
		s.LastFlush = at
	}
}

// DropStats deletes a device's accumulator (its final value was already captured).
func (r *Registry) DropStats(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stats, deviceID)
}

// BeginTeardown atomically removes every live entry for the device and
// captures the final accumulator value. The session index entry is removed in
// the same step that reads the stats, so a chunk arriving afterwards finds no
// entry and is dropped; a racing flusher either wrote earlier (superseded by
// the final write) or skips because the accumulator is gone.
//
// Returns the captured byte count (valid when hadStats), and the subscriber
// cancel to invoke outside the lock, if one was running.
func (r *Registry) BeginTeardown(deviceID string) (finalBytes int64, hadStats bool, cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, deviceID)
	delete(r.listeners, deviceID)
	if s, ok := r.stats[deviceID]; ok {
		finalBytes = s.Bytes
		hadStats = true
		delete(r.stats, deviceID)
	}
	if c, ok := r.subscribers[deviceID]; ok {
		cancel = c
		delete(r.subscribers, deviceID)
	}
	return finalBytes, hadStats, cancel
}
