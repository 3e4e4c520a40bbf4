package syncbroker

import (
	"sync"

	"github.com/openmates/synccore/internal/pendingdelivery"
)

// SessionState is the DeviceSession state machine (spec §4.4:
// "Connecting → Authenticated → Subscribed → (Disconnecting) → Closed").
type SessionState string

const (
	StateConnecting    SessionState = "connecting"
	StateAuthenticated SessionState = "authenticated"
	StateSubscribed    SessionState = "subscribed"
	StateDisconnecting SessionState = "disconnecting"
	StateClosed        SessionState = "closed"
)

// sendBufferSize bounds a DeviceSession's outbound channel (spec §4.4
// "if a session's send queue overflows a bounded threshold, that
// session is dropped"), grounded on the streamspace Hub's 256-message
// client buffer.
const sendBufferSize = 256

// Hub owns every live DeviceSession, keyed by user then by device
// fingerprint hash (spec §4.4 "{user_id: set<DeviceSession>}"),
// grounded on the streamspace websocket Hub's register/unregister/
// broadcast channel shape, re-keyed per-user instead of a single flat
// client set so fan-out can target one user's devices without
// scanning every connection.
type Hub struct {
	mu      sync.RWMutex
	byUser  map[string]map[string]*DeviceSession // user_id -> device_fingerprint_hash -> session
}

func NewHub() *Hub {
	return &Hub{byUser: make(map[string]map[string]*DeviceSession)}
}

// register adds sess to the hub, replacing any prior session with the
// same (user_id, device_fingerprint_hash) — a reconnect supersedes the
// stale connection rather than coexisting with it.
func (h *Hub) register(sess *DeviceSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	devices, ok := h.byUser[sess.userID]
	if !ok {
		devices = make(map[string]*DeviceSession)
		h.byUser[sess.userID] = devices
	}
	if old, exists := devices[sess.deviceFingerprintHash]; exists && old != sess {
		old.closeLocked()
	}
	devices[sess.deviceFingerprintHash] = sess
}

func (h *Hub) unregister(sess *DeviceSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	devices, ok := h.byUser[sess.userID]
	if !ok {
		return
	}
	if cur, exists := devices[sess.deviceFingerprintHash]; exists && cur == sess {
		delete(devices, sess.deviceFingerprintHash)
	}
	if len(devices) == 0 {
		delete(h.byUser, sess.userID)
	}
}

// HasLiveSession satisfies internal/reminder.Presence.
func (h *Hub) HasLiveSession(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	devices, ok := h.byUser[userID]
	return ok && len(devices) > 0
}

// BroadcastToUser delivers ev to every live DeviceSession of userID
// except the one whose fingerprint hash matches excludeDeviceHash (spec
// §4.4 `broadcast_to_user(user_id, event, exclude_device_hash?)`).
// Delivery is best-effort and FIFO per session only; a session whose
// send buffer is full is dropped rather than blocking the broadcast.
func (h *Hub) BroadcastToUser(userID string, ev pendingdelivery.Event, excludeDeviceHash string) {
	h.mu.RLock()
	devices := h.byUser[userID]
	targets := make([]*DeviceSession, 0, len(devices))
	for hash, sess := range devices {
		if hash == excludeDeviceHash {
			continue
		}
		targets = append(targets, sess)
	}
	h.mu.RUnlock()

	for _, sess := range targets {
		sess.enqueue(ev)
	}
}

// EmitToUser satisfies internal/reminder.Fanout — a reminder fan-out
// has no originating device to exclude.
func (h *Hub) EmitToUser(userID string, ev pendingdelivery.Event) {
	h.BroadcastToUser(userID, ev, "")
}

// Sessions returns every live session, used for graceful shutdown.
func (h *Hub) Sessions() []*DeviceSession {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*DeviceSession, 0)
	for _, devices := range h.byUser {
		for _, sess := range devices {
			out = append(out, sess)
		}
	}
	return out
}
