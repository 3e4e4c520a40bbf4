package syncbroker

import (
	"testing"

	"github.com/openmates/synccore/internal/pendingdelivery"
	"github.com/openmates/synccore/internal/telemetry"
)

func newTestSession(hub *Hub, userID, deviceHash string) *DeviceSession {
	return &DeviceSession{
		hub:                   hub,
		userID:                userID,
		deviceFingerprintHash: deviceHash,
		send:                  make(chan []byte, sendBufferSize),
		state:                 StateConnecting,
		log:                   telemetry.Nop,
	}
}

func TestRegisterThenHasLiveSession(t *testing.T) {
	hub := NewHub()
	sess := newTestSession(hub, "user-1", "device-1")
	hub.register(sess)

	if !hub.HasLiveSession("user-1") {
		t.Fatal("expected user-1 to have a live session")
	}
	if hub.HasLiveSession("user-2") {
		t.Fatal("did not expect user-2 to have a live session")
	}
}

func TestRegisterSupersedesStaleConnectionForSameDevice(t *testing.T) {
	hub := NewHub()
	old := newTestSession(hub, "user-1", "device-1")
	hub.register(old)

	fresh := newTestSession(hub, "user-1", "device-1")
	hub.register(fresh)

	if old.State() != StateClosed {
		t.Fatal("expected the superseded session to be closed")
	}
	if _, ok := <-old.send; ok {
		t.Fatal("expected the superseded session's send channel to be closed")
	}
}

func TestUnregisterRemovesSessionAndClearsEmptyUser(t *testing.T) {
	hub := NewHub()
	sess := newTestSession(hub, "user-1", "device-1")
	hub.register(sess)
	hub.unregister(sess)

	if hub.HasLiveSession("user-1") {
		t.Fatal("expected user-1 to have no live session after unregister")
	}
}

func TestUnregisterIgnoresStaleSession(t *testing.T) {
	hub := NewHub()
	first := newTestSession(hub, "user-1", "device-1")
	hub.register(first)
	second := newTestSession(hub, "user-1", "device-1")
	hub.register(second)

	// first was already superseded; unregistering it must not evict second.
	hub.unregister(first)
	if !hub.HasLiveSession("user-1") {
		t.Fatal("expected the superseding session to remain registered")
	}
}

func TestBroadcastToUserExcludesGivenDevice(t *testing.T) {
	hub := NewHub()
	a := newTestSession(hub, "user-1", "device-a")
	b := newTestSession(hub, "user-1", "device-b")
	hub.register(a)
	hub.register(b)

	hub.BroadcastToUser("user-1", pendingdelivery.Event{Name: "chat_title_updated"}, "device-a")

	select {
	case <-a.send:
		t.Fatal("did not expect device-a to receive the broadcast it originated")
	default:
	}
	select {
	case <-b.send:
	default:
		t.Fatal("expected device-b to receive the broadcast")
	}
}

func TestBroadcastToUserOnlyReachesTargetUser(t *testing.T) {
	hub := NewHub()
	a := newTestSession(hub, "user-1", "device-a")
	c := newTestSession(hub, "user-2", "device-c")
	hub.register(a)
	hub.register(c)

	hub.BroadcastToUser("user-1", pendingdelivery.Event{Name: "chat_title_updated"}, "")

	select {
	case <-a.send:
	default:
		t.Fatal("expected device-a (user-1) to receive the broadcast")
	}
	select {
	case <-c.send:
		t.Fatal("did not expect device-c (user-2) to receive user-1's broadcast")
	default:
	}
}

func TestEmitToUserExcludesNoOne(t *testing.T) {
	hub := NewHub()
	a := newTestSession(hub, "user-1", "device-a")
	hub.register(a)

	hub.EmitToUser("user-1", pendingdelivery.Event{Name: "reminder_fired"})

	select {
	case <-a.send:
	default:
		t.Fatal("expected EmitToUser to reach every device, including the only one")
	}
}

func TestSessionsListsEveryLiveSession(t *testing.T) {
	hub := NewHub()
	hub.register(newTestSession(hub, "user-1", "device-a"))
	hub.register(newTestSession(hub, "user-2", "device-b"))

	if got := len(hub.Sessions()); got != 2 {
		t.Fatalf("expected 2 live sessions, got %d", got)
	}
}
