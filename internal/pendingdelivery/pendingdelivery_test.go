package pendingdelivery

import (
	"testing"
	"time"

	"github.com/openmates/synccore/internal/hotcache"
)

func TestPushThenDrainPreservesFIFOOrder(t *testing.T) {
	cache := hotcache.New(hotcache.Options{Now: time.Now})
	q := New(cache)

	if err := q.Push("user1", Event{Name: "reminder_fired", Data: map[string]any{"reminder_id": "r1"}}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := q.Push("user1", Event{Name: "reminder_fired", Data: map[string]any{"reminder_id": "r2"}}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if got := q.Len("user1"); got != 2 {
		t.Fatalf("expected queue depth 2, got %d", got)
	}

	events := q.Drain("user1")
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Data["reminder_id"] != "r1" || events[1].Data["reminder_id"] != "r2" {
		t.Fatalf("expected FIFO order r1,r2, got %+v", events)
	}
	if q.Len("user1") != 0 {
		t.Fatalf("expected drain to clear the queue")
	}
}

func TestDrainOnEmptyUserReturnsEmptySlice(t *testing.T) {
	cache := hotcache.New(hotcache.Options{Now: time.Now})
	q := New(cache)

	events := q.Drain("nobody")
	if len(events) != 0 {
		t.Fatalf("expected no events for an unknown user, got %+v", events)
	}
}
