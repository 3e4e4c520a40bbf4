package reminder

import (
	"context"
	"testing"
	"time"

	"github.com/openmates/synccore/internal/hotcache"
	"github.com/openmates/synccore/internal/keyvault"
	"github.com/openmates/synccore/internal/pendingdelivery"
	"github.com/openmates/synccore/internal/telemetry"
)

type fakePresence struct{ live map[string]bool }

func (f fakePresence) HasLiveSession(userID string) bool { return f.live[userID] }

type fakeFanout struct{ events []pendingdelivery.Event }

func (f *fakeFanout) EmitToUser(userID string, ev pendingdelivery.Event) {
	f.events = append(f.events, ev)
}

type fakeNotifier struct{ calls int }

func (f *fakeNotifier) NotifyReminderPending(ctx context.Context, userID, reminderID string) error {
	f.calls++
	return nil
}

func testVault(t *testing.T) keyvault.Vault {
	t.Helper()
	v, err := keyvault.NewInProcessVault(make([]byte, 32), nil, 0, 0, telemetry.Nop)
	if err != nil {
		t.Fatalf("NewInProcessVault: %v", err)
	}
	return v
}

func seedReminder(t *testing.T, ctx context.Context, vault keyvault.Vault, cache *hotcache.Cache, id, userID string, triggerAt time.Time, recurrence hotcache.Recurrence) {
	t.Helper()
	keyID, err := vault.CreateUserKey(ctx)
	if err != nil {
		t.Fatalf("CreateUserKey: %v", err)
	}
	env, err := vault.Encrypt(ctx, []byte("drink water"), keyID, "reminder:"+id)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	envBytes, err := env.Bytes()
	if err != nil {
		t.Fatalf("Envelope.Bytes: %v", err)
	}
	cache.PutReminder(hotcache.Reminder{
		ReminderID:      id,
		UserID:          userID,
		TriggerAt:       triggerAt,
		EncryptedPrompt: envBytes,
		VaultKeyID:      keyID,
		Status:          hotcache.ReminderPending,
		Recurrence:      recurrence,
	})
}

func TestTickFiresDueReminderToLiveSession(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cache := hotcache.New(hotcache.Options{Now: func() time.Time { return fixed }})
	vault := testVault(t)
	seedReminder(t, ctx, vault, cache, "rem1", "user1", fixed.Add(-time.Minute), hotcache.RecurrenceNone)

	fanout := &fakeFanout{}
	pending := pendingdelivery.New(cache)
	e := New(cache, vault, Options{
		Presence: fakePresence{live: map[string]bool{"user1": true}},
		Fanout:   fanout,
		Pending:  pending,
		Log:      telemetry.Nop,
	})

	e.Tick(ctx)

	if len(fanout.events) != 1 {
		t.Fatalf("expected 1 fanout event, got %d", len(fanout.events))
	}
	if fanout.events[0].Data["prompt"] != "drink water" {
		t.Fatalf("expected decrypted prompt, got %+v", fanout.events[0].Data)
	}
	r, ok := cache.GetReminder("rem1")
	if !ok || r.Status != hotcache.ReminderFired {
		t.Fatalf("expected one-shot reminder to end fired, got %+v ok=%v", r, ok)
	}
	if pending.Len("user1") != 0 {
		t.Fatalf("expected no pending-delivery entry for a live session")
	}
}

func TestTickQueuesForOfflineUserAndNotifies(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cache := hotcache.New(hotcache.Options{Now: func() time.Time { return fixed }})
	vault := testVault(t)
	seedReminder(t, ctx, vault, cache, "rem1", "user1", fixed.Add(-time.Minute), hotcache.RecurrenceNone)

	fanout := &fakeFanout{}
	notifier := &fakeNotifier{}
	pending := pendingdelivery.New(cache)
	e := New(cache, vault, Options{
		Presence: fakePresence{live: map[string]bool{}},
		Fanout:   fanout,
		Pending:  pending,
		Notifier: notifier,
		Log:      telemetry.Nop,
	})

	e.Tick(ctx)

	if len(fanout.events) != 0 {
		t.Fatalf("expected no live fanout for an offline user, got %d", len(fanout.events))
	}
	if pending.Len("user1") != 1 {
		t.Fatalf("expected 1 queued pending-delivery event, got %d", pending.Len("user1"))
	}
	if notifier.calls != 1 {
		t.Fatalf("expected email notification hook to fire once, got %d", notifier.calls)
	}
}

func TestRecurringReminderRearmsWithAddDate(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)
	cache := hotcache.New(hotcache.Options{Now: func() time.Time { return fixed }})
	vault := testVault(t)
	seedReminder(t, ctx, vault, cache, "rem1", "user1", fixed.Add(-time.Minute), hotcache.RecurrenceMonthly)

	e := New(cache, vault, Options{
		Presence: fakePresence{live: map[string]bool{}},
		Pending:  pendingdelivery.New(cache),
		Log:      telemetry.Nop,
	})

	e.Tick(ctx)

	r, ok := cache.GetReminder("rem1")
	if !ok {
		t.Fatalf("expected reminder to still exist after re-arm")
	}
	if r.Status != hotcache.ReminderPending {
		t.Fatalf("expected recurring reminder to be re-armed to pending, got %s", r.Status)
	}
	if r.OccurrenceCount != 1 {
		t.Fatalf("expected occurrence_count=1, got %d", r.OccurrenceCount)
	}
	wantNext := fixed.Add(-time.Minute).AddDate(0, 1, 0)
	if !r.TriggerAt.Equal(wantNext) {
		t.Fatalf("expected next trigger %v, got %v", wantNext, r.TriggerAt)
	}
}

func TestNonDueReminderIsNotFired(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cache := hotcache.New(hotcache.Options{Now: func() time.Time { return fixed }})
	vault := testVault(t)
	seedReminder(t, ctx, vault, cache, "rem1", "user1", fixed.Add(time.Hour), hotcache.RecurrenceNone)

	fanout := &fakeFanout{}
	e := New(cache, vault, Options{
		Presence: fakePresence{live: map[string]bool{"user1": true}},
		Fanout:   fanout,
		Pending:  pendingdelivery.New(cache),
		Log:      telemetry.Nop,
	})

	e.Tick(ctx)

	if len(fanout.events) != 0 {
		t.Fatalf("expected future reminder to not fire yet, got %d events", len(fanout.events))
	}
	r, _ := cache.GetReminder("rem1")
	if r.Status != hotcache.ReminderPending {
		t.Fatalf("expected reminder to remain pending, got %s", r.Status)
	}
}

func TestRecoverReArmsOrphanedRecurringAndLogsOrphanedOneShot(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cache := hotcache.New(hotcache.Options{Now: func() time.Time { return fixed }})
	vault := testVault(t)

	seedReminder(t, ctx, vault, cache, "recurring1", "user1", fixed.Add(-time.Hour), hotcache.RecurrenceDaily)
	if r, ok := cache.GetReminder("recurring1"); ok {
		r.Status = hotcache.ReminderFired
		cache.PutReminder(r)
	}
	seedReminder(t, ctx, vault, cache, "oneshot1", "user1", fixed.Add(-time.Hour), hotcache.RecurrenceNone)
	if r, ok := cache.GetReminder("oneshot1"); ok {
		r.Status = hotcache.ReminderFired
		cache.PutReminder(r)
	}

	e := New(cache, vault, Options{Log: telemetry.Nop})
	e.Recover(ctx)

	recurring, _ := cache.GetReminder("recurring1")
	if recurring.Status != hotcache.ReminderPending {
		t.Fatalf("expected orphaned recurring reminder to be re-armed, got %s", recurring.Status)
	}
	if recurring.OccurrenceCount != 1 {
		t.Fatalf("expected occurrence_count bumped on recovery re-arm, got %d", recurring.OccurrenceCount)
	}

	oneshot, _ := cache.GetReminder("oneshot1")
	if oneshot.Status != hotcache.ReminderFired {
		t.Fatalf("expected orphaned one-shot reminder to stay fired (audit-logged, not re-armed), got %s", oneshot.Status)
	}
}
