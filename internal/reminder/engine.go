// Package reminder implements the ReminderEngine poll loop (spec §4.8):
// a tick scans HotCache's `reminders:schedule` sorted set for due
// reminders, decrypts each prompt, fans it out to a live session or
// else parks it for offline delivery.
package reminder

import (
	"context"
	"time"

	"github.com/openmates/synccore/internal/hotcache"
	"github.com/openmates/synccore/internal/keyvault"
	"github.com/openmates/synccore/internal/pendingdelivery"
	"github.com/openmates/synccore/internal/telemetry"
)

// Presence answers whether userID currently has at least one live
// device session (spec §4.8 step 3) — satisfied by SyncBroker's Hub.
type Presence interface {
	HasLiveSession(userID string) bool
}

// Fanout emits a live event to every connected device of userID (spec
// §4.8 step 3 "emit a reminder_fired fan-out event") — satisfied by
// SyncBroker's Hub.
type Fanout interface {
	EmitToUser(userID string, event pendingdelivery.Event)
}

// EmailNotifier is the non-core delivery hook fired when a reminder has
// no live session to reach (spec §4.8 step 3: "also trigger a
// (non-core) email notification hook"). Actual email delivery sits
// outside this core; NopNotifier is the default.
type EmailNotifier interface {
	NotifyReminderPending(ctx context.Context, userID, reminderID string) error
}

// NopNotifier discards the hook. It is the default EmailNotifier until
// a real delivery backend is wired in.
type NopNotifier struct{}

func (NopNotifier) NotifyReminderPending(ctx context.Context, userID, reminderID string) error {
	return nil
}

// Engine is the ReminderEngine (spec §4.8).
type Engine struct {
	cache    *hotcache.Cache
	vault    keyvault.Vault
	presence Presence
	fanout   Fanout
	pending  *pendingdelivery.Queue
	notifier EmailNotifier
	log      *telemetry.Logger

	pollInterval time.Duration
}

// Options configures an Engine. Presence and Fanout may be nil during
// early bring-up — a nil Presence is treated as "nobody is live", a nil
// Fanout simply skips the live-emit call.
type Options struct {
	Presence     Presence
	Fanout       Fanout
	Pending      *pendingdelivery.Queue
	Notifier     EmailNotifier
	PollInterval time.Duration
	Log          *telemetry.Logger
}

func New(cache *hotcache.Cache, vault keyvault.Vault, opts Options) *Engine {
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Log == nil {
		opts.Log = telemetry.Nop
	}
	return &Engine{
		cache:        cache,
		vault:        vault,
		presence:     opts.Presence,
		fanout:       opts.Fanout,
		pending:      opts.Pending,
		notifier:     opts.Notifier,
		log:          opts.Log,
		pollInterval: opts.PollInterval,
	}
}

// Run performs startup crash-recovery, then ticks every pollInterval
// until ctx is cancelled (spec §4.8).
func (e *Engine) Run(ctx context.Context) {
	e.Recover(ctx)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick fires every reminder whose trigger_at has passed (spec §4.8:
// "every tick, ZRANGEBYSCORE(reminders:schedule, 0, now) yields due
// IDs").
func (e *Engine) Tick(ctx context.Context) {
	now := e.cache.Now()
	due := e.cache.ReminderSchedule().RangeByScore(0, float64(now.Unix()))
	for _, entry := range due {
		e.fireOne(ctx, entry.Member)
	}
}

func (e *Engine) fireOne(ctx context.Context, reminderID string) {
	r, ok := e.cache.GetReminder(reminderID)
	if !ok || r.Status != hotcache.ReminderPending {
		return
	}

	// Step 1: atomically transition pending -> fired.
	r.Status = hotcache.ReminderFired
	e.cache.PutReminder(r)

	prompt, err := e.decryptPrompt(ctx, r)
	if err != nil {
		e.log.Error(ctx, "reminder: decrypt failed", map[string]any{
			"reminder_id": reminderID, "error": err.Error(),
		})
		return
	}

	ev := pendingdelivery.Event{
		Name: "reminder_fired",
		Data: map[string]any{"reminder_id": r.ReminderID, "prompt": prompt},
	}

	if e.presence != nil && e.presence.HasLiveSession(r.UserID) {
		if e.fanout != nil {
			e.fanout.EmitToUser(r.UserID, ev)
		}
	} else {
		if e.pending != nil {
			if err := e.pending.Push(r.UserID, ev); err != nil {
				e.log.Error(ctx, "reminder: pending-delivery push failed", map[string]any{
					"reminder_id": reminderID, "error": err.Error(),
				})
			}
		}
		if err := e.notifier.NotifyReminderPending(ctx, r.UserID, r.ReminderID); err != nil {
			e.log.Warn(ctx, "reminder: email notification hook failed", map[string]any{
				"reminder_id": reminderID, "error": err.Error(),
			})
		}
	}

	e.rearmOrLeave(r)
}

func (e *Engine) decryptPrompt(ctx context.Context, r hotcache.Reminder) (string, error) {
	env, err := keyvault.EnvelopeFromBytes(r.EncryptedPrompt)
	if err != nil {
		return "", err
	}
	plaintext, err := e.vault.Decrypt(ctx, env, r.VaultKeyID, "reminder:"+r.ReminderID)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// rearmOrLeave implements spec §4.8 step 4: a recurring reminder is
// rescheduled and set back to pending; a one-shot reminder is left
// fired.
func (e *Engine) rearmOrLeave(r hotcache.Reminder) {
	if r.Recurrence == hotcache.RecurrenceNone || r.Recurrence == "" {
		return
	}
	r.TriggerAt = nextTrigger(r.TriggerAt, r.Recurrence)
	r.Status = hotcache.ReminderPending
	r.OccurrenceCount++
	e.cache.PutReminder(r)
}

// nextTrigger uses calendar arithmetic rather than a fixed duration —
// month lengths vary, and a fixed 30*24h "monthly" drifts across the
// year.
func nextTrigger(from time.Time, r hotcache.Recurrence) time.Time {
	switch r {
	case hotcache.RecurrenceDaily:
		return from.AddDate(0, 0, 1)
	case hotcache.RecurrenceWeekly:
		return from.AddDate(0, 0, 7)
	case hotcache.RecurrenceMonthly:
		return from.AddDate(0, 1, 0)
	default:
		return from
	}
}

// Recover implements startup crash-recovery: a reminder that crashed
// between steps 1 and 4 is stuck in `fired`. A recurring one is
// re-armed as if step 4 had run (next trigger_at computed from the
// stored trigger_at, occurrence_count incremented); a
// non-recurring one has no way to re-fire on its own, so it only gets
// an audit log entry.
func (e *Engine) Recover(ctx context.Context) {
	for _, r := range e.cache.AllReminders() {
		if r.Status != hotcache.ReminderFired {
			continue
		}
		if r.Recurrence != hotcache.RecurrenceNone && r.Recurrence != "" {
			e.rearmOrLeave(r)
			continue
		}
		e.log.Warn(ctx, "reminder: orphaned fired reminder found at startup", map[string]any{
			"reminder_id":      r.ReminderID,
			"user_id":          r.UserID,
			"occurrence_count": r.OccurrenceCount,
		})
	}
}
