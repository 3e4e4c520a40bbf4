package hotcache

// TTL sweeping for pending deliveries (spec §4.7: "pending deliveries
// 60 days"). Reminder TTL expiry is enforced by ReminderEngine's own
// recurrence/status handling, not swept here — a `pending` reminder is
// never stale by age alone, only a fired-and-undelivered one ages out,
// and that's governed by PendingDeliveryTTL once it reaches the
// pending-delivery queue. Grounded on the teacher's crypto-stream
// flush-ticker: a ticker selecting against ctx.Done() for a clean
// shutdown, one flush on exit.

import (
	"context"
	"time"
)

// RunSweeper starts a background goroutine that periodically discards
// pending-delivery entries older than PendingDeliveryTTL, and reminder
// records left in a terminal `cancelled` state. It returns
// immediately; the goroutine exits when ctx is cancelled.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweepOnce()
			}
		}
	}()
}

func (c *Cache) sweepOnce() {
	now := c.now()

	for _, r := range c.AllReminders() {
		if r.Status == ReminderCancelled {
			c.DeleteReminder(r.ReminderID)
		}
	}

	c.pendingMu.Lock()
	for userID, entries := range c.pending {
		kept := entries[:0]
		for _, e := range entries {
			if now.Before(e.expiresAt) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(c.pending, userID)
		} else {
			c.pending[userID] = kept
		}
	}
	c.pendingMu.Unlock()
}
