package hotcache

// Spill/restore persists reminders and pending deliveries to a
// shared-volume JSON file on graceful shutdown, and rehydrates them on
// startup (spec §4.7 "Spill/restore"). This is the one piece of disk
// I/O the core performs outside MetadataStore (spec §6 Environment:
// "No files other than the shutdown spill backups ... are written by
// the core").

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// spillDoc is the on-disk shape of one spill file.
type spillDoc struct {
	SpilledAt time.Time          `json:"spilled_at"`
	Reminders []Reminder         `json:"reminders,omitempty"`
	Pending   map[string][][]byte `json:"pending,omitempty"`
}

func spillPath(dir, name string) string {
	return filepath.Join(dir, name+".spill.json")
}

// Spill writes the current reminders and pending-delivery queues to
// <dir>/hotcache.spill.json. Called once, at shutdown.
func (c *Cache) Spill(dir string) error {
	if dir == "" {
		return fmt.Errorf("hotcache: spill dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("hotcache: mkdir spill dir: %w", err)
	}

	pending := c.pendingSnapshot()

	doc := spillDoc{
		SpilledAt: c.now().UTC(),
		Reminders: c.AllReminders(),
		Pending:   pending,
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("hotcache: marshal spill: %w", err)
	}

	path := spillPath(dir, "hotcache")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("hotcache: write spill: %w", err)
	}
	return os.Rename(tmp, path)
}

// Restore rehydrates reminders and pending deliveries from
// <dir>/hotcache.spill.json, if present, discarding entries older than
// their owning TTL, then deletes the file on success (spec §4.7:
// "files older than the respective TTL are discarded; younger backups
// are rehydrated and the files deleted").
func (c *Cache) Restore(dir string) error {
	path := spillPath(dir, "hotcache")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("hotcache: read spill: %w", err)
	}

	var doc spillDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("hotcache: decode spill: %w", err)
	}

	now := c.now()
	for _, r := range doc.Reminders {
		if now.Sub(r.TriggerAt) > ReminderTTL {
			continue
		}
		c.PutReminder(r)
	}
	if now.Sub(doc.SpilledAt) <= PendingDeliveryTTL {
		remaining := PendingDeliveryTTL - now.Sub(doc.SpilledAt)
		c.pendingMu.Lock()
		for userID, payloads := range doc.Pending {
			for _, p := range payloads {
				c.pending[userID] = append(c.pending[userID], pendingEntry{payload: p, expiresAt: now.Add(remaining)})
			}
		}
		c.pendingMu.Unlock()
	}

	return os.Remove(path)
}
