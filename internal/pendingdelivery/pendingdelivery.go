// Package pendingdelivery is the typed façade over HotCache's per-user
// FIFO (spec §4.9): the same fan-out events SyncBroker would otherwise
// push live, queued for a user with no connected device and replayed
// atomically once one reconnects.
package pendingdelivery

import (
	"encoding/json"

	"github.com/openmates/synccore/internal/hotcache"
)

// Event is the wire shape persisted in the FIFO — identical to a
// fan-out event frame (spec §6 "Outbound event frame"), so a drained
// entry can be forwarded to a reconnecting device verbatim.
type Event struct {
	Name                       string         `json:"event"`
	ChatID                     string         `json:"chat_id,omitempty"`
	Data                       map[string]any `json:"data"`
	Versions                   map[string]int64 `json:"versions,omitempty"`
	LastEditedOverallTimestamp *string        `json:"last_edited_overall_timestamp,omitempty"`
}

// Queue wraps a Cache's pending-delivery FIFO with typed push/drain
// instead of raw bytes.
type Queue struct {
	cache *hotcache.Cache
}

func New(cache *hotcache.Cache) *Queue {
	return &Queue{cache: cache}
}

// Push enqueues one event for userID (spec §4.9: "Per-user FIFO list of
// JSON-encoded event payloads"). A marshal failure drops the event
// rather than panicking — there's no recovery path for an
// unmarshalable event, and the caller already has its own copy to log.
func (q *Queue) Push(userID string, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	q.cache.PushPendingDelivery(userID, b)
	return nil
}

// Drain atomically reads and clears userID's FIFO (spec §4.9: "pops
// atomically ... and replays to that one session"), skipping any entry
// that fails to decode rather than failing the whole drain.
func (q *Queue) Drain(userID string) []Event {
	raw := q.cache.DrainPendingDelivery(userID)
	out := make([]Event, 0, len(raw))
	for _, b := range raw {
		var ev Event
		if err := json.Unmarshal(b, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Len reports the current queue depth for userID.
func (q *Queue) Len(userID string) int {
	return q.cache.PendingDeliveryLen(userID)
}
