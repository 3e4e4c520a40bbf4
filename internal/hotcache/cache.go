// Package hotcache is the single writable authority for versions and
// scores (spec §5): the in-process working set every other component
// reads and writes through. It keeps the teacher's cache_policy.go
// determinism discipline (no implicit time.Now for decisions, stable
// key namespacing, namespaced-by-owner keys) but adds the mutable
// state the teacher's policy-only package never held — this package
// actually stores data, the teacher's only decided TTL/keys for data
// stored elsewhere.
package hotcache

import (
	"fmt"
	"sync"
	"time"
)

// ChatVersions is the hash of a chat's version vector (spec §4.7
// `chat:{chat_id}:versions`). DraftV is per-user, so it lives in the
// per-(user,chat) draft slot, not here.
type ChatVersions struct {
	TitleV    int64
	MessagesV int64
}

// CachedMessage is the warmed representation of one message, kept only
// while its owning chat is in a user's Top-N (spec §4.7).
type CachedMessage struct {
	ID               string
	EncryptedContent []byte
	SenderName       string
	CreatedAt        time.Time
}

// CachedDraft is a user's latest encrypted draft for one chat plus its
// version (spec §4.7 `user:{user_id}:chat:{chat_id}:draft`).
type CachedDraft struct {
	EncryptedContent []byte
	DraftV           int64
	LastEdited       time.Time
}

// CachedChatMeta is the chat-list-facing slice of a chat's state: its
// encrypted title plus the KeyVault key_id it was sealed under (spec
// §4.7 "chat lists" — the rest of the list entry is ChatVersions plus
// the chat index score). PersistenceWorker reads this to flush title
// edits down to MetadataStore.
type CachedChatMeta struct {
	EncryptedTitle []byte
	VaultKeyID     string
}

// ReminderStatus is the closed status enum (spec §3 Reminder).
type ReminderStatus string

const (
	ReminderPending   ReminderStatus = "pending"
	ReminderFired     ReminderStatus = "fired"
	ReminderCancelled ReminderStatus = "cancelled"
)

// Recurrence is the closed recurrence enum (SPEC_FULL.md §3.8,
// supplemented from cache_reminder_mixin.py: a small closed set, not a
// full RRULE grammar).
type Recurrence string

const (
	RecurrenceNone    Recurrence = "none"
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
)

// Reminder is the full record HotCache holds for a scheduled reminder
// (spec §3 Reminder): the sorted set only carries `(reminder_id,
// trigger_at)` for fast due-polling; this map holds everything else.
type Reminder struct {
	ReminderID      string
	UserID          string
	TriggerAt       time.Time
	EncryptedPrompt []byte
	VaultKeyID      string
	Status          ReminderStatus
	OccurrenceCount int64
	Recurrence      Recurrence
}

const (
	// ReminderTTL is the individual-reminder cache TTL (spec §4.7).
	ReminderTTL = 7 * 24 * time.Hour
	// PendingDeliveryTTL is the pending-delivery cache TTL (spec §4.7).
	PendingDeliveryTTL = 60 * 24 * time.Hour
)

// Options configures a Cache instance.
type Options struct {
	TopN int
	// Now is the injected clock; defaults to time.Now. Kept overridable
	// for deterministic tests, same discipline as cache_policy.go.
	Now func() time.Time
}

// Cache is HotCache's in-process implementation.
type Cache struct {
	topN int
	now  func() time.Time

	chatMu     sync.Mutex
	chatLocks  map[string]*sync.Mutex
	versionsMu sync.RWMutex
	versions   map[string]ChatVersions

	indexMu sync.Mutex
	index   map[string]*SortedSet // user_id -> chat_index

	msgMu    sync.RWMutex
	messages map[string][]CachedMessage // "user_id\x00chat_id" -> warmed messages

	draftMu sync.RWMutex
	drafts  map[string]CachedDraft // "user_id\x00chat_id" -> draft

	chatMetaMu sync.RWMutex
	chatMeta   map[string]CachedChatMeta // chat_id -> title metadata

	reminderSchedule *SortedSet // reminder_id -> trigger_at (unix seconds)
	reminderMu       sync.RWMutex
	reminders        map[string]Reminder // reminder_id -> full record

	pendingMu sync.Mutex
	pending   map[string][]pendingEntry // user_id -> FIFO of JSON event payloads
}

// pendingEntry is one queued pending-delivery payload plus its TTL
// deadline (spec §4.7: "pending deliveries 60 days").
type pendingEntry struct {
	payload   []byte
	expiresAt time.Time
}

func New(opts Options) *Cache {
	if opts.TopN <= 0 {
		opts.TopN = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		topN:             opts.TopN,
		now:              opts.Now,
		chatLocks:        make(map[string]*sync.Mutex),
		versions:         make(map[string]ChatVersions),
		index:            make(map[string]*SortedSet),
		messages:         make(map[string][]CachedMessage),
		drafts:           make(map[string]CachedDraft),
		chatMeta:         make(map[string]CachedChatMeta),
		reminderSchedule: NewSortedSet(),
		reminders:        make(map[string]Reminder),
		pending:          make(map[string][]pendingEntry),
	}
}

func msgKey(userID, chatID string) string { return userID + "\x00" + chatID }

// LockChat returns an unlock function for chatID's per-chat mutex,
// lazily created. VersionEngine builds its atomic increments on top of
// this (SPEC_FULL.md §3.3) — the lock is never held across a
// suspension point (spec §5): every Cache method below is a pure
// in-process map operation, never I/O.
func (c *Cache) LockChat(chatID string) func() {
	c.chatMu.Lock()
	mu, ok := c.chatLocks[chatID]
	if !ok {
		mu = &sync.Mutex{}
		c.chatLocks[chatID] = mu
	}
	c.chatMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// GetChatVersions reads the current version vector, if cached.
func (c *Cache) GetChatVersions(chatID string) (ChatVersions, bool) {
	c.versionsMu.RLock()
	defer c.versionsMu.RUnlock()
	v, ok := c.versions[chatID]
	return v, ok
}

// PutChatVersions overwrites the cached version vector.
func (c *Cache) PutChatVersions(chatID string, v ChatVersions) {
	c.versionsMu.Lock()
	defer c.versionsMu.Unlock()
	c.versions[chatID] = v
}

func (c *Cache) chatIndexFor(userID string) *SortedSet {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()
	s, ok := c.index[userID]
	if !ok {
		s = NewSortedSet()
		c.index[userID] = s
	}
	return s
}

// UpdateChatIndexScore updates user's chat index (spec §4.3
// `update_score`), scored by `last_edited_overall_timestamp`.
func (c *Cache) UpdateChatIndexScore(userID, chatID string, ts time.Time) {
	c.chatIndexFor(userID).Upsert(chatID, float64(ts.Unix()))
}

// ChatIndexTopN returns userID's chats ranked by recency, highest
// first, bounded to n entries (n<0 means unbounded).
func (c *Cache) ChatIndexTopN(userID string, n int) []Entry {
	return c.chatIndexFor(userID).TopK(n)
}

// ChatIndexRank returns chatID's 0-based descending rank within
// userID's chat index.
func (c *Cache) ChatIndexRank(userID, chatID string) (int, bool) {
	return c.chatIndexFor(userID).Rank(chatID)
}

// ChatIndexScore returns chatID's current score (unix seconds of
// `last_edited_overall_timestamp`) within userID's chat index.
func (c *Cache) ChatIndexScore(userID, chatID string) (float64, bool) {
	return c.chatIndexFor(userID).Score(chatID)
}

// TopN is the configured Top-N boundary (spec §4.7/§9).
func (c *Cache) TopN() int { return c.topN }

// PutMessages warms a chat's message list for one user (entering
// Top-N, spec §9.1/§4.4 "Top-N cache maintenance").
func (c *Cache) PutMessages(userID, chatID string, msgs []CachedMessage) {
	c.msgMu.Lock()
	defer c.msgMu.Unlock()
	c.messages[msgKey(userID, chatID)] = msgs
}

// AppendMessage appends one message to an already-warmed list; a
// no-op if the chat isn't currently warmed (not in Top-N).
func (c *Cache) AppendMessage(userID, chatID string, msg CachedMessage) {
	c.msgMu.Lock()
	defer c.msgMu.Unlock()
	k := msgKey(userID, chatID)
	if _, ok := c.messages[k]; !ok {
		return
	}
	c.messages[k] = append(c.messages[k], msg)
}

// GetMessages returns the warmed messages for a user's chat, if any.
func (c *Cache) GetMessages(userID, chatID string) ([]CachedMessage, bool) {
	c.msgMu.RLock()
	defer c.msgMu.RUnlock()
	v, ok := c.messages[msgKey(userID, chatID)]
	return v, ok
}

// EvictMessages drops a chat's warmed message list (leaving Top-N,
// spec §9.1).
func (c *Cache) EvictMessages(userID, chatID string) {
	c.msgMu.Lock()
	defer c.msgMu.Unlock()
	delete(c.messages, msgKey(userID, chatID))
}

// PutDraft stores a user's latest draft slot for a chat.
func (c *Cache) PutDraft(userID, chatID string, d CachedDraft) {
	c.draftMu.Lock()
	defer c.draftMu.Unlock()
	c.drafts[msgKey(userID, chatID)] = d
}

// GetDraft reads a user's draft slot for a chat.
func (c *Cache) GetDraft(userID, chatID string) (CachedDraft, bool) {
	c.draftMu.RLock()
	defer c.draftMu.RUnlock()
	d, ok := c.drafts[msgKey(userID, chatID)]
	return d, ok
}

// DeleteDraft removes a draft slot outright (used rarely; drafts
// normally persist indefinitely until replaced).
func (c *Cache) DeleteDraft(userID, chatID string) {
	c.draftMu.Lock()
	defer c.draftMu.Unlock()
	delete(c.drafts, msgKey(userID, chatID))
}

// PutChatTitle stores a chat's encrypted title and the key_id it was
// sealed under.
func (c *Cache) PutChatTitle(chatID string, t CachedChatMeta) {
	c.chatMetaMu.Lock()
	defer c.chatMetaMu.Unlock()
	c.chatMeta[chatID] = t
}

// GetChatTitle reads a chat's cached title metadata.
func (c *Cache) GetChatTitle(chatID string) (CachedChatMeta, bool) {
	c.chatMetaMu.RLock()
	defer c.chatMetaMu.RUnlock()
	t, ok := c.chatMeta[chatID]
	return t, ok
}

// PushPendingDelivery appends a JSON event payload to userID's FIFO
// (spec §4.9), stamped with the PendingDeliveryTTL deadline.
func (c *Cache) PushPendingDelivery(userID string, payload []byte) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending[userID] = append(c.pending[userID], pendingEntry{
		payload:   payload,
		expiresAt: c.now().Add(PendingDeliveryTTL),
	})
}

// DrainPendingDelivery atomically reads and clears userID's FIFO
// (read-all-then-delete under one lock, spec §4.9), preserving FIFO
// order and silently discarding anything that aged past
// PendingDeliveryTTL while queued.
func (c *Cache) DrainPendingDelivery(userID string) [][]byte {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	entries := c.pending[userID]
	delete(c.pending, userID)

	now := c.now()
	out := make([][]byte, 0, len(entries))
	for _, e := range entries {
		if now.Before(e.expiresAt) {
			out = append(out, e.payload)
		}
	}
	return out
}

// PendingDeliveryLen reports the queue depth for userID, for tests and
// metrics.
func (c *Cache) PendingDeliveryLen(userID string) int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending[userID])
}

// pendingSnapshot returns a copy of every user's current pending-delivery
// payloads (not the expiry metadata), for spill.
func (c *Cache) pendingSnapshot() map[string][][]byte {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	out := make(map[string][][]byte, len(c.pending))
	for userID, entries := range c.pending {
		payloads := make([][]byte, 0, len(entries))
		for _, e := range entries {
			payloads = append(payloads, e.payload)
		}
		out[userID] = payloads
	}
	return out
}

// ReminderSchedule exposes the `reminders:schedule` sorted set to
// ReminderEngine.
func (c *Cache) ReminderSchedule() *SortedSet { return c.reminderSchedule }

// PutReminder upserts a reminder's full record and its schedule-set
// entry together, keeping both in sync.
func (c *Cache) PutReminder(r Reminder) {
	c.reminderMu.Lock()
	c.reminders[r.ReminderID] = r
	c.reminderMu.Unlock()
	c.reminderSchedule.Upsert(r.ReminderID, float64(r.TriggerAt.Unix()))
}

// GetReminder reads a reminder's full record.
func (c *Cache) GetReminder(reminderID string) (Reminder, bool) {
	c.reminderMu.RLock()
	defer c.reminderMu.RUnlock()
	r, ok := c.reminders[reminderID]
	return r, ok
}

// DeleteReminder removes a reminder's record and schedule entry.
func (c *Cache) DeleteReminder(reminderID string) {
	c.reminderMu.Lock()
	delete(c.reminders, reminderID)
	c.reminderMu.Unlock()
	c.reminderSchedule.Remove(reminderID)
}

// AllReminders returns every reminder currently held, used by startup
// crash-recovery (spec §4.8 failure model) and spill/restore.
func (c *Cache) AllReminders() []Reminder {
	c.reminderMu.RLock()
	defer c.reminderMu.RUnlock()
	out := make([]Reminder, 0, len(c.reminders))
	for _, r := range c.reminders {
		out = append(out, r)
	}
	return out
}

func (c *Cache) Now() time.Time { return c.now() }

func (c *Cache) String() string {
	return fmt.Sprintf("hotcache(topN=%d)", c.topN)
}
