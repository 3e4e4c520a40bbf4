// Package persistworker is the PersistenceWorker: the only writer of
// MetadataStore (spec §4.6/§5). It drains HotCache state asynchronously,
// at least once, with retry/backoff, draft coalescing, an in-process
// dead-letter list, and singleflight-deduped Top-N cache-warm
// read-through. Structurally adapted from the teacher's pkg/queue
// Runner/RetryPolicy/DLQ shape, kept in-process rather than fronted by
// a distributed queue backend since SyncCore has exactly one
// PersistenceWorker instance per process (spec §5 "MetadataStore is
// written only by PersistenceWorker").
package persistworker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/openmates/synccore/internal/hotcache"
	"github.com/openmates/synccore/internal/keyvault"
	"github.com/openmates/synccore/internal/metadatastore"
	"github.com/openmates/synccore/internal/telemetry"
	"github.com/openmates/synccore/pkg/idempotency"
	"github.com/openmates/synccore/pkg/queue"
)

// Component names the kind of flush a Task performs (spec §4.6).
type Component string

const (
	ComponentTitle   Component = "title"
	ComponentMessage Component = "message"
	ComponentDraft   Component = "draft"
)

// DefaultQueueName is the nominal queue name attached to dead-lettered
// tasks — there is no external broker, but pkg/queue's DLQRecord shape
// still wants one for its Queue field.
const DefaultQueueName queue.QueueName = "persistworker"

// Task is one pending flush. Title and draft tasks read their payload
// back out of HotCache at flush time (both are stored unconditionally,
// regardless of Top-N membership); message tasks carry the message
// directly since HotCache only warms messages for Top-N chats and an
// out-of-Top-N message would otherwise have nowhere to be read from.
type Task struct {
	Component Component
	ChatID    string
	UserID    string // draft, and message (to create the chat row on first write)
	Version   int64
	Message   *hotcache.CachedMessage // message only
}

// Options configures a Worker (spec §4.6 policy knobs, mirrored from
// config.PersistWorkerSettings).
type Options struct {
	Concurrency int
	MaxAttempts int
	// HighWaterMark is the queue depth above which SyncBroker starts
	// rejecting new writes with error{kind: Overloaded} (spec §5).
	HighWaterMark int
	Log           *telemetry.Logger
}

// Worker is the PersistenceWorker.
type Worker struct {
	cache *hotcache.Cache
	store metadatastore.Store
	vault keyvault.Vault
	log   *telemetry.Logger

	concurrency int
	maxAttempts int
	highWater   int

	tasks       chan Task
	draftSignal chan string

	draftMu     sync.Mutex
	draftLatest map[string]Task
	draftPend   map[string]bool

	warmGroup singleflight.Group

	dlq *deadLetterList

	depth int64
}

func New(cache *hotcache.Cache, store metadatastore.Store, vault keyvault.Vault, opts Options) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.HighWaterMark <= 0 {
		opts.HighWaterMark = 5000
	}
	if opts.Log == nil {
		opts.Log = telemetry.Nop
	}
	return &Worker{
		cache:       cache,
		store:       store,
		vault:       vault,
		log:         opts.Log,
		concurrency: opts.Concurrency,
		maxAttempts: opts.MaxAttempts,
		highWater:   opts.HighWaterMark,
		tasks:       make(chan Task, opts.HighWaterMark*2),
		draftSignal: make(chan string, opts.HighWaterMark*2),
		draftLatest: make(map[string]Task),
		draftPend:   make(map[string]bool),
		dlq:         newDeadLetterList(),
	}
}

// Run starts the worker pool and blocks until ctx is cancelled. Once the
// workers have stopped, every task still queued is written before Run
// returns, so cancelling ctx at shutdown flushes the backlog.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(w.concurrency)
	for i := 0; i < w.concurrency; i++ {
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()

	// ctx is already cancelled here, so the flush writes use a fresh one.
	flushCtx := context.Background()
	for {
		select {
		case t := <-w.tasks:
			atomic.AddInt64(&w.depth, -1)
			w.process(flushCtx, t)
		case key := <-w.draftSignal:
			if t, ok := w.popDraftTask(key); ok {
				w.process(flushCtx, t)
			}
		default:
			return
		}
	}
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-w.tasks:
			atomic.AddInt64(&w.depth, -1)
			w.process(ctx, t)
		case key := <-w.draftSignal:
			if t, ok := w.popDraftTask(key); ok {
				w.process(ctx, t)
			}
		}
	}
}

// QueueDepth is the current backlog size, for SyncBroker's Overloaded
// backpressure check (spec §5).
func (w *Worker) QueueDepth() int {
	return int(atomic.LoadInt64(&w.depth))
}

// Overloaded reports whether the queue is above its configured
// high-water mark.
func (w *Worker) Overloaded() bool {
	return w.QueueDepth() >= w.highWater
}

// EnqueueTitle schedules an immediate title flush (spec §4.6: "Titles
// and messages: immediate enqueue on accept"). The current version is
// read from HotCache rather than carried by the caller, since the
// caller's only obligation is "a title changed" — HotCache is the
// single writable authority for the version itself.
func (w *Worker) EnqueueTitle(chatID string) {
	v, _ := w.cache.GetChatVersions(chatID)
	atomic.AddInt64(&w.depth, 1)
	w.tasks <- Task{Component: ComponentTitle, ChatID: chatID, Version: v.TitleV}
}

// EnqueueMessage schedules an immediate message flush. Unlike titles,
// the message payload is passed explicitly since HotCache only retains
// per-chat message arrays for chats currently in a user's Top-N. userID
// is carried so the flush can create the chat's MetadataStore row on
// its first message, per spec §3's "a chat row exists in MetadataStore
// only once the first message has been persisted" invariant.
func (w *Worker) EnqueueMessage(chatID, userID string, msg hotcache.CachedMessage, version int64) {
	m := msg
	atomic.AddInt64(&w.depth, 1)
	w.tasks <- Task{Component: ComponentMessage, ChatID: chatID, UserID: userID, Version: version, Message: &m}
}

// EnqueueDraft schedules a coalesced draft flush: a pending flush for
// the same (user_id, chat_id) is superseded in place rather than
// queued twice, since only the latest draft version needs persisting
// (spec §4.6).
func (w *Worker) EnqueueDraft(userID, chatID string, version int64) {
	key := draftKey(userID, chatID)
	task := Task{Component: ComponentDraft, ChatID: chatID, UserID: userID, Version: version}

	w.draftMu.Lock()
	_, alreadyPending := w.draftLatest[key]
	w.draftLatest[key] = task
	if !alreadyPending {
		w.draftPend[key] = true
	}
	w.draftMu.Unlock()

	if alreadyPending {
		return
	}
	atomic.AddInt64(&w.depth, 1)
	w.draftSignal <- key
}

func (w *Worker) popDraftTask(key string) (Task, bool) {
	atomic.AddInt64(&w.depth, -1)
	w.draftMu.Lock()
	defer w.draftMu.Unlock()
	t, ok := w.draftLatest[key]
	delete(w.draftLatest, key)
	delete(w.draftPend, key)
	return t, ok
}

func draftKey(userID, chatID string) string { return userID + "\x00" + chatID }

// process runs a task through exponential-backoff retry, parking it in
// the dead-letter list after MaxAttempts failures (spec §4.6).
func (w *Worker) process(ctx context.Context, t Task) {
	attempt := 0
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	operation := func() error {
		attempt++
		return w.writeOnce(ctx, t)
	}

	// WithMaxRetries counts retries after the first attempt.
	err := backoff.Retry(operation, backoff.WithMaxRetries(bo, uint64(w.maxAttempts-1)))
	if err != nil {
		w.deadLetter(t, attempt, err)
	}
}

// writeOnce performs one idempotent flush attempt. Idempotency is
// enforced two ways: the version-gated read-before-write here (spec
// §4.6: "the store refuses a write whose version ≤ stored_version"),
// and AppendMessage's own id-based ON CONFLICT DO NOTHING downstream.
func (w *Worker) writeOnce(ctx context.Context, t Task) error {
	// The idempotency key is computed but not persisted anywhere in
	// this in-process worker — MetadataStore's own version columns
	// already give every write a durable idempotency check, so the key
	// exists here only to match the shape callers would hand to an
	// external dedup store if one were introduced later.
	if _, err := idempotency.BuildKey("synccore", string(t.Component), t.ChatID, t.UserID, t.Version); err != nil {
		return err
	}

	switch t.Component {
	case ComponentTitle:
		return w.writeTitle(ctx, t)
	case ComponentMessage:
		return w.writeMessage(ctx, t)
	case ComponentDraft:
		return w.writeDraft(ctx, t)
	default:
		return errUnknownComponent(t.Component)
	}
}

func (w *Worker) writeTitle(ctx context.Context, t Task) error {
	meta, ok := w.cache.GetChatTitle(t.ChatID)
	if !ok {
		return nil
	}
	stored, found, err := w.store.GetChatMetadata(ctx, t.ChatID)
	if err != nil {
		return err
	}
	if found && stored.TitleV >= t.Version {
		return nil
	}
	return w.store.UpdateChatFields(ctx, t.ChatID, map[string]any{
		"encrypted_title": meta.EncryptedTitle,
		"vault_key_id":    meta.VaultKeyID,
		"title_v":         t.Version,
	})
}

// ensureChatExists creates chatID's MetadataStore row the first time
// any component flushes for it (spec §3: "a chat row exists in
// MetadataStore only once the first message has been persisted; before
// that it lives only in the current device's client state"). Any
// title already sitting in HotCache is carried over so a title set
// before the first message isn't lost.
func (w *Worker) ensureChatExists(ctx context.Context, chatID, userID string) error {
	_, found, err := w.store.GetChatMetadata(ctx, chatID)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	meta, _ := w.cache.GetChatTitle(chatID)
	now := w.cache.Now()
	_, err = w.store.CreateChat(ctx, metadatastore.Chat{
		ID:             chatID,
		UserID:         userID,
		EncryptedTitle: meta.EncryptedTitle,
		VaultKeyID:     meta.VaultKeyID,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	return err
}

func (w *Worker) writeMessage(ctx context.Context, t Task) error {
	if t.Message == nil {
		return nil
	}
	if err := w.ensureChatExists(ctx, t.ChatID, t.UserID); err != nil {
		return err
	}
	_, err := w.store.AppendMessage(ctx, t.ChatID, metadatastore.Message{
		ID:               t.Message.ID,
		ChatID:           t.ChatID,
		EncryptedContent: t.Message.EncryptedContent,
		SenderName:       t.Message.SenderName,
		CreatedAt:        t.Message.CreatedAt,
	})
	if err != nil {
		return err
	}
	if err := w.store.UpdateChatFields(ctx, t.ChatID, map[string]any{"messages_v": t.Version}); err != nil {
		return err
	}
	return nil
}

func (w *Worker) writeDraft(ctx context.Context, t Task) error {
	d, ok := w.cache.GetDraft(t.UserID, t.ChatID)
	if !ok {
		return nil
	}
	hashed, err := w.vault.HMAC(ctx, []byte(t.UserID), string(keyvault.PurposeEmailHMAC))
	if err != nil {
		return err
	}
	hashedUserID := hex.EncodeToString(hashed)

	stored, found, err := w.store.GetDraft(ctx, hashedUserID, t.ChatID)
	if err != nil {
		return err
	}
	if found && stored.Version >= t.Version {
		return nil
	}
	_, err = w.store.UpsertDraft(ctx, hashedUserID, t.ChatID, d.EncryptedContent, t.Version)
	return err
}

// WarmChatMessages reads a chat's message history back from
// MetadataStore into HotCache (spec §9.1 "Top-N cache maintenance").
// Concurrent calls for the same (user_id, chat_id) collapse into one
// MetadataStore read via singleflight.
func (w *Worker) WarmChatMessages(ctx context.Context, userID, chatID string) error {
	if _, ok := w.cache.GetMessages(userID, chatID); ok {
		return nil
	}
	_, err, _ := w.warmGroup.Do(draftKey(userID, chatID), func() (any, error) {
		msgs, err := w.store.ListChatMessages(ctx, chatID, 500)
		if err != nil {
			return nil, err
		}
		cached := make([]hotcache.CachedMessage, 0, len(msgs))
		for _, m := range msgs {
			cached = append(cached, hotcache.CachedMessage{
				ID:               m.ID,
				EncryptedContent: m.EncryptedContent,
				SenderName:       m.SenderName,
				CreatedAt:        m.CreatedAt,
			})
		}
		w.cache.PutMessages(userID, chatID, cached)
		return nil, nil
	})
	return err
}

// MaintainTopN applies the Top-N cache maintenance algorithm on every
// `update_score` (spec §4.4/§9.1): if chatID newly ranks within the
// user's Top-N and isn't cached, warm it; if the chat now sitting at
// rank N (the one pushed just out) is cached, evict it. A simple
// eviction: it assumes only one chat drops out of Top-N at a time,
// same as the algorithm it's grounded on.
func (w *Worker) MaintainTopN(ctx context.Context, userID, chatID string) {
	n := w.cache.TopN()
	if rank, ok := w.cache.ChatIndexRank(userID, chatID); ok && rank < n {
		if _, cached := w.cache.GetMessages(userID, chatID); !cached {
			if err := w.WarmChatMessages(ctx, userID, chatID); err != nil {
				w.log.Warn(ctx, "persistworker: top-n warm read-through failed", map[string]any{
					"chat_id": chatID, "error": err.Error(),
				})
			}
		}
	}
	entries := w.cache.ChatIndexTopN(userID, n+1)
	if len(entries) == n+1 {
		dropped := entries[n]
		w.cache.EvictMessages(userID, dropped.Member)
	}
}

// deadLetter parks a permanently-failing task (spec §4.6: "after N
// failures the task is parked in a dead-letter list and logged").
func (w *Worker) deadLetter(t Task, attempt int, cause error) {
	payload, _ := json.Marshal(t)
	env := queue.Envelope{
		Queue:   DefaultQueueName,
		Type:    string(t.Component),
		Tenant:  t.ChatID,
		Attempt: attempt,
		Payload: payload,
	}
	rec, err := queue.NewDLQRecord(DefaultQueueName, env, attempt, cause.Error(), w.cache.Now())
	if err != nil {
		w.log.Error(context.Background(), "persistworker: failed to build dlq record", map[string]any{"error": err.Error()})
		return
	}
	if err := w.dlq.Put(context.Background(), rec); err != nil {
		w.log.Error(context.Background(), "persistworker: failed to park dlq record", map[string]any{"error": err.Error()})
		return
	}
	w.log.Warn(context.Background(), "persistworker: task dead-lettered", map[string]any{
		"component": string(t.Component), "chat_id": t.ChatID, "attempts": attempt, "cause": cause.Error(),
	})
}

// DLQ exposes the dead-letter store for inspection/administration.
func (w *Worker) DLQ() queue.DLQStore { return w.dlq }

type unknownComponentError struct{ c Component }

func (e unknownComponentError) Error() string { return "persistworker: unknown component " + string(e.c) }

func errUnknownComponent(c Component) error { return unknownComponentError{c: c} }
