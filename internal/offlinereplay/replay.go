// Package offlinereplay applies a reconnecting device's queued offline
// edits against the conflict rule, one change at a time (spec §4.5).
// It is grounded on the teacher-adjacent original_source handler
// offline_sync_handler.py: a per-change read-versions-then-apply loop,
// conflict counting, and no batch-level atomicity (spec §9 "Offline
// batch atomicity" — a reject on one change never halts the batch).
package offlinereplay

import (
	"context"
	"time"

	"github.com/openmates/synccore/internal/contentlimits"
	"github.com/openmates/synccore/internal/hotcache"
	"github.com/openmates/synccore/internal/keyvault"
	"github.com/openmates/synccore/internal/versionengine"
)

// ChangeType is the closed set of offline-editable components (spec
// §4.5: "type ∈ {title, draft}").
type ChangeType string

const (
	ChangeTitle ChangeType = "title"
	ChangeDraft ChangeType = "draft"
)

// Change is one queued offline edit as delivered in a
// sync_offline_changes batch.
type Change struct {
	ChatID            string
	Type              ChangeType
	VersionBeforeEdit int64

	// NewTitle is the plaintext title (ChangeTitle only); the server
	// seals it with the chat KEK via KeyVault, same as a live
	// update_title (spec §3: titles use the chat-scoped KEK, not an
	// end-to-end client key).
	NewTitle string

	// NewDraftCiphertext is the already client-encrypted draft markdown
	// (ChangeDraft only); nil clears the draft. It is stored verbatim,
	// never re-encrypted server-side (spec §4.5).
	NewDraftCiphertext []byte
}

// Event is one outbound fan-out frame produced by an accepted change,
// destined for every device of the user, the sending device included.
type Event struct {
	Name                       string // chat_title_updated | chat_draft_updated
	ChatID                     string
	Data                       map[string]any
	Versions                   map[string]int64
	LastEditedOverallTimestamp *time.Time
}

// Summary is the batch result sent back to the originating device only
// as offline_sync_complete (spec §4.5).
type Summary struct {
	Processed int
	Conflicts int
	Errors    int
}

// Result is everything Apply produces from one batch.
type Result struct {
	Summary Summary
	Events  []Event
}

// PersistenceQueue is the subset of PersistenceWorker OfflineReplayer
// needs: title edits get their persistence task here; for draft edits
// the caller enqueues persistence from the returned chat_draft_updated
// event.
type PersistenceQueue interface {
	EnqueueTitle(chatID string)
}

// Engine is the OfflineReplayer (spec §4.5).
type Engine struct {
	versions *versionengine.Engine
	cache    *hotcache.Cache
	vault    keyvault.Vault
	persist  PersistenceQueue
}

func New(versions *versionengine.Engine, cache *hotcache.Cache, vault keyvault.Vault, persist PersistenceQueue) *Engine {
	return &Engine{versions: versions, cache: cache, vault: vault, persist: persist}
}

// Apply replays a batch in order for one (userID, chatID-scoped)
// device. Changes are applied in the order given; a reject or error on
// one change never halts the rest of the batch.
func (e *Engine) Apply(ctx context.Context, userID string, changes []Change) Result {
	var res Result
	for _, ch := range changes {
		ev, accepted, err := e.applyOne(ctx, userID, ch)
		switch {
		case err != nil:
			res.Summary.Errors++
		case !accepted:
			res.Summary.Conflicts++
		default:
			res.Summary.Processed++
			if ev != nil {
				res.Events = append(res.Events, *ev)
			}
		}
	}
	return res
}

func (e *Engine) applyOne(ctx context.Context, userID string, ch Change) (*Event, bool, error) {
	switch ch.Type {
	case ChangeTitle:
		return e.applyTitle(ctx, userID, ch)
	case ChangeDraft:
		return e.applyDraft(ctx, userID, ch)
	default:
		return nil, false, errUnknownChangeType(ch.Type)
	}
}

func (e *Engine) applyTitle(ctx context.Context, userID string, ch Change) (*Event, bool, error) {
	if err := contentlimits.ValidateTitle(ch.NewTitle); err != nil {
		return nil, false, err
	}

	decision, err := e.versions.Apply(ctx, ch.ChatID, versionengine.ComponentTitle, ch.VersionBeforeEdit)
	if err != nil {
		return nil, false, err
	}
	if !decision.Accepted {
		return nil, false, nil
	}

	meta, _ := e.cache.GetChatTitle(ch.ChatID)
	keyID := meta.VaultKeyID
	if keyID == "" {
		var kerr error
		keyID, kerr = e.vault.CreateUserKey(ctx)
		if kerr != nil {
			return nil, false, kerr
		}
	}
	env, err := e.vault.Encrypt(ctx, []byte(ch.NewTitle), keyID, "chat-title:"+ch.ChatID)
	if err != nil {
		return nil, false, err
	}
	envBytes, err := env.Bytes()
	if err != nil {
		return nil, false, err
	}
	e.cache.PutChatTitle(ch.ChatID, hotcache.CachedChatMeta{EncryptedTitle: envBytes, VaultKeyID: keyID})

	now := e.cache.Now()
	e.versions.UpdateScore(ctx, userID, ch.ChatID, now)
	if e.persist != nil {
		e.persist.EnqueueTitle(ch.ChatID)
	}

	return &Event{
		Name:                       "chat_title_updated",
		ChatID:                     ch.ChatID,
		Data:                       map[string]any{"title": ch.NewTitle},
		Versions:                   map[string]int64{"title_v": decision.NewV},
		LastEditedOverallTimestamp: &now,
	}, true, nil
}

func (e *Engine) applyDraft(ctx context.Context, userID string, ch Change) (*Event, bool, error) {
	if ch.NewDraftCiphertext != nil {
		if err := contentlimits.ValidateCiphertext(ch.NewDraftCiphertext); err != nil {
			return nil, false, err
		}
	}

	decision, err := e.versions.ApplyDraft(ctx, userID, ch.ChatID, ch.VersionBeforeEdit)
	if err != nil {
		return nil, false, err
	}
	if !decision.Accepted {
		return nil, false, nil
	}

	now := e.cache.Now()
	e.cache.PutDraft(userID, ch.ChatID, hotcache.CachedDraft{
		EncryptedContent: ch.NewDraftCiphertext,
		DraftV:           decision.NewV,
		LastEdited:       now,
	})
	e.versions.UpdateScore(ctx, userID, ch.ChatID, now)
	// Draft persistence is not enqueued here; the caller enqueues it
	// from the returned chat_draft_updated event.

	return &Event{
		Name:                       "chat_draft_updated",
		ChatID:                     ch.ChatID,
		Data:                       map[string]any{"draft_ciphertext": ch.NewDraftCiphertext},
		Versions:                   map[string]int64{"draft_v": decision.NewV},
		LastEditedOverallTimestamp: &now,
	}, true, nil
}

type unknownChangeTypeError struct{ t ChangeType }

func (e unknownChangeTypeError) Error() string {
	return "offlinereplay: unknown change type " + string(e.t)
}

func errUnknownChangeType(t ChangeType) error { return unknownChangeTypeError{t: t} }
