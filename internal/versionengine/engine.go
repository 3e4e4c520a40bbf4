// Package versionengine issues and advances per-chat version
// components and arbitrates write conflicts (spec §4.3). It is pure
// logic over HotCache's per-chat mutex map — no new storage surface of
// its own, grounded on the teacher's cache_policy.go discipline: no
// hidden time.Now, every timestamp is caller-supplied.
package versionengine

import (
	"context"
	"time"

	"github.com/openmates/synccore/internal/hotcache"
)

// Component names the version being incremented (spec §4.3).
type Component string

const (
	ComponentTitle    Component = "title_v"
	ComponentDraft    Component = "draft_v"
	ComponentMessages Component = "messages_v"
)

// VersionVector is the per-(user,chat) view (spec §3 VersionVector):
// `{title_v, draft_v, messages_v, last_edited_overall_timestamp}`.
type VersionVector struct {
	TitleV                     int64
	DraftV                     int64
	MessagesV                  int64
	LastEditedOverallTimestamp time.Time
}

// Engine is the VersionEngine (spec §4.3).
type Engine struct {
	cache *hotcache.Cache
}

func New(cache *hotcache.Cache) *Engine {
	return &Engine{cache: cache}
}

// Increment atomically advances chat_id's title_v or messages_v by 1
// and returns the new value. draft_v is per-user and handled by
// IncrementDraft, not here, since HotCache's draft slots are keyed by
// (user_id, chat_id), not chat_id alone.
func (e *Engine) Increment(ctx context.Context, chatID string, component Component) (int64, error) {
	_ = ctx
	unlock := e.cache.LockChat(chatID)
	defer unlock()

	v, _ := e.cache.GetChatVersions(chatID)
	switch component {
	case ComponentTitle:
		v.TitleV++
	case ComponentMessages:
		v.MessagesV++
	default:
		return 0, errInvalidComponent(component)
	}
	e.cache.PutChatVersions(chatID, v)

	if component == ComponentTitle {
		return v.TitleV, nil
	}
	return v.MessagesV, nil
}

// IncrementDraft atomically advances userID's draft_v for chatID and
// returns the new value (spec §4.3 edge case: "draft_v is per-user;
// concurrent draft edits across two devices of the same user resolve
// strictly by who reaches the VersionEngine first" — enforced here by
// taking the same per-chat lock before touching the draft slot).
func (e *Engine) IncrementDraft(ctx context.Context, userID, chatID string) (int64, error) {
	_ = ctx
	unlock := e.cache.LockChat(chatID)
	defer unlock()

	d, _ := e.cache.GetDraft(userID, chatID)
	d.DraftV++
	e.cache.PutDraft(userID, chatID, d)
	return d.DraftV, nil
}

// ReadVersions returns the current version vector visible to userID
// for chatID (spec §4.3 `read_versions`).
func (e *Engine) ReadVersions(ctx context.Context, userID, chatID string) VersionVector {
	_ = ctx
	cv, _ := e.cache.GetChatVersions(chatID)
	d, _ := e.cache.GetDraft(userID, chatID)

	var lastEdited time.Time
	if score, ok := e.cache.ChatIndexScore(userID, chatID); ok {
		lastEdited = time.Unix(int64(score), 0).UTC()
	}
	return VersionVector{
		TitleV:                     cv.TitleV,
		DraftV:                     d.DraftV,
		MessagesV:                  cv.MessagesV,
		LastEditedOverallTimestamp: lastEdited,
	}
}

// UpdateScore updates userID's sorted chat index entry for chatID
// (spec §4.3 `update_score`).
func (e *Engine) UpdateScore(ctx context.Context, userID, chatID string, ts time.Time) {
	_ = ctx
	e.cache.UpdateChatIndexScore(userID, chatID, ts)
}

// Decision is the outcome of applying the conflict rule (spec §4.3).
type Decision struct {
	Accepted bool
	NewV     int64
}

// Apply implements the Conflict rule used by both OfflineReplayer and
// live writes (spec §4.3): if versionBeforeEdit >= serverV, accept,
// increment, and commit; otherwise reject with no mutation. There is
// no merge — last-accepted-write wins at the component granularity.
func (e *Engine) Apply(ctx context.Context, chatID string, component Component, versionBeforeEdit int64) (Decision, error) {
	_ = ctx
	unlock := e.cache.LockChat(chatID)
	defer unlock()

	v, _ := e.cache.GetChatVersions(chatID)
	var serverV int64
	switch component {
	case ComponentTitle:
		serverV = v.TitleV
	case ComponentMessages:
		serverV = v.MessagesV
	default:
		return Decision{}, errInvalidComponent(component)
	}

	if versionBeforeEdit < serverV {
		return Decision{Accepted: false, NewV: serverV}, nil
	}

	switch component {
	case ComponentTitle:
		v.TitleV++
		serverV = v.TitleV
	case ComponentMessages:
		v.MessagesV++
		serverV = v.MessagesV
	}
	e.cache.PutChatVersions(chatID, v)
	return Decision{Accepted: true, NewV: serverV}, nil
}

// ApplyDraft is Apply specialized for the per-(user,chat) draft_v
// component (spec §4.3 edge case).
func (e *Engine) ApplyDraft(ctx context.Context, userID, chatID string, versionBeforeEdit int64) (Decision, error) {
	_ = ctx
	unlock := e.cache.LockChat(chatID)
	defer unlock()

	d, _ := e.cache.GetDraft(userID, chatID)
	if versionBeforeEdit < d.DraftV {
		return Decision{Accepted: false, NewV: d.DraftV}, nil
	}
	d.DraftV++
	e.cache.PutDraft(userID, chatID, d)
	return Decision{Accepted: true, NewV: d.DraftV}, nil
}

type invalidComponentError struct{ component Component }

func (e invalidComponentError) Error() string {
	return "versionengine: invalid component " + string(e.component)
}

func errInvalidComponent(c Component) error { return invalidComponentError{component: c} }
