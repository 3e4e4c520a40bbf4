// Package syncbroker is the SyncBroker (spec §4.4): the WebSocket
// gateway that owns per-user device connection sets, dispatches
// inbound actions, and fans out outbound events.
package syncbroker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openmates/synccore/internal/contentlimits"
	"github.com/openmates/synccore/internal/errs"
	"github.com/openmates/synccore/internal/hotcache"
	"github.com/openmates/synccore/internal/keyvault"
	"github.com/openmates/synccore/internal/offlinereplay"
	"github.com/openmates/synccore/internal/pendingdelivery"
	"github.com/openmates/synccore/internal/persistworker"
	"github.com/openmates/synccore/internal/telemetry"
	"github.com/openmates/synccore/internal/versionengine"
)

// Broker wires every other component's read/write surface into the
// inbound action dispatch (spec §4.4/§2 data flow: "client ->
// SyncBroker (WebSocket) -> VersionEngine -> HotCache -> PersistenceWorker").
type Broker struct {
	hub      *Hub
	versions *versionengine.Engine
	cache    *hotcache.Cache
	vault    keyvault.Vault
	offline  *offlinereplay.Engine
	persist  *persistworker.Worker
	pending  *pendingdelivery.Queue
	log      *telemetry.Logger
}

func NewBroker(hub *Hub, versions *versionengine.Engine, cache *hotcache.Cache, vault keyvault.Vault, offline *offlinereplay.Engine, persist *persistworker.Worker, pending *pendingdelivery.Queue, log *telemetry.Logger) *Broker {
	if log == nil {
		log = telemetry.Nop
	}
	return &Broker{
		hub: hub, versions: versions, cache: cache, vault: vault,
		offline: offline, persist: persist, pending: pending, log: log,
	}
}

// Dispatch decodes one inbound frame and routes it through the closed
// action set (spec §9 "Dynamic config objects": a fixed switch; an
// unrecognized type is rejected, never silently ignored).
func (b *Broker) Dispatch(ctx context.Context, sess *DeviceSession, raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		sess.enqueueError(newErrorFrame(errs.New(errs.Validation, "malformed frame")))
		return
	}

	if frame.Type != actionTyping && b.persist.Overloaded() {
		sess.enqueueError(newErrorFrame(errs.New(errs.Overloaded, "persistence queue above its high-water mark")))
		return
	}

	switch frame.Type {
	case actionUpdateTitle:
		b.handleUpdateTitle(ctx, sess, frame.Payload)
	case actionUpdateDraft:
		b.handleUpdateDraft(ctx, sess, frame.Payload)
	case actionAppendMessage:
		b.handleAppendMessage(ctx, sess, frame.Payload)
	case actionSyncOfflineChanges:
		b.handleSyncOfflineChanges(ctx, sess, frame.Payload)
	case actionTyping:
		b.handleTyping(ctx, sess, frame.Payload)
	default:
		sess.enqueueError(newErrorFrame(errs.New(errs.Validation, "unrecognized action type: "+frame.Type)))
	}
}

func (b *Broker) handleUpdateTitle(ctx context.Context, sess *DeviceSession, raw json.RawMessage) {
	var p updateTitlePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		sess.enqueueError(newErrorFrame(errs.New(errs.Validation, "malformed update_title payload")))
		return
	}
	if err := contentlimits.ValidateTitle(p.Title); err != nil {
		sess.enqueueError(newErrorFrame(errs.New(errs.SizeLimit, "title exceeds size limit").WithChat(p.ChatID)))
		return
	}

	decision, err := b.versions.Apply(ctx, p.ChatID, versionengine.ComponentTitle, p.BasedOnVersion)
	if err != nil {
		sess.enqueueError(newErrorFrame(errs.New(errs.Internal, err.Error()).WithChat(p.ChatID)))
		return
	}
	if !decision.Accepted {
		sess.enqueueError(newErrorFrame(errs.New(errs.VersionConflict, "stale based_on_version").WithChat(p.ChatID)))
		return
	}

	keyID, kerr := b.chatKeyID(ctx, p.ChatID)
	if kerr != nil {
		sess.enqueueError(newErrorFrame(errs.New(errs.KVUnavailable, kerr.Error()).WithChat(p.ChatID)))
		return
	}
	envBytes, eerr := b.seal(ctx, []byte(p.Title), keyID, "chat-title:"+p.ChatID)
	if eerr != nil {
		sess.enqueueError(newErrorFrame(errs.New(errs.Internal, "title encryption failed").WithChat(p.ChatID)))
		return
	}
	b.cache.PutChatTitle(p.ChatID, hotcache.CachedChatMeta{EncryptedTitle: envBytes, VaultKeyID: keyID})

	now := b.cache.Now()
	b.versions.UpdateScore(ctx, sess.userID, p.ChatID, now)
	b.persist.EnqueueTitle(p.ChatID)
	b.persist.MaintainTopN(ctx, sess.userID, p.ChatID)

	b.hub.BroadcastToUser(sess.userID, withTimestamp(pendingdelivery.Event{
		Name:     eventChatTitleUpdated,
		ChatID:   p.ChatID,
		Data:     map[string]any{"title": p.Title},
		Versions: map[string]int64{"title_v": decision.NewV},
	}, now), sess.deviceFingerprintHash)
}

func (b *Broker) handleUpdateDraft(ctx context.Context, sess *DeviceSession, raw json.RawMessage) {
	var p updateDraftPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		sess.enqueueError(newErrorFrame(errs.New(errs.Validation, "malformed update_draft payload")))
		return
	}
	if err := contentlimits.ValidateCiphertext(p.EncryptedDraftMD); err != nil {
		sess.enqueueError(newErrorFrame(errs.New(errs.SizeLimit, "draft exceeds size limit").WithChat(p.ChatID)))
		return
	}

	decision, err := b.versions.ApplyDraft(ctx, sess.userID, p.ChatID, p.BasedOnVersion)
	if err != nil {
		sess.enqueueError(newErrorFrame(errs.New(errs.Internal, err.Error()).WithChat(p.ChatID)))
		return
	}
	if !decision.Accepted {
		sess.enqueueError(newErrorFrame(errs.New(errs.VersionConflict, "stale based_on_version").WithChat(p.ChatID)))
		return
	}

	now := b.cache.Now()
	b.cache.PutDraft(sess.userID, p.ChatID, hotcache.CachedDraft{
		EncryptedContent: p.EncryptedDraftMD,
		DraftV:           decision.NewV,
		LastEdited:       now,
	})
	b.versions.UpdateScore(ctx, sess.userID, p.ChatID, now)
	b.persist.EnqueueDraft(sess.userID, p.ChatID, decision.NewV)
	b.persist.MaintainTopN(ctx, sess.userID, p.ChatID)

	b.hub.BroadcastToUser(sess.userID, withTimestamp(pendingdelivery.Event{
		Name:     eventChatDraftUpdated,
		ChatID:   p.ChatID,
		Data:     map[string]any{"draft_ciphertext": p.EncryptedDraftMD},
		Versions: map[string]int64{"draft_v": decision.NewV},
	}, now), sess.deviceFingerprintHash)
}

func (b *Broker) handleAppendMessage(ctx context.Context, sess *DeviceSession, raw json.RawMessage) {
	var p appendMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		sess.enqueueError(newErrorFrame(errs.New(errs.Validation, "malformed append_message payload")))
		return
	}
	if p.ChatID == "" || p.Message.ID == "" {
		sess.enqueueError(newErrorFrame(errs.New(errs.Validation, "append_message requires chat_id and message.id").WithChat(p.ChatID)))
		return
	}
	if err := contentlimits.ValidateBodyText(p.Message.Content); err != nil {
		sess.enqueueError(newErrorFrame(errs.New(errs.SizeLimit, "message exceeds size limit").WithChat(p.ChatID)))
		return
	}

	keyID, kerr := b.chatKeyID(ctx, p.ChatID)
	if kerr != nil {
		sess.enqueueError(newErrorFrame(errs.New(errs.KVUnavailable, kerr.Error()).WithChat(p.ChatID)))
		return
	}
	envBytes, eerr := b.seal(ctx, []byte(p.Message.Content), keyID, "chat-message:"+p.ChatID)
	if eerr != nil {
		sess.enqueueError(newErrorFrame(errs.New(errs.Internal, "message encryption failed").WithChat(p.ChatID)))
		return
	}

	now := b.cache.Now()
	version, verr := b.versions.Increment(ctx, p.ChatID, versionengine.ComponentMessages)
	if verr != nil {
		sess.enqueueError(newErrorFrame(errs.New(errs.Internal, verr.Error()).WithChat(p.ChatID)))
		return
	}
	msg := hotcache.CachedMessage{ID: p.Message.ID, EncryptedContent: envBytes, SenderName: p.Message.SenderName, CreatedAt: now}
	b.cache.AppendMessage(sess.userID, p.ChatID, msg)
	b.versions.UpdateScore(ctx, sess.userID, p.ChatID, now)
	b.persist.EnqueueMessage(p.ChatID, sess.userID, msg, version)
	b.persist.MaintainTopN(ctx, sess.userID, p.ChatID)

	b.hub.BroadcastToUser(sess.userID, withTimestamp(pendingdelivery.Event{
		Name:     eventChatMessageAppended,
		ChatID:   p.ChatID,
		Data:     map[string]any{"id": p.Message.ID, "content": p.Message.Content, "sender_name": p.Message.SenderName},
		Versions: map[string]int64{"messages_v": version},
	}, now), sess.deviceFingerprintHash)
}

// handleSyncOfflineChanges delegates to OfflineReplayer and fans out its
// produced events to every device of the user, including the sender's
// other devices (spec §4.5: no exclusion, unlike a live edit).
func (b *Broker) handleSyncOfflineChanges(ctx context.Context, sess *DeviceSession, raw json.RawMessage) {
	var p syncOfflineChangesPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		sess.enqueueError(newErrorFrame(errs.New(errs.Validation, "malformed sync_offline_changes payload")))
		return
	}

	changes := make([]offlinereplay.Change, 0, len(p.Changes))
	for _, c := range p.Changes {
		changes = append(changes, offlinereplay.Change{
			ChatID:             c.ChatID,
			Type:               offlinereplay.ChangeType(c.Type),
			VersionBeforeEdit:  c.VersionBeforeEdit,
			NewTitle:           c.NewTitle,
			NewDraftCiphertext: c.NewDraftCiphertext,
		})
	}

	result := b.offline.Apply(ctx, sess.userID, changes)
	for _, ev := range result.Events {
		if ev.Name == "chat_draft_updated" {
			b.persist.EnqueueDraft(sess.userID, ev.ChatID, ev.Versions["draft_v"])
		}
		b.hub.BroadcastToUser(sess.userID, toFrame(ev), "")
		b.persist.MaintainTopN(ctx, sess.userID, ev.ChatID)
	}

	sess.enqueue(pendingdelivery.Event{
		Name: eventOfflineSyncComplete,
		Data: map[string]any{
			"processed": result.Summary.Processed,
			"conflicts": result.Summary.Conflicts,
			"errors":    result.Summary.Errors,
		},
	})
}

// handleTyping is optional and non-persisted (spec §4.4): it fans out
// to the same user's other devices only, since chats have exactly one
// owner (spec §3 Chat: "owner relation, not a sharing model").
func (b *Broker) handleTyping(ctx context.Context, sess *DeviceSession, raw json.RawMessage) {
	_ = ctx
	var p typingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		sess.enqueueError(newErrorFrame(errs.New(errs.Validation, "malformed typing payload")))
		return
	}
	b.hub.BroadcastToUser(sess.userID, pendingdelivery.Event{
		Name:   eventTyping,
		ChatID: p.ChatID,
		Data:   map[string]any{"typing": p.Typing},
	}, sess.deviceFingerprintHash)
}

// chatKeyID returns chatID's chat-scoped KEK key_id, minting one via
// KeyVault the first time the chat is touched (spec §3: title and
// messages share the same chat_aes_key).
func (b *Broker) chatKeyID(ctx context.Context, chatID string) (string, error) {
	meta, _ := b.cache.GetChatTitle(chatID)
	if meta.VaultKeyID != "" {
		return meta.VaultKeyID, nil
	}
	keyID, err := b.vault.CreateUserKey(ctx)
	if err != nil {
		return "", err
	}
	b.cache.PutChatTitle(chatID, hotcache.CachedChatMeta{EncryptedTitle: meta.EncryptedTitle, VaultKeyID: keyID})
	return keyID, nil
}

func (b *Broker) seal(ctx context.Context, plaintext []byte, keyID, purposeContext string) ([]byte, error) {
	env, err := b.vault.Encrypt(ctx, plaintext, keyID, purposeContext)
	if err != nil {
		return nil, err
	}
	return env.Bytes()
}

func withTimestamp(ev pendingdelivery.Event, ts time.Time) pendingdelivery.Event {
	s := ts.UTC().Format(time.RFC3339Nano)
	ev.LastEditedOverallTimestamp = &s
	return ev
}

// toFrame converts an offlinereplay.Event (time.Time-typed) into a
// pendingdelivery.Event (string-typed) — the same wire shape, stamped
// to match the outbound event frame (spec §6).
func toFrame(ev offlinereplay.Event) pendingdelivery.Event {
	var ts *string
	if ev.LastEditedOverallTimestamp != nil {
		s := ev.LastEditedOverallTimestamp.UTC().Format(time.RFC3339Nano)
		ts = &s
	}
	return pendingdelivery.Event{
		Name:                       ev.Name,
		ChatID:                     ev.ChatID,
		Data:                       ev.Data,
		Versions:                   ev.Versions,
		LastEditedOverallTimestamp: ts,
	}
}
