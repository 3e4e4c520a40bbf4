package syncbroker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmates/synccore/internal/errs"
	"github.com/openmates/synccore/internal/hotcache"
	"github.com/openmates/synccore/internal/keyvault"
	"github.com/openmates/synccore/internal/metadatastore"
	"github.com/openmates/synccore/internal/offlinereplay"
	"github.com/openmates/synccore/internal/pendingdelivery"
	"github.com/openmates/synccore/internal/persistworker"
	"github.com/openmates/synccore/internal/telemetry"
	"github.com/openmates/synccore/internal/versionengine"
)

type brokerFixture struct {
	broker  *Broker
	hub     *Hub
	cache   *hotcache.Cache
	persist *persistworker.Worker
	store   *metadatastore.SQLiteStore
}

func newBrokerFixture(t *testing.T) *brokerFixture {
	t.Helper()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return fixed }

	cache := hotcache.New(hotcache.Options{TopN: 2, Now: now})
	store, err := metadatastore.OpenSQLite(filepath.Join(t.TempDir(), "synccore.db"), metadatastore.PostgresOptions{Clock: now})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	vault, err := keyvault.NewInProcessVault(make([]byte, 32), nil, 0, 0, telemetry.Nop)
	if err != nil {
		t.Fatalf("NewInProcessVault: %v", err)
	}

	versions := versionengine.New(cache)
	persist := persistworker.New(cache, store, vault, persistworker.Options{
		Concurrency: 1, MaxAttempts: 1, HighWaterMark: 100, Log: telemetry.Nop,
	})
	offline := offlinereplay.New(versions, cache, vault, persist)
	hub := NewHub()
	pending := pendingdelivery.New(cache)

	broker := NewBroker(hub, versions, cache, vault, offline, persist, pending, telemetry.Nop)
	return &brokerFixture{broker: broker, hub: hub, cache: cache, persist: persist, store: store}
}

func frame(t *testing.T, typ string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	b, err := json.Marshal(inboundFrame{Type: typ, Payload: raw})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return b
}

func recvEvent(t *testing.T, sess *DeviceSession) pendingdelivery.Event {
	t.Helper()
	select {
	case b := <-sess.send:
		var ev pendingdelivery.Event
		if err := json.Unmarshal(b, &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		return ev
	default:
		t.Fatal("expected a queued frame, found none")
		return pendingdelivery.Event{}
	}
}

func recvError(t *testing.T, sess *DeviceSession) errorFrame {
	t.Helper()
	select {
	case b := <-sess.send:
		var ef errorFrame
		if err := json.Unmarshal(b, &ef); err != nil {
			t.Fatalf("unmarshal error frame: %v", err)
		}
		return ef
	default:
		t.Fatal("expected a queued error frame, found none")
		return errorFrame{}
	}
}

func TestDispatchRejectsUnknownActionType(t *testing.T) {
	fx := newBrokerFixture(t)
	sender := newTestSession(fx.hub, "user-1", "device-a")

	fx.broker.Dispatch(context.Background(), sender, frame(t, "not_a_real_action", map[string]any{}))

	ef := recvError(t, sender)
	if ef.Payload.Kind != errs.Validation {
		t.Fatalf("expected Validation error, got %+v", ef.Payload)
	}
}

func TestDispatchRejectsMalformedFrame(t *testing.T) {
	fx := newBrokerFixture(t)
	sender := newTestSession(fx.hub, "user-1", "device-a")

	fx.broker.Dispatch(context.Background(), sender, []byte("not json"))

	ef := recvError(t, sender)
	if ef.Payload.Kind != errs.Validation {
		t.Fatalf("expected Validation error, got %+v", ef.Payload)
	}
}

func TestUpdateTitleAcceptsAndBroadcastsExcludingSender(t *testing.T) {
	fx := newBrokerFixture(t)
	sender := newTestSession(fx.hub, "user-1", "device-a")
	other := newTestSession(fx.hub, "user-1", "device-b")
	fx.hub.register(sender)
	fx.hub.register(other)

	fx.broker.Dispatch(context.Background(), sender, frame(t, actionUpdateTitle, updateTitlePayload{
		ChatID: "chat-1", Title: "Trip planning", BasedOnVersion: 0,
	}))

	select {
	case <-sender.send:
		t.Fatal("sender's own device should not receive its own live update")
	default:
	}

	ev := recvEvent(t, other)
	if ev.Name != eventChatTitleUpdated || ev.ChatID != "chat-1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Versions["title_v"] != 1 {
		t.Fatalf("expected title_v 1, got %+v", ev.Versions)
	}

	meta, ok := fx.cache.GetChatTitle("chat-1")
	if !ok || len(meta.EncryptedTitle) == 0 || meta.VaultKeyID == "" {
		t.Fatalf("expected chat title to be sealed in HotCache, got %+v ok=%v", meta, ok)
	}
}

func TestUpdateTitleRejectsStaleBasedOnVersion(t *testing.T) {
	fx := newBrokerFixture(t)
	sender := newTestSession(fx.hub, "user-1", "device-a")

	fx.broker.Dispatch(context.Background(), sender, frame(t, actionUpdateTitle, updateTitlePayload{
		ChatID: "chat-1", Title: "first", BasedOnVersion: 0,
	}))

	fx.broker.Dispatch(context.Background(), sender, frame(t, actionUpdateTitle, updateTitlePayload{
		ChatID: "chat-1", Title: "stale write", BasedOnVersion: 0,
	}))
	ef := recvError(t, sender)
	if ef.Payload.Kind != errs.VersionConflict {
		t.Fatalf("expected VersionConflict, got %+v", ef.Payload)
	}
}

func TestUpdateTitleRejectsOversizedTitle(t *testing.T) {
	fx := newBrokerFixture(t)
	sender := newTestSession(fx.hub, "user-1", "device-a")

	huge := make([]byte, 400)
	for i := range huge {
		huge[i] = 'a'
	}
	fx.broker.Dispatch(context.Background(), sender, frame(t, actionUpdateTitle, updateTitlePayload{
		ChatID: "chat-1", Title: string(huge), BasedOnVersion: 0,
	}))

	ef := recvError(t, sender)
	if ef.Payload.Kind != errs.SizeLimit {
		t.Fatalf("expected SizeLimit, got %+v", ef.Payload)
	}
}

func TestUpdateDraftAppliesPerUserVersion(t *testing.T) {
	fx := newBrokerFixture(t)
	sender := newTestSession(fx.hub, "user-1", "device-a")

	fx.broker.Dispatch(context.Background(), sender, frame(t, actionUpdateDraft, updateDraftPayload{
		ChatID: "chat-1", EncryptedDraftMD: []byte("ciphertext"), BasedOnVersion: 0,
	}))

	d, ok := fx.cache.GetDraft("user-1", "chat-1")
	if !ok || d.DraftV != 1 {
		t.Fatalf("expected draft_v 1, got %+v ok=%v", d, ok)
	}
}

func TestAppendMessageEncryptsAndEnqueuesPersistence(t *testing.T) {
	fx := newBrokerFixture(t)
	sender := newTestSession(fx.hub, "user-1", "device-a")

	fx.broker.Dispatch(context.Background(), sender, frame(t, actionAppendMessage, appendMessagePayload{
		ChatID:  "chat-1",
		Message: messagePayload{ID: "msg-1", Content: "hello there", SenderName: "me"},
	}))

	if fx.persist.QueueDepth() != 1 {
		t.Fatalf("expected one persistence task queued, got depth %d", fx.persist.QueueDepth())
	}
	v, _ := fx.cache.GetChatVersions("chat-1")
	if v.MessagesV != 1 {
		t.Fatalf("expected messages_v 1, got %d", v.MessagesV)
	}
}

func TestAppendMessageRejectsMissingID(t *testing.T) {
	fx := newBrokerFixture(t)
	sender := newTestSession(fx.hub, "user-1", "device-a")

	fx.broker.Dispatch(context.Background(), sender, frame(t, actionAppendMessage, appendMessagePayload{
		ChatID:  "chat-1",
		Message: messagePayload{Content: "hello"},
	}))

	ef := recvError(t, sender)
	if ef.Payload.Kind != errs.Validation {
		t.Fatalf("expected Validation, got %+v", ef.Payload)
	}
}

func TestDispatchRejectsWritesWhenPersistenceOverloaded(t *testing.T) {
	fx := newBrokerFixture(t)
	sender := newTestSession(fx.hub, "user-1", "device-a")

	for i := 0; i < 100; i++ {
		fx.persist.EnqueueTitle("filler-chat")
	}
	if !fx.persist.Overloaded() {
		t.Fatal("expected persistence queue to report overloaded")
	}

	fx.broker.Dispatch(context.Background(), sender, frame(t, actionUpdateTitle, updateTitlePayload{
		ChatID: "chat-1", Title: "t", BasedOnVersion: 0,
	}))
	ef := recvError(t, sender)
	if ef.Payload.Kind != errs.Overloaded {
		t.Fatalf("expected Overloaded, got %+v", ef.Payload)
	}
}

func TestDispatchAllowsTypingWhenPersistenceOverloaded(t *testing.T) {
	fx := newBrokerFixture(t)
	sender := newTestSession(fx.hub, "user-1", "device-a")
	other := newTestSession(fx.hub, "user-1", "device-b")
	fx.hub.register(sender)
	fx.hub.register(other)

	for i := 0; i < 100; i++ {
		fx.persist.EnqueueTitle("filler-chat")
	}

	fx.broker.Dispatch(context.Background(), sender, frame(t, actionTyping, typingPayload{ChatID: "chat-1", Typing: true}))

	ev := recvEvent(t, other)
	if ev.Name != eventTyping {
		t.Fatalf("expected typing event to still reach other devices, got %+v", ev)
	}
}

func TestTypingBroadcastsToOtherDevicesOnly(t *testing.T) {
	fx := newBrokerFixture(t)
	sender := newTestSession(fx.hub, "user-1", "device-a")
	other := newTestSession(fx.hub, "user-1", "device-b")
	fx.hub.register(sender)
	fx.hub.register(other)

	fx.broker.Dispatch(context.Background(), sender, frame(t, actionTyping, typingPayload{ChatID: "chat-1", Typing: true}))

	select {
	case <-sender.send:
		t.Fatal("sender should not receive its own typing echo")
	default:
	}
	ev := recvEvent(t, other)
	if ev.Name != eventTyping || ev.Data["typing"] != true {
		t.Fatalf("unexpected typing event: %+v", ev)
	}
}

func TestSyncOfflineChangesAppliesAndRepliesToSenderOnly(t *testing.T) {
	fx := newBrokerFixture(t)
	sender := newTestSession(fx.hub, "user-1", "device-a")
	otherDevice := newTestSession(fx.hub, "user-1", "device-b")
	fx.hub.register(sender)
	fx.hub.register(otherDevice)

	fx.broker.Dispatch(context.Background(), sender, frame(t, actionSyncOfflineChanges, syncOfflineChangesPayload{
		Changes: []offlineChangePayload{
			{ChatID: "chat-1", Type: "title", VersionBeforeEdit: 0, NewTitle: "offline title"},
		},
	}))

	// Both devices (including the sender's other devices) get the
	// resulting chat_title_updated fan-out, with no exclusion.
	fanoutToOther := recvEvent(t, otherDevice)
	if fanoutToOther.Name != eventChatTitleUpdated {
		t.Fatalf("expected chat_title_updated fan-out, got %+v", fanoutToOther)
	}
	fanoutToSender := recvEvent(t, sender)
	if fanoutToSender.Name != eventChatTitleUpdated {
		t.Fatalf("expected the sender's own other-device fan-out too, got %+v", fanoutToSender)
	}

	complete := recvEvent(t, sender)
	if complete.Name != eventOfflineSyncComplete {
		t.Fatalf("expected offline_sync_complete reply to sender, got %+v", complete)
	}
	if complete.Data["processed"].(float64) != 1 {
		t.Fatalf("expected 1 processed change, got %+v", complete.Data)
	}
}
