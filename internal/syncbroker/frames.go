package syncbroker

import (
	"encoding/json"

	"github.com/openmates/synccore/internal/errs"
)

// inboundFrame is the wire shape of every client->server message (spec
// §6 "Inbound frame: {type: <action>, payload: {…}}").
type inboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// errorFrame is the wire shape of an outbound error (spec §6 "Error
// frame: {type: "error", payload: {message, chat_id?}}").
type errorFrame struct {
	Type    string       `json:"type"`
	Payload errs.Payload `json:"payload"`
}

func newErrorFrame(err *errs.Error) *errorFrame {
	return &errorFrame{Type: "error", Payload: err.ToPayload()}
}

// Recognized inbound action types (spec §4.4).
const (
	actionUpdateTitle        = "update_title"
	actionUpdateDraft        = "update_draft"
	actionAppendMessage      = "append_message"
	actionSyncOfflineChanges = "sync_offline_changes"
	actionTyping             = "typing"
)

// Outbound event names (spec §4.4).
const (
	eventChatTitleUpdated    = "chat_title_updated"
	eventChatDraftUpdated    = "chat_draft_updated"
	eventChatMessageAppended = "chat_message_appended"
	eventReminderFired       = "reminder_fired"
	eventOfflineSyncComplete = "offline_sync_complete"
	eventTyping              = "typing"
)

// updateTitlePayload is update_title's payload. The wire field stays
// named encrypted_title for parity with spec.md §4.4, but its value is
// the plaintext title: titles use the chat-scoped KEK the server holds
// via KeyVault, not an end-to-end client key (see DESIGN.md's resolved
// open question on this, grounded in original_source's
// encrypt_with_chat_key calls for both the live and offline paths).
type updateTitlePayload struct {
	ChatID         string `json:"chat_id"`
	Title          string `json:"encrypted_title"`
	BasedOnVersion int64  `json:"based_on_version"`
}

// updateDraftPayload is update_draft's payload. The ciphertext is
// end-to-end (user-scoped client key) and stored verbatim (spec §4.4).
type updateDraftPayload struct {
	ChatID           string `json:"chat_id"`
	EncryptedDraftMD []byte `json:"encrypted_draft_md"`
	BasedOnVersion   int64  `json:"based_on_version"`
}

// messagePayload is the `message` object in append_message (spec §6
// persisted layout `messages: {id, chat_id, encrypted_content,
// sender_name, created_at}`). Content arrives as plaintext, same as a
// title: the chat KEK that seals it lives only in KeyVault.
type messagePayload struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	SenderName string `json:"sender_name"`
}

type appendMessagePayload struct {
	ChatID  string         `json:"chat_id"`
	Message messagePayload `json:"message"`
}

// offlineChangePayload mirrors internal/offlinereplay.Change on the
// wire (spec §4.5).
type offlineChangePayload struct {
	ChatID             string `json:"chat_id"`
	Type               string `json:"type"` // title|draft
	VersionBeforeEdit  int64  `json:"version_before_edit"`
	NewTitle           string `json:"new_title,omitempty"`
	NewDraftCiphertext []byte `json:"new_draft_ciphertext,omitempty"`
}

type syncOfflineChangesPayload struct {
	Changes []offlineChangePayload `json:"changes"`
}

// typingPayload is the optional, non-persisted presence signal (spec
// §4.4 "Typing/presence (optional, non-persisted)").
type typingPayload struct {
	ChatID string `json:"chat_id"`
	Typing bool   `json:"typing"`
}
