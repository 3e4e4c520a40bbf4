// Package metadatastore provides durable CRUD for users, chats,
// messages and drafts (spec §4.2). Every content field it touches is
// ciphertext produced upstream by KeyVault; this package never reads or
// decrypts a body — it persists bytes and the version counters that
// VersionEngine arbitrates.
package metadatastore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidInput = errors.New("metadatastore: invalid input")
	ErrNotFound     = errors.New("metadatastore: not found")
	ErrUnavailable  = errors.New("metadatastore: unavailable")
)

// User is the persisted row for `users` (spec §6 Persisted layout).
type User struct {
	ID                string
	EmailHash         string
	EncryptedEmail    []byte
	EncryptedUsername []byte
	VaultKeyID        string
	IsAdmin           bool
	DevicesEncrypted  []byte
}

// Chat is the persisted row for `chats`.
type Chat struct {
	ID                         string
	UserID                     string
	EncryptedTitle             []byte
	VaultKeyID                 string
	TitleV                     int64
	MessagesV                  int64
	UnreadCount                int64
	LastEditedOverallTimestamp time.Time
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

// Message is the persisted row for `messages`.
type Message struct {
	ID               string
	ChatID           string
	EncryptedContent []byte
	SenderName       string
	CreatedAt        time.Time
}

// Draft is the persisted row for `drafts`. HashedUserID is the
// HMAC-digested owning user (spec §6: `hashed_user_id`), so the draft
// table never carries a raw user_id alongside plaintext-adjacent PII.
type Draft struct {
	ID                  string
	ChatID              string
	HashedUserID        string
	EncryptedContent    []byte
	Version             int64
	LastEditedTimestamp time.Time
}

// ChatMetadata is the result of GetChatMetadata: the version triple plus
// the bookkeeping fields needed to sort a user's chat index, with no
// ciphertext body fields attached (spec §4.2: "without reading body
// fields").
type ChatMetadata struct {
	ChatID                     string
	TitleV                     int64
	MessagesV                  int64
	UnreadCount                int64
	LastEditedOverallTimestamp time.Time
}

// Clock supplies timestamps; tests inject a fixed clock for determinism,
// same discipline as the teacher's postgres_store.go.
type Clock func() time.Time

// Store is the MetadataStore contract (spec §4.2). Two backends
// implement it: PostgresStore and SQLiteStore.
type Store interface {
	EnsureSchema(ctx context.Context) error

	GetChatMetadata(ctx context.Context, chatID string) (ChatMetadata, bool, error)
	ListUserChats(ctx context.Context, userID string, limit, offset int) ([]Chat, error)
	UpdateChatFields(ctx context.Context, chatID string, fields map[string]any) error
	AppendMessage(ctx context.Context, chatID string, msg Message) (Message, error)
	ListChatMessages(ctx context.Context, chatID string, limit int) ([]Message, error)
	UpsertDraft(ctx context.Context, hashedUserID, chatID string, ciphertext []byte, version int64) (Draft, error)
	GetDraft(ctx context.Context, hashedUserID, chatID string) (Draft, bool, error)

	CreateChat(ctx context.Context, chat Chat) (Chat, error)
	CreateUser(ctx context.Context, user User) (User, error)
	FindUserByEmailHash(ctx context.Context, emailHash string) (User, bool, error)
}

// allowedChatFields is the closed set UpdateChatFields accepts — a
// blind partial update must still never let a caller target an
// unexpected column (spec §9 "Dynamic config objects": closed-world
// dispatch, never silently ignored).
var allowedChatFields = map[string]struct{}{
	"encrypted_title":               {},
	"vault_key_id":                  {},
	"title_v":                       {},
	"messages_v":                    {},
	"unread_count":                  {},
	"last_edited_overall_timestamp": {},
}

func validateChatFields(fields map[string]any) error {
	if len(fields) == 0 {
		return errors.New("metadatastore: no fields to update")
	}
	for k := range fields {
		if _, ok := allowedChatFields[k]; !ok {
			return errors.New("metadatastore: unsupported chat field " + k)
		}
	}
	return nil
}
