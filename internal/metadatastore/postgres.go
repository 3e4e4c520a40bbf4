package metadatastore

// PostgresStore persists chats/messages/drafts/users in PostgreSQL.
// Grounded on the teacher's services/storage/internal/relational/
// postgres_store.go: standard-library database/sql only (the pq driver
// is registered by the caller via a blank import), deterministic
// Clock injection instead of inline time.Now(), and identifier
// allow-listing before any fmt.Sprintf'd table name reaches a query.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/openmates/synccore/internal/telemetry"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func validateIdent(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("metadatastore: invalid identifier %q", name)
	}
	return nil
}

// PostgresOptions configures table name overrides and the injected
// clock; defaults match spec §6's table names exactly.
type PostgresOptions struct {
	Clock Clock

	UsersTable   string
	ChatsTable   string
	MessagesTable string
	DraftsTable  string

	Log *telemetry.Logger
}

type PostgresStore struct {
	db   *sql.DB
	opts PostgresOptions
}

func NewPostgresStore(db *sql.DB, opts PostgresOptions) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: db is nil", ErrInvalidInput)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.UsersTable == "" {
		opts.UsersTable = "users"
	}
	if opts.ChatsTable == "" {
		opts.ChatsTable = "chats"
	}
	if opts.MessagesTable == "" {
		opts.MessagesTable = "messages"
	}
	if opts.DraftsTable == "" {
		opts.DraftsTable = "drafts"
	}
	for _, t := range []string{opts.UsersTable, opts.ChatsTable, opts.MessagesTable, opts.DraftsTable} {
		if err := validateIdent(t); err != nil {
			return nil, err
		}
	}
	if opts.Log == nil {
		opts.Log = telemetry.Nop
	}
	return &PostgresStore{db: db, opts: opts}, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			email_hash TEXT NOT NULL UNIQUE,
			encrypted_email BYTEA NOT NULL,
			encrypted_username BYTEA NOT NULL,
			vault_key_id TEXT NOT NULL,
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			devices_encrypted BYTEA
		);`, s.opts.UsersTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			encrypted_title BYTEA NOT NULL,
			vault_key_id TEXT NOT NULL,
			title_v BIGINT NOT NULL DEFAULT 0,
			messages_v BIGINT NOT NULL DEFAULT 0,
			unread_count BIGINT NOT NULL DEFAULT 0,
			last_edited_overall_timestamp TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`, s.opts.ChatsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_user_idx ON %s (user_id, last_edited_overall_timestamp DESC);`,
			s.opts.ChatsTable, s.opts.ChatsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			encrypted_content BYTEA NOT NULL,
			sender_name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`, s.opts.MessagesTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_chat_idx ON %s (chat_id, created_at);`,
			s.opts.MessagesTable, s.opts.MessagesTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			hashed_user_id TEXT NOT NULL,
			encrypted_content BYTEA NOT NULL,
			version BIGINT NOT NULL DEFAULT 0,
			last_edited_timestamp TIMESTAMPTZ NOT NULL,
			UNIQUE (chat_id, hashed_user_id)
		);`, s.opts.DraftsTable),
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%w: ensure schema: %v", ErrUnavailable, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetChatMetadata(ctx context.Context, chatID string) (ChatMetadata, bool, error) {
	q := fmt.Sprintf(`SELECT title_v, messages_v, unread_count, last_edited_overall_timestamp
		FROM %s WHERE id = $1;`, s.opts.ChatsTable)
	var m ChatMetadata
	m.ChatID = chatID
	err := s.db.QueryRowContext(ctx, q, chatID).Scan(&m.TitleV, &m.MessagesV, &m.UnreadCount, &m.LastEditedOverallTimestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatMetadata{}, false, nil
	}
	if err != nil {
		return ChatMetadata{}, false, fmt.Errorf("%w: get chat metadata: %v", ErrUnavailable, err)
	}
	return m, true, nil
}

func (s *PostgresStore) ListUserChats(ctx context.Context, userID string, limit, offset int) ([]Chat, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	q := fmt.Sprintf(`SELECT id, user_id, encrypted_title, vault_key_id, title_v, messages_v,
		unread_count, last_edited_overall_timestamp, created_at, updated_at
		FROM %s WHERE user_id = $1 ORDER BY last_edited_overall_timestamp DESC LIMIT $2 OFFSET $3;`,
		s.opts.ChatsTable)
	rows, err := s.db.QueryContext(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list user chats: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.UserID, &c.EncryptedTitle, &c.VaultKeyID, &c.TitleV, &c.MessagesV,
			&c.UnreadCount, &c.LastEditedOverallTimestamp, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan chat: %v", ErrUnavailable, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateChatFields(ctx context.Context, chatID string, fields map[string]any) error {
	if err := validateChatFields(fields); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var setClauses []string
	var args []any
	i := 1
	for k, v := range fields {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", k, i))
		args = append(args, v)
		i++
	}
	setClauses = append(setClauses, fmt.Sprintf("updated_at = $%d", i))
	args = append(args, s.opts.Clock().UTC())
	i++
	args = append(args, chatID)

	q := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d;`, s.opts.ChatsTable, strings.Join(setClauses, ", "), i)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%w: update chat fields: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage is idempotent on message_id (spec §4.2): a retried
// PersistenceWorker attempt is a no-op, never a duplicate row.
func (s *PostgresStore) AppendMessage(ctx context.Context, chatID string, msg Message) (Message, error) {
	if msg.ID == "" || chatID == "" {
		return Message{}, fmt.Errorf("%w: chat_id and message_id required", ErrInvalidInput)
	}
	msg.ChatID = chatID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.opts.Clock().UTC()
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, chat_id, encrypted_content, sender_name, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING;`, s.opts.MessagesTable)
	if _, err := s.db.ExecContext(ctx, q, msg.ID, msg.ChatID, msg.EncryptedContent, msg.SenderName, msg.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("%w: append message: %v", ErrUnavailable, err)
	}
	return msg, nil
}

// ListChatMessages reads a chat's message history oldest-first, capped
// at limit (PersistenceWorker's Top-N warm read-through: spec §4.7 —
// a chat entering a user's Top-N with no cached messages gets them
// read back from MetadataStore).
func (s *PostgresStore) ListChatMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 2000 {
		limit = 500
	}
	q := fmt.Sprintf(`SELECT id, chat_id, encrypted_content, sender_name, created_at
		FROM %s WHERE chat_id = $1 ORDER BY created_at ASC LIMIT $2;`, s.opts.MessagesTable)
	rows, err := s.db.QueryContext(ctx, q, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list chat messages: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.EncryptedContent, &m.SenderName, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan message: %v", ErrUnavailable, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertDraft(ctx context.Context, hashedUserID, chatID string, ciphertext []byte, version int64) (Draft, error) {
	if hashedUserID == "" || chatID == "" {
		return Draft{}, fmt.Errorf("%w: hashed_user_id and chat_id required", ErrInvalidInput)
	}
	now := s.opts.Clock().UTC()
	id := hashedUserID + ":" + chatID
	q := fmt.Sprintf(`INSERT INTO %s (id, chat_id, hashed_user_id, encrypted_content, version, last_edited_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chat_id, hashed_user_id) DO UPDATE SET
			encrypted_content = EXCLUDED.encrypted_content,
			version = EXCLUDED.version,
			last_edited_timestamp = EXCLUDED.last_edited_timestamp;`, s.opts.DraftsTable)
	if _, err := s.db.ExecContext(ctx, q, id, chatID, hashedUserID, ciphertext, version, now); err != nil {
		return Draft{}, fmt.Errorf("%w: upsert draft: %v", ErrUnavailable, err)
	}
	return Draft{ID: id, ChatID: chatID, HashedUserID: hashedUserID, EncryptedContent: ciphertext, Version: version, LastEditedTimestamp: now}, nil
}

func (s *PostgresStore) GetDraft(ctx context.Context, hashedUserID, chatID string) (Draft, bool, error) {
	q := fmt.Sprintf(`SELECT id, chat_id, hashed_user_id, encrypted_content, version, last_edited_timestamp
		FROM %s WHERE chat_id = $1 AND hashed_user_id = $2;`, s.opts.DraftsTable)
	var d Draft
	err := s.db.QueryRowContext(ctx, q, chatID, hashedUserID).Scan(&d.ID, &d.ChatID, &d.HashedUserID, &d.EncryptedContent, &d.Version, &d.LastEditedTimestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return Draft{}, false, nil
	}
	if err != nil {
		return Draft{}, false, fmt.Errorf("%w: get draft: %v", ErrUnavailable, err)
	}
	return d, true, nil
}

func (s *PostgresStore) CreateChat(ctx context.Context, chat Chat) (Chat, error) {
	if chat.ID == "" || chat.UserID == "" {
		return Chat{}, fmt.Errorf("%w: id and user_id required", ErrInvalidInput)
	}
	now := s.opts.Clock().UTC()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	if chat.UpdatedAt.IsZero() {
		chat.UpdatedAt = now
	}
	if chat.LastEditedOverallTimestamp.IsZero() {
		chat.LastEditedOverallTimestamp = now
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, user_id, encrypted_title, vault_key_id, title_v, messages_v,
		unread_count, last_edited_overall_timestamp, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING;`, s.opts.ChatsTable)
	if _, err := s.db.ExecContext(ctx, q, chat.ID, chat.UserID, chat.EncryptedTitle, chat.VaultKeyID, chat.TitleV,
		chat.MessagesV, chat.UnreadCount, chat.LastEditedOverallTimestamp, chat.CreatedAt, chat.UpdatedAt); err != nil {
		return Chat{}, fmt.Errorf("%w: create chat: %v", ErrUnavailable, err)
	}
	return chat, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	if user.ID == "" || user.EmailHash == "" {
		return User{}, fmt.Errorf("%w: id and email_hash required", ErrInvalidInput)
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, email_hash, encrypted_email, encrypted_username, vault_key_id, is_admin, devices_encrypted)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING;`, s.opts.UsersTable)
	if _, err := s.db.ExecContext(ctx, q, user.ID, user.EmailHash, user.EncryptedEmail, user.EncryptedUsername,
		user.VaultKeyID, user.IsAdmin, user.DevicesEncrypted); err != nil {
		return User{}, fmt.Errorf("%w: create user: %v", ErrUnavailable, err)
	}
	return user, nil
}

// FindUserByEmailHash is the supplemented login-by-email read path
// (SPEC_FULL.md §7): the lookup key is the HMAC digest KeyVault
// produced, never the plaintext email.
func (s *PostgresStore) FindUserByEmailHash(ctx context.Context, emailHash string) (User, bool, error) {
	q := fmt.Sprintf(`SELECT id, email_hash, encrypted_email, encrypted_username, vault_key_id, is_admin, devices_encrypted
		FROM %s WHERE email_hash = $1;`, s.opts.UsersTable)
	var u User
	err := s.db.QueryRowContext(ctx, q, emailHash).Scan(&u.ID, &u.EmailHash, &u.EncryptedEmail, &u.EncryptedUsername,
		&u.VaultKeyID, &u.IsAdmin, &u.DevicesEncrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, fmt.Errorf("%w: find user by email hash: %v", ErrUnavailable, err)
	}
	return u, true, nil
}
