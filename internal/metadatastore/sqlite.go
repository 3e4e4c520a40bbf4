package metadatastore

// SQLiteStore is the local/dev/test backend: no Postgres instance
// needed. Grounded on services/control-plane/aggregator/main.go's
// sqlite setup (WAL + busy timeout DSN, single-conn pool) — the same
// "keep it simple and provider-neutral" posture, generalized from one
// results table to the four tables this store owns.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openmates/synccore/internal/telemetry"
)

type SQLiteStore struct {
	db   *sql.DB
	opts PostgresOptions // table names + Clock + Log are backend-agnostic
}

// OpenSQLite opens (creating parent directories as needed) a WAL-mode
// SQLite database with a single-connection pool — sqlite's own
// recommendation for a simple embedded service, same as the teacher's
// aggregator.
func OpenSQLite(path string, opts PostgresOptions) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path required", ErrInvalidInput)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: mkdir: %v", ErrUnavailable, err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", ErrUnavailable, err)
	}
	db.SetMaxOpenConns(1)

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
			db.Close()
			return nil, err
		}
	}
	if opts.Log == nil {
		opts.Log = telemetry.Nop
	}
	return &SQLiteStore{db: db, opts: opts}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			email_hash TEXT NOT NULL UNIQUE,
			encrypted_email BLOB NOT NULL,
			encrypted_username BLOB NOT NULL,
			vault_key_id TEXT NOT NULL,
			is_admin INTEGER NOT NULL DEFAULT 0,
			devices_encrypted BLOB
		);`, s.opts.UsersTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			encrypted_title BLOB NOT NULL,
			vault_key_id TEXT NOT NULL,
			title_v INTEGER NOT NULL DEFAULT 0,
			messages_v INTEGER NOT NULL DEFAULT 0,
			unread_count INTEGER NOT NULL DEFAULT 0,
			last_edited_overall_timestamp DATETIME NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`, s.opts.ChatsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_user_idx ON %s (user_id, last_edited_overall_timestamp);`,
			s.opts.ChatsTable, s.opts.ChatsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			encrypted_content BLOB NOT NULL,
			sender_name TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`, s.opts.MessagesTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_chat_idx ON %s (chat_id, created_at);`,
			s.opts.MessagesTable, s.opts.MessagesTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			hashed_user_id TEXT NOT NULL,
			encrypted_content BLOB NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			last_edited_timestamp DATETIME NOT NULL,
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

func (s *SQLiteStore) GetChatMetadata(ctx context.Context, chatID string) (ChatMetadata, bool, error) {
	q := fmt.Sprintf(`SELECT title_v, messages_v, unread_count, last_edited_overall_timestamp
		FROM %s WHERE id = ?;`, s.opts.ChatsTable)
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

func (s *SQLiteStore) ListUserChats(ctx context.Context, userID string, limit, offset int) ([]Chat, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	q := fmt.Sprintf(`SELECT id, user_id, encrypted_title, vault_key_id, title_v, messages_v,
		unread_count, last_edited_overall_timestamp, created_at, updated_at
		FROM %s WHERE user_id = ? ORDER BY last_edited_overall_timestamp DESC LIMIT ? OFFSET ?;`,
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

func (s *SQLiteStore) UpdateChatFields(ctx context.Context, chatID string, fields map[string]any) error {
	if err := validateChatFields(fields); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var setClauses []string
	var args []any
	for k, v := range fields {
		setClauses = append(setClauses, fmt.Sprintf("%s = ?", k))
		args = append(args, v)
	}
	setClauses = append(setClauses, "updated_at = ?")
	args = append(args, s.opts.Clock().UTC())
	args = append(args, chatID)

	q := fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?;`, s.opts.ChatsTable, strings.Join(setClauses, ", "))
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

func (s *SQLiteStore) AppendMessage(ctx context.Context, chatID string, msg Message) (Message, error) {
	if msg.ID == "" || chatID == "" {
		return Message{}, fmt.Errorf("%w: chat_id and message_id required", ErrInvalidInput)
	}
	msg.ChatID = chatID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.opts.Clock().UTC()
	}
	q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (id, chat_id, encrypted_content, sender_name, created_at)
		VALUES (?, ?, ?, ?, ?);`, s.opts.MessagesTable)
	if _, err := s.db.ExecContext(ctx, q, msg.ID, msg.ChatID, msg.EncryptedContent, msg.SenderName, msg.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("%w: append message: %v", ErrUnavailable, err)
	}
	return msg, nil
}

func (s *SQLiteStore) ListChatMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 2000 {
		limit = 500
	}
	q := fmt.Sprintf(`SELECT id, chat_id, encrypted_content, sender_name, created_at
		FROM %s WHERE chat_id = ? ORDER BY created_at ASC LIMIT ?;`, s.opts.MessagesTable)
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

func (s *SQLiteStore) UpsertDraft(ctx context.Context, hashedUserID, chatID string, ciphertext []byte, version int64) (Draft, error) {
	if hashedUserID == "" || chatID == "" {
		return Draft{}, fmt.Errorf("%w: hashed_user_id and chat_id required", ErrInvalidInput)
	}
	now := s.opts.Clock().UTC()
	id := hashedUserID + ":" + chatID
	q := fmt.Sprintf(`INSERT INTO %s (id, chat_id, hashed_user_id, encrypted_content, version, last_edited_timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, hashed_user_id) DO UPDATE SET
			encrypted_content = excluded.encrypted_content,
			version = excluded.version,
			last_edited_timestamp = excluded.last_edited_timestamp;`, s.opts.DraftsTable)
	if _, err := s.db.ExecContext(ctx, q, id, chatID, hashedUserID, ciphertext, version, now); err != nil {
		return Draft{}, fmt.Errorf("%w: upsert draft: %v", ErrUnavailable, err)
	}
	return Draft{ID: id, ChatID: chatID, HashedUserID: hashedUserID, EncryptedContent: ciphertext, Version: version, LastEditedTimestamp: now}, nil
}

func (s *SQLiteStore) GetDraft(ctx context.Context, hashedUserID, chatID string) (Draft, bool, error) {
	q := fmt.Sprintf(`SELECT id, chat_id, hashed_user_id, encrypted_content, version, last_edited_timestamp
		FROM %s WHERE chat_id = ? AND hashed_user_id = ?;`, s.opts.DraftsTable)
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

func (s *SQLiteStore) CreateChat(ctx context.Context, chat Chat) (Chat, error) {
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
	q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (id, user_id, encrypted_title, vault_key_id, title_v, messages_v,
		unread_count, last_edited_overall_timestamp, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`, s.opts.ChatsTable)
	if _, err := s.db.ExecContext(ctx, q, chat.ID, chat.UserID, chat.EncryptedTitle, chat.VaultKeyID, chat.TitleV,
		chat.MessagesV, chat.UnreadCount, chat.LastEditedOverallTimestamp, chat.CreatedAt, chat.UpdatedAt); err != nil {
		return Chat{}, fmt.Errorf("%w: create chat: %v", ErrUnavailable, err)
	}
	return chat, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, user User) (User, error) {
	if user.ID == "" || user.EmailHash == "" {
		return User{}, fmt.Errorf("%w: id and email_hash required", ErrInvalidInput)
	}
	q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (id, email_hash, encrypted_email, encrypted_username, vault_key_id, is_admin, devices_encrypted)
		VALUES (?, ?, ?, ?, ?, ?, ?);`, s.opts.UsersTable)
	if _, err := s.db.ExecContext(ctx, q, user.ID, user.EmailHash, user.EncryptedEmail, user.EncryptedUsername,
		user.VaultKeyID, user.IsAdmin, user.DevicesEncrypted); err != nil {
		return User{}, fmt.Errorf("%w: create user: %v", ErrUnavailable, err)
	}
	return user, nil
}

func (s *SQLiteStore) FindUserByEmailHash(ctx context.Context, emailHash string) (User, bool, error) {
	q := fmt.Sprintf(`SELECT id, email_hash, encrypted_email, encrypted_username, vault_key_id, is_admin, devices_encrypted
		FROM %s WHERE email_hash = ?;`, s.opts.UsersTable)
	var u User
	var isAdmin bool
	err := s.db.QueryRowContext(ctx, q, emailHash).Scan(&u.ID, &u.EmailHash, &u.EncryptedEmail, &u.EncryptedUsername,
		&u.VaultKeyID, &isAdmin, &u.DevicesEncrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, fmt.Errorf("%w: find user by email hash: %v", ErrUnavailable, err)
	}
	u.IsAdmin = isAdmin
	return u, true, nil
}
