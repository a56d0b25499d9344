// Package store implements the broker's single persistence boundary: chat
// metadata, the append-only message log with its per-chat consumption
// cursor, registered groups, and scheduled tasks.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the sqlite connection. All methods are safe for concurrent
// use; sqlite's own locking plus WAL mode is what actually serializes
// writers, the way the rest of the pack's sqlite-backed services rely on it.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	for _, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil && !strings.Contains(err.Error(), "duplicate column") {
			db.Close()
			return nil, fmt.Errorf("store: migration %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Message is one persisted inbound or outbound record. Trigger matching is
// not stored: MessageProcessor evaluates it live against a group's current
// Trigger each time a batch is drained, so a trigger word changed after a
// message was written is honored retroactively rather than frozen at
// ingestion time.
type Message struct {
	ChatJID      string
	ID           string
	SenderJID    string
	SenderName   string
	Content      string
	IsFromMe     bool
	IsBotMessage bool
	Timestamp    time.Time
}

// Chat is a chat's persisted metadata plus its consumption cursor.
type Chat struct {
	JID       string
	Name      string
	IsGroup   bool
	CursorTS  time.Time
	CursorID  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StoreChatMetadata upserts a chat's display name/group flag, preserving
// the existing cursor.
func (s *Store) StoreChatMetadata(ctx context.Context, jid, name string, isGroup bool) error {
	now := time.Now().UTC().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (jid, name, is_group, cursor_ts, cursor_id, created_at, updated_at)
		VALUES (?, ?, ?, 0, '', ?, ?)
		ON CONFLICT(jid) DO UPDATE SET name = excluded.name, is_group = excluded.is_group, updated_at = excluded.updated_at
	`, jid, name, boolToInt(isGroup), now, now)
	if err != nil {
		return fmt.Errorf("store: store chat metadata %s: %w", jid, err)
	}
	return nil
}

// UpdateChatName updates only the display name of an existing chat.
func (s *Store) UpdateChatName(ctx context.Context, jid, name string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chats SET name = ?, updated_at = ? WHERE jid = ?`,
		name, time.Now().UTC().UnixMilli(), jid)
	if err != nil {
		return fmt.Errorf("store: update chat name %s: %w", jid, err)
	}
	return nil
}

// StoreMessage upserts a message keyed by (chat_jid, id): a re-delivered or
// edited message overwrites the prior row (last writer wins) rather than
// being silently dropped, since channels can redeliver an edited message
// under the same ID. The returned bool reports whether this was the row's
// first insert (false on an update), for callers that care about
// first-time-seen semantics.
func (s *Store) StoreMessage(ctx context.Context, msg Message) (bool, error) {
	var existed int
	_ = s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE chat_jid = ? AND id = ?`, msg.ChatJID, msg.ID).Scan(&existed)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (chat_jid, id, sender_jid, sender_name, content, is_from_me, is_bot_message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_jid, id) DO UPDATE SET
			sender_jid = excluded.sender_jid,
			sender_name = excluded.sender_name,
			content = excluded.content,
			is_from_me = excluded.is_from_me,
			is_bot_message = excluded.is_bot_message,
			timestamp = excluded.timestamp
	`, msg.ChatJID, msg.ID, msg.SenderJID, msg.SenderName, msg.Content,
		boolToInt(msg.IsFromMe), boolToInt(msg.IsBotMessage), msg.Timestamp.UTC().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("store: store message %s/%s: %w", msg.ChatJID, msg.ID, err)
	}
	return existed == 0, nil
}

// GetNewMessages returns every message for jid strictly after the chat's
// current consumption cursor, oldest first, excluding the assistant's own
// traffic per assistantName (see GetMessagesSince).
func (s *Store) GetNewMessages(ctx context.Context, jid, assistantName string) ([]Message, error) {
	chat, err := s.getChat(ctx, jid)
	if err != nil {
		return nil, err
	}
	return s.GetMessagesSince(ctx, jid, chat.CursorTS, chat.CursorID, assistantName)
}

// GetMessagesSince returns messages for jid with (timestamp, id) strictly
// after the given cursor, oldest first. Rows the assistant itself produced
// are excluded by two independent mechanisms: the is_bot_message flag set
// at write time, and a content-prefix backstop ("<assistantName>: ...")
// that catches messages written before is_bot_message existed or by a
// channel that never set it. Both checks run even when assistantName is
// empty, in which case the prefix backstop degrades to a no-op.
func (s *Store) GetMessagesSince(ctx context.Context, jid string, sinceTS time.Time, sinceID, assistantName string) ([]Message, error) {
	prefix := assistantName + ": "
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_jid, id, sender_jid, sender_name, content, is_from_me, is_bot_message, timestamp
		FROM messages
		WHERE chat_jid = ? AND (timestamp > ? OR (timestamp = ? AND id > ?))
			AND is_bot_message = 0
			AND (? = '' OR content NOT LIKE ? ESCAPE '\')
		ORDER BY timestamp ASC, id ASC
	`, jid, sinceTS.UTC().UnixMilli(), sinceTS.UTC().UnixMilli(), sinceID,
		assistantName, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("store: get messages since: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var isFromMe, isBotMessage int
		var ts int64
		if err := rows.Scan(&m.ChatJID, &m.ID, &m.SenderJID, &m.SenderName, &m.Content, &isFromMe, &isBotMessage, &ts); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.IsFromMe = isFromMe != 0
		m.IsBotMessage = isBotMessage != 0
		m.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// escapeLike escapes SQL LIKE metacharacters in s so it can be used as a
// literal prefix with ESCAPE '\'.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// AdvanceCursor moves jid's consumption cursor to (ts, id), called after a
// batch of messages has been durably handed off to processing.
func (s *Store) AdvanceCursor(ctx context.Context, jid string, ts time.Time, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chats SET cursor_ts = ?, cursor_id = ?, updated_at = ? WHERE jid = ?`,
		ts.UTC().UnixMilli(), id, time.Now().UTC().UnixMilli(), jid)
	if err != nil {
		return fmt.Errorf("store: advance cursor %s: %w", jid, err)
	}
	return nil
}

func (s *Store) getChat(ctx context.Context, jid string) (Chat, error) {
	var c Chat
	var isGroup int
	var cursorTS int64
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, `SELECT jid, name, is_group, cursor_ts, cursor_id, created_at, updated_at FROM chats WHERE jid = ?`, jid).
		Scan(&c.JID, &c.Name, &isGroup, &cursorTS, &c.CursorID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Chat{JID: jid}, nil
	}
	if err != nil {
		return Chat{}, fmt.Errorf("store: get chat %s: %w", jid, err)
	}
	c.IsGroup = isGroup != 0
	c.CursorTS = time.UnixMilli(cursorTS).UTC()
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	c.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return c, nil
}

// GetAllChats returns every known chat.
func (s *Store) GetAllChats(ctx context.Context) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT jid, name, is_group, cursor_ts, cursor_id, created_at, updated_at FROM chats`)
	if err != nil {
		return nil, fmt.Errorf("store: get all chats: %w", err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var c Chat
		var isGroup int
		var cursorTS, createdAt, updatedAt int64
		if err := rows.Scan(&c.JID, &c.Name, &isGroup, &cursorTS, &c.CursorID, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("store: scan chat: %w", err)
		}
		c.IsGroup = isGroup != 0
		c.CursorTS = time.UnixMilli(cursorTS).UTC()
		c.CreatedAt = time.UnixMilli(createdAt).UTC()
		c.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// Group is a registered group folder bound to a chat JID and its trigger
// word. RequiresTrigger gates MessageProcessor's dispatch decision: when
// false, every new batch dispatches regardless of trigger match.
type Group struct {
	Folder          string
	JID             string
	Trigger         string
	RequiresTrigger bool
	RegisteredAt    time.Time
}

// RegisterGroup binds a group folder to a chat JID, replacing any prior
// registration for that folder.
func (s *Store) RegisterGroup(ctx context.Context, folder, jid, trigger string, requiresTrigger bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (folder, jid, trigger, requires_trigger, registered_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(folder) DO UPDATE SET jid = excluded.jid, trigger = excluded.trigger,
			requires_trigger = excluded.requires_trigger, registered_at = excluded.registered_at
	`, folder, jid, trigger, boolToInt(requiresTrigger), time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: register group %s: %w", folder, err)
	}
	return nil
}

// RemoveGroup deletes a group registration.
func (s *Store) RemoveGroup(ctx context.Context, folder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE folder = ?`, folder)
	if err != nil {
		return fmt.Errorf("store: remove group %s: %w", folder, err)
	}
	return nil
}

// GetRegisteredGroups returns every registered group.
func (s *Store) GetRegisteredGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT folder, jid, trigger, requires_trigger, registered_at FROM groups`)
	if err != nil {
		return nil, fmt.Errorf("store: get registered groups: %w", err)
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var g Group
		var requiresTrigger int
		var registeredAt int64
		if err := rows.Scan(&g.Folder, &g.JID, &g.Trigger, &requiresTrigger, &registeredAt); err != nil {
			return nil, fmt.Errorf("store: scan group: %w", err)
		}
		g.RequiresTrigger = requiresTrigger != 0
		g.RegisteredAt = time.UnixMilli(registeredAt).UTC()
		out = append(out, g)
	}
	return out, rows.Err()
}

// GroupByJID returns the registration owning jid, if any.
func (s *Store) GroupByJID(ctx context.Context, jid string) (*Group, error) {
	var g Group
	var requiresTrigger int
	var registeredAt int64
	err := s.db.QueryRowContext(ctx, `SELECT folder, jid, trigger, requires_trigger, registered_at FROM groups WHERE jid = ?`, jid).
		Scan(&g.Folder, &g.JID, &g.Trigger, &requiresTrigger, &registeredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: group by jid %s: %w", jid, err)
	}
	g.RequiresTrigger = requiresTrigger != 0
	g.RegisteredAt = time.UnixMilli(registeredAt).UTC()
	return &g, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
