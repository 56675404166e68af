// Package messagestore is the append-only log of chat messages, with
// age-based pruning (PruneOlderThan). Rows are appended by send_message job
// delivery in jobexec; inbound user messages and streamed assistant replies
// are not appended here. Recent feeds the "recent context" window the
// heartbeat dispatcher injects into its prompts.
package messagestore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// Role is who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one row of the messages table.
type Message struct {
	ID        string
	ChatID    int64
	ThreadID  *int64
	MessageID *int64 // the transport's own message ID, if any
	Role      Role
	Text      string
	CreatedAt int64 // epoch ms
}

// Store is the append-only data-access layer over data/messages.db.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the messages database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open messages db: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate messages db: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			bob_id     TEXT NOT NULL DEFAULT 'bob',
			chat_id    INTEGER NOT NULL,
			thread_id  INTEGER,
			message_id INTEGER,
			role       TEXT NOT NULL,
			text       TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(chat_id, thread_id, created_at);
	`)
	return err
}

// Append logs one message. createdAt is assigned by the caller so it stays
// monotonic per (chatId, threadId) within a single writer.
func (s *Store) Append(chatID int64, threadID *int64, messageID *int64, role Role, text string, createdAt time.Time) (*Message, error) {
	id := uuid.Must(uuid.NewV7()).String()
	nowMS := createdAt.UnixMilli()
	_, err := s.db.Exec(`
		INSERT INTO messages (id, chat_id, thread_id, message_id, role, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, chatID, threadID, messageID, string(role), text, nowMS)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return &Message{ID: id, ChatID: chatID, ThreadID: threadID, MessageID: messageID, Role: role, Text: text, CreatedAt: nowMS}, nil
}

// Recent returns the most recent `limit` messages for a conversation,
// oldest first (ready to drop straight into a prompt).
func (s *Store) Recent(chatID int64, threadID *int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows *sql.Rows
	var err error
	if threadID == nil {
		rows, err = s.db.Query(`
			SELECT id, chat_id, thread_id, message_id, role, text, created_at FROM messages
			WHERE chat_id = ? AND thread_id IS NULL
			ORDER BY created_at DESC LIMIT ?`, chatID, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT id, chat_id, thread_id, message_id, role, text, created_at FROM messages
			WHERE chat_id = ? AND thread_id = ?
			ORDER BY created_at DESC LIMIT ?`, chatID, *threadID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// PruneOlderThan deletes messages older than the given age.
func (s *Store) PruneOlderThan(age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM messages WHERE created_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var threadID, messageID sql.NullInt64
		if err := rows.Scan(&m.ID, &m.ChatID, &threadID, &messageID, &m.Role, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if threadID.Valid {
			v := threadID.Int64
			m.ThreadID = &v
		}
		if messageID.Valid {
			v := messageID.Int64
			m.MessageID = &v
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
