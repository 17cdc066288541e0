// ABOUTME: Local SQLite transcript archive using modernc.org/sqlite
// ABOUTME: Persists conversation messages with automatic schema creation

package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/deskhub/chatlink/internal/chat"
)

// ErrNotFound is returned when the archive has no rows for the query.
var ErrNotFound = errors.New("not found")

// Store keeps a local transcript of every message the client has seen,
// so history survives restarts without a round trip to the server.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens a transcript archive at the given path.
// The schema is created if it doesn't exist. Parent directories are
// created if needed.
func Open(path string) (*Store, error) {
	logger := slog.Default().With("component", "archive")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	// WAL mode: the reader (history command) and writer (stream pump) can
	// touch the archive concurrently.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("archive opened", "path", path)
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			sender_role     TEXT NOT NULL,
			content         TEXT NOT NULL,
			message_type    TEXT NOT NULL DEFAULT 'TEXT',
			read            INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,

			PRIMARY KEY (conversation_id, id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conv_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			status     TEXT NOT NULL DEFAULT 'ACTIVE',
			updated_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.logger.Info("closing archive")
	return s.db.Close()
}

// SaveMessage inserts or updates one message. A message that arrives
// twice (catch-up replay after reconnect) overwrites its earlier row, so
// read-state changes stick.
func (s *Store) SaveMessage(ctx context.Context, msg chat.Message) error {
	query := `
		INSERT OR REPLACE INTO messages (id, conversation_id, sender_role, content, message_type, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	msgType := msg.Type
	if msgType == "" {
		msgType = chat.MessageTypeText
	}

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		string(msg.SenderRole),
		msg.Content,
		msgType,
		boolToInt(msg.Read),
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("archived message", "id", msg.ID, "conversation_id", msg.ConversationID)
	return nil
}

// SaveBatch archives a slice of messages in one transaction.
func (s *Store) SaveBatch(ctx context.Context, msgs []chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO messages (id, conversation_id, sender_role, content, message_type, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, msg := range msgs {
		msgType := msg.Type
		if msgType == "" {
			msgType = chat.MessageTypeText
		}
		if _, err := stmt.ExecContext(ctx,
			msg.ID,
			msg.ConversationID,
			string(msg.SenderRole),
			msg.Content,
			msgType,
			boolToInt(msg.Read),
			msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("inserting message %s: %w", msg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}

	s.logger.Debug("archived batch", "count", len(msgs))
	return nil
}

// Recent retrieves the most recent messages of a conversation, returned
// in chronological order (oldest first). If limit is 0 or negative, all
// messages are returned.
func (s *Store) Recent(ctx context.Context, conversationID string, limit int) ([]chat.Message, error) {
	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT id, conversation_id, sender_role, content, message_type, read, created_at
			FROM (
				SELECT id, conversation_id, sender_role, content, message_type, read, created_at
				FROM messages
				WHERE conversation_id = ?
				ORDER BY created_at DESC, id DESC
				LIMIT ?
			)
			ORDER BY created_at ASC, id ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT id, conversation_id, sender_role, content, message_type, read, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at ASC, id ASC
		`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		var msg chat.Message
		var role, msgType, createdAtStr string
		var read int

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &msgType, &read, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.SenderRole = chat.Role(role)
		msg.Type = msgType
		msg.Read = read != 0
		msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// LastMessageID returns the id of the newest archived message of a
// conversation, for seeding a catch-up cursor across restarts. Returns
// ErrNotFound when the conversation has no archived messages.
func (s *Store) LastMessageID(ctx context.Context, conversationID string) (string, error) {
	query := `
		SELECT id FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	var id string
	err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying last message: %w", err)
	}
	return id, nil
}

// SaveConversation records a conversation's last known status.
func (s *Store) SaveConversation(ctx context.Context, conv chat.Conversation) error {
	query := `
		INSERT OR REPLACE INTO conversations (id, status, updated_at)
		VALUES (?, ?, ?)
	`

	status := conv.Status
	if status == "" {
		status = chat.StatusActive
	}

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		string(status),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// Conversations lists every archived conversation, most recently
// updated first.
func (s *Store) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	query := `
		SELECT id, status FROM conversations
		ORDER BY updated_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []chat.Conversation
	for rows.Next() {
		var conv chat.Conversation
		var status string
		if err := rows.Scan(&conv.ID, &status); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		conv.Status = chat.ConversationStatus(status)
		convs = append(convs, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
