package conversations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store is a SQLite backed message store.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("conversation store path is required")
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    text TEXT NOT NULL,
    lines TEXT,
    audio BLOB,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveMessage inserts or replaces a message. Missing IDs and timestamps are
// filled in.
func (s *Store) SaveMessage(ctx context.Context, message Message) error {
	if message.ConversationID == "" {
		return errors.New("message has no conversation id")
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = s.clock()
	}

	var lines []byte
	if len(message.Lines) > 0 {
		var err error
		if lines, err = json.Marshal(message.Lines); err != nil {
			return fmt.Errorf("encode lines: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(id, conversation_id, role, text, lines, audio, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET text=excluded.text, lines=excluded.lines, audio=excluded.audio`,
		message.ID, message.ConversationID, string(message.Role), message.Text,
		nullableText(lines), message.Audio, message.CreatedAt.UTC().UnixNano())
	return err
}

// Messages returns up to limit messages of a conversation, oldest first.
func (s *Store) Messages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, text, lines, audio, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, rowid ASC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var role string
		var lines sql.NullString
		var created int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Text, &lines, &m.Audio, &created); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		m.CreatedAt = time.Unix(0, created).UTC()
		if lines.Valid && lines.String != "" {
			if err := json.Unmarshal([]byte(lines.String), &m.Lines); err != nil {
				return nil, fmt.Errorf("decode lines of message %s: %w", m.ID, err)
			}
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Line returns a single line of an assistant message.
func (s *Store) Line(ctx context.Context, messageID string, index int) (Line, error) {
	var lines sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT lines FROM messages WHERE id = ?`, messageID).Scan(&lines)
	if errors.Is(err, sql.ErrNoRows) {
		return Line{}, fmt.Errorf("message %s not found", messageID)
	} else if err != nil {
		return Line{}, err
	}

	var decoded []Line
	if lines.Valid && lines.String != "" {
		if err := json.Unmarshal([]byte(lines.String), &decoded); err != nil {
			return Line{}, fmt.Errorf("decode lines of message %s: %w", messageID, err)
		}
	}
	if index < 0 || index >= len(decoded) {
		return Line{}, fmt.Errorf("message %s has no line %d", messageID, index)
	}
	return decoded[index], nil
}

func nullableText(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
