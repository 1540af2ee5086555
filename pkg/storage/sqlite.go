package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mentorlink/pairsignal/pkg/types"
	"github.com/oklog/ulid/v2"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	participant_a TEXT NOT NULL,
	participant_b TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	UNIQUE (participant_a, participant_b)
);
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations (id),
	sender_id       TEXT NOT NULL,
	receiver_id     TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_by_conversation ON messages (conversation_id, created_at, id);
`

type sqliteStore struct {
	db *sql.DB
}

// NewSQLite opens (and migrates) a sqlite database at dsn.
func NewSQLite(dsn string) (Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	// one writer; also keeps ":memory:" databases on a single connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate db: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) FindConversation(ctx context.Context, participants Pair) (types.Conversation, error) {
	participants = NewPair(participants[0], participants[1])

	query := "SELECT id, created_at FROM conversations WHERE participant_a = ? AND participant_b = ?"
	var id string
	var createdAt time.Time
	if err := s.db.QueryRowContext(ctx, query, participants[0], participants[1]).Scan(&id, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Conversation{}, ErrNotFound
		}
		return types.Conversation{}, fmt.Errorf("error querying conversation: %w", err)
	}

	return types.Conversation{
		ID:           id,
		Participants: []types.Identity{participants[0], participants[1]},
		CreatedAt:    createdAt.UTC(),
	}, nil
}

func (s *sqliteStore) CreateConversation(ctx context.Context, participants Pair) (types.Conversation, error) {
	participants = NewPair(participants[0], participants[1])

	query := "INSERT OR IGNORE INTO conversations (id, participant_a, participant_b, created_at) VALUES (?, ?, ?, ?)"
	if _, err := s.db.ExecContext(ctx, query, ulid.Make().String(), participants[0], participants[1], time.Now().UTC()); err != nil {
		return types.Conversation{}, fmt.Errorf("failed to insert conversation: %w", err)
	}
	return s.FindConversation(ctx, participants)
}

func (s *sqliteStore) participants(ctx context.Context, conversationID string) (Pair, error) {
	query := "SELECT participant_a, participant_b FROM conversations WHERE id = ?"
	var a, b string
	if err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&a, &b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Pair{}, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
		}
		return Pair{}, fmt.Errorf("error querying conversation: %w", err)
	}
	return Pair{types.Identity(a), types.Identity(b)}, nil
}

func (s *sqliteStore) AppendMessage(ctx context.Context, conversationID string, senderID, receiverID types.Identity, content string, createdAt time.Time) (types.ChatMessage, error) {
	pair, err := s.participants(ctx, conversationID)
	if err != nil {
		return types.ChatMessage{}, err
	}
	if senderID == receiverID || !pair.Has(senderID) || !pair.Has(receiverID) {
		return types.ChatMessage{}, ErrNotParticipant
	}

	msg := types.ChatMessage{
		ID:             ulid.Make().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		CreatedAt:      createdAt.UTC(),
	}

	query := "INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, created_at) VALUES (?, ?, ?, ?, ?, ?)"
	if _, err := s.db.ExecContext(ctx, query, msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID, msg.Content, msg.CreatedAt); err != nil {
		return types.ChatMessage{}, fmt.Errorf("failed to insert message for conversation %s: %w", conversationID, err)
	}
	return msg, nil
}

func (s *sqliteStore) ListMessages(ctx context.Context, conversationID string) ([]types.ChatMessage, error) {
	if _, err := s.participants(ctx, conversationID); err != nil {
		return nil, err
	}

	query := "SELECT id, sender_id, receiver_id, content, created_at FROM messages WHERE conversation_id = ? ORDER BY created_at, id"
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages for conversation %s: %w", conversationID, err)
	}
	defer rows.Close()

	messages := []types.ChatMessage{}
	for rows.Next() {
		var id, sender, receiver, content string
		var createdAt time.Time
		if err := rows.Scan(&id, &sender, &receiver, &content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, types.ChatMessage{
			ID:             id,
			ConversationID: conversationID,
			SenderID:       types.Identity(sender),
			ReceiverID:     types.Identity(receiver),
			Content:        content,
			CreatedAt:      createdAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over messages for conversation %s: %w", conversationID, err)
	}
	return messages, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
