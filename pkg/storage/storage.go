// Package storage persists chat conversations and messages for the chat relay.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mentorlink/pairsignal/pkg/types"
)

var (
	// ErrNotFound is returned when a conversation does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotParticipant is returned when a message names someone outside the conversation.
	ErrNotParticipant = errors.New("sender and receiver must be the conversation participants")
	// ErrUnknownDriver is returned by New for unsupported drivers.
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Pair is the unordered pair of conversation participants, kept sorted.
type Pair [2]types.Identity

// NewPair builds the canonical (sorted) pair for a and b.
func NewPair(a, b types.Identity) Pair {
	if b < a {
		a, b = b, a
	}
	return Pair{a, b}
}

// Key is the order-independent room key of the pair.
func (p Pair) Key() string {
	return string(p[0]) + "_" + string(p[1])
}

// Has reports whether id is one of the pair.
func (p Pair) Has(id types.Identity) bool {
	return p[0] == id || p[1] == id
}

// Store is the storage collaborator of the chat relay.
type Store interface {
	// FindConversation returns the conversation between exactly these two participants
	// or ErrNotFound.
	FindConversation(ctx context.Context, participants Pair) (types.Conversation, error)
	CreateConversation(ctx context.Context, participants Pair) (types.Conversation, error)
	AppendMessage(ctx context.Context, conversationID string, senderID, receiverID types.Identity, content string, createdAt time.Time) (types.ChatMessage, error)
	// ListMessages returns the messages of a conversation in creation order.
	ListMessages(ctx context.Context, conversationID string) ([]types.ChatMessage, error)
	Close() error
}

// New opens the store selected by driver.
func New(driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		if dsn == "" {
			dsn = "pairsignal.db"
		}
		return NewSQLite(dsn)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
