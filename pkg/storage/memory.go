package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/getlantern/deepcopy"
	"github.com/mentorlink/pairsignal/pkg/types"
	"github.com/pborman/uuid"
)

type memoryStore struct {
	mu            sync.RWMutex
	conversations map[Pair]*types.Conversation
	byID          map[string]Pair
	messages      map[string][]types.ChatMessage
}

// NewMemory returns a process-local Store.
func NewMemory() Store {
	return &memoryStore{
		conversations: make(map[Pair]*types.Conversation),
		byID:          make(map[string]Pair),
		messages:      make(map[string][]types.ChatMessage),
	}
}

func (m *memoryStore) FindConversation(ctx context.Context, participants Pair) (types.Conversation, error) {
	participants = NewPair(participants[0], participants[1])

	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[participants]
	if !ok {
		return types.Conversation{}, ErrNotFound
	}

	var out types.Conversation
	if err := deepcopy.Copy(&out, conv); err != nil {
		return types.Conversation{}, fmt.Errorf("copy conversation: %w", err)
	}
	return out, nil
}

func (m *memoryStore) CreateConversation(ctx context.Context, participants Pair) (types.Conversation, error) {
	participants = NewPair(participants[0], participants[1])

	m.mu.Lock()
	defer m.mu.Unlock()

	if conv, ok := m.conversations[participants]; ok {
		var out types.Conversation
		if err := deepcopy.Copy(&out, conv); err != nil {
			return types.Conversation{}, fmt.Errorf("copy conversation: %w", err)
		}
		return out, nil
	}

	conv := &types.Conversation{
		ID:           uuid.New(),
		Participants: []types.Identity{participants[0], participants[1]},
		CreatedAt:    time.Now().UTC(),
	}
	m.conversations[participants] = conv
	m.byID[conv.ID] = participants

	return types.Conversation{
		ID:           conv.ID,
		Participants: []types.Identity{participants[0], participants[1]},
		CreatedAt:    conv.CreatedAt,
	}, nil
}

func (m *memoryStore) AppendMessage(ctx context.Context, conversationID string, senderID, receiverID types.Identity, content string, createdAt time.Time) (types.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pair, ok := m.byID[conversationID]
	if !ok {
		return types.ChatMessage{}, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if senderID == receiverID || !pair.Has(senderID) || !pair.Has(receiverID) {
		return types.ChatMessage{}, ErrNotParticipant
	}

	msg := types.ChatMessage{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		CreatedAt:      createdAt.UTC(),
	}

	// keep creation order; equal timestamps stay in append order
	msgs := m.messages[conversationID]
	i := sort.Search(len(msgs), func(i int) bool {
		return msgs[i].CreatedAt.After(msg.CreatedAt)
	})
	msgs = append(msgs, types.ChatMessage{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = msg
	m.messages[conversationID] = msgs

	return msg, nil
}

func (m *memoryStore) ListMessages(ctx context.Context, conversationID string) ([]types.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.byID[conversationID]; !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}

	out := make([]types.ChatMessage, len(m.messages[conversationID]))
	copy(out, m.messages[conversationID])
	return out, nil
}

func (m *memoryStore) Close() error {
	return nil
}
