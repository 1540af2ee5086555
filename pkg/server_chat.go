package pairsignal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mentorlink/pairsignal/pkg/storage"
	"github.com/mentorlink/pairsignal/pkg/types"
	"github.com/sourcegraph/jsonrpc2"
)

var (
	errNotConversationMember = errors.New("caller is not a participant of this conversation")
	errSameParticipant       = errors.New("a conversation needs two distinct participants")
)

// CanonicalRoomKey maps an unordered pair of identities to one room key.
func CanonicalRoomKey(a, b types.Identity) types.SessionID {
	return types.SessionID(storage.NewPair(a, b).Key())
}

// ChatRelay maps identity pairs to durable conversations and fans persisted
// messages out to the pair's room.
type ChatRelay struct {
	store  storage.Store
	rooms  *Registry
	config ChatConfig

	// serializes find-or-create so one pair never gets two conversations
	convMu sync.Mutex
}

// NewChatRelay creates a chat relay backed by store.
func NewChatRelay(store storage.Store, conf ChatConfig) *ChatRelay {
	return &ChatRelay{
		store:  store,
		rooms:  NewRegistry(),
		config: conf,
	}
}

func (c *ChatRelay) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.config.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.config.StoreTimeout)
}

// conversation finds the conversation of the pair or creates it.
func (c *ChatRelay) conversation(ctx context.Context, a, b types.Identity) (types.Conversation, error) {
	pair := storage.NewPair(a, b)

	c.convMu.Lock()
	defer c.convMu.Unlock()

	ctx, cancel := c.storeContext(ctx)
	defer cancel()

	conv, err := c.store.FindConversation(ctx, pair)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return types.Conversation{}, err
	}

	conv, err = c.store.CreateConversation(ctx, pair)
	if err != nil {
		return types.Conversation{}, err
	}
	log.Info("conversation created", "conversation_id", conv.ID, "participants", conv.Participants)
	return conv, nil
}

// JoinChat resolves the conversation of a and b, moves p into its room and emits
// conversationReady to everyone in that room.
func (c *ChatRelay) JoinChat(ctx context.Context, p *Participant, a, b types.Identity) (types.Conversation, error) {
	if a == b {
		return types.Conversation{}, errSameParticipant
	}
	if c.config.Auth.Enabled && p.Identity() != a && p.Identity() != b {
		return types.Conversation{}, errNotConversationMember
	}

	conv, err := c.conversation(ctx, a, b)
	if err != nil {
		prometheusCounterPersistFailures.Inc()
		return types.Conversation{}, fmt.Errorf("failed to resolve conversation: %w", err)
	}

	room := CanonicalRoomKey(a, b)
	if cur, ok := p.Room(); ok && cur != room {
		c.rooms.Leave(cur, p)
	}
	c.rooms.Join(room, p)
	p.setRoom(room)

	ready := types.ConversationReady{Conversation: conv}
	for _, member := range c.rooms.Members(room, "") {
		member.Send(types.EventConversationReady, ready)
	}
	return conv, nil
}

// SendMessage persists the message, then emits it to the sender/receiver room. Nothing
// is emitted when persistence fails.
func (c *ChatRelay) SendMessage(ctx context.Context, p *Participant, req types.SendMessageRequest) (types.ChatMessage, error) {
	if c.config.Auth.Enabled && req.SenderID != p.Identity() {
		return types.ChatMessage{}, errNotConversationMember
	}

	sctx, cancel := c.storeContext(ctx)
	defer cancel()

	msg, err := c.store.AppendMessage(sctx, req.ConversationID, req.SenderID, req.ReceiverID, req.Content, time.Now().UTC())
	if err != nil {
		prometheusCounterPersistFailures.Inc()
		return types.ChatMessage{}, fmt.Errorf("failed to persist message: %w", err)
	}
	prometheusCounterChatMessages.Inc()

	room := CanonicalRoomKey(req.SenderID, req.ReceiverID)
	for _, member := range c.rooms.Members(room, "") {
		member.Send(types.EventReceiveMessage, types.ReceiveMessage{Message: msg})
	}
	return msg, nil
}

// ListMessages returns the conversation history in creation order.
func (c *ChatRelay) ListMessages(ctx context.Context, conversationID string) ([]types.ChatMessage, error) {
	ctx, cancel := c.storeContext(ctx)
	defer cancel()
	return c.store.ListMessages(ctx, conversationID)
}

func (c *ChatRelay) leave(p *Participant) {
	if room, ok := p.Room(); ok {
		c.rooms.Leave(room, p)
		p.clearRoom()
	}
}

// JSONChat handles the chat events of one connection.
type JSONChat struct {
	mu    sync.Mutex
	relay *ChatRelay
	p     *Participant
	// conversation the connection last joined
	conversationID string

	disconnectOnce sync.Once
}

func newJSONChat(relay *ChatRelay, p *Participant) *JSONChat {
	return &JSONChat{
		relay: relay,
		p:     p,
	}
}

// parseJoinChat accepts either [userIdA, userIdB] or {"userIdA": .., "userIdB": ..}.
func parseJoinChat(req *jsonrpc2.Request) (types.JoinChatRequest, bool) {
	var join types.JoinChatRequest
	if req.Params == nil {
		return join, false
	}

	var pair []types.Identity
	if err := json.Unmarshal(*req.Params, &pair); err == nil {
		if len(pair) != 2 {
			return join, false
		}
		join.UserA, join.UserB = pair[0], pair[1]
	} else if err := json.Unmarshal(*req.Params, &join); err != nil {
		return join, false
	}
	return join, join.UserA != "" && join.UserB != ""
}

// fail reports err to the invoking connection only.
func (h *JSONChat) fail(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, err error) {
	log.Error(err, "chat request failed", "peer_id", h.p.ID(), "method", req.Method)
	h.p.Send(types.EventError, types.ErrorEvent{Message: err.Error()})
	if !req.Notif {
		_ = conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{
			Code:    500,
			Message: err.Error(),
		})
	}
}

// Handle incoming RPC events like joinChat and sendMessage
func (h *JSONChat) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	defer Recover()

	if h.p.State() == StateDisconnected {
		return
	}

	switch req.Method {
	case types.MethodJoinChat:
		join, ok := parseJoinChat(req)
		if !ok {
			dropped(h.p, req, "malformed")
			ack(ctx, conn, req, nil)
			break
		}
		conv, err := h.relay.JoinChat(ctx, h.p, join.UserA, join.UserB)
		if err != nil {
			h.fail(ctx, conn, req, err)
			break
		}
		h.conversationID = conv.ID
		ack(ctx, conn, req, conv)

	case types.MethodSendMessage:
		var send types.SendMessageRequest
		if !decodeParams(req, &send) || send.ConversationID == "" || send.SenderID == "" || send.ReceiverID == "" {
			dropped(h.p, req, "malformed")
			ack(ctx, conn, req, nil)
			break
		}
		msg, err := h.relay.SendMessage(ctx, h.p, send)
		if err != nil {
			h.fail(ctx, conn, req, err)
			break
		}
		ack(ctx, conn, req, msg)

	case types.MethodListMessages:
		var list types.ListMessagesRequest
		if !decodeParams(req, &list) || list.ConversationID == "" {
			dropped(h.p, req, "malformed")
			ack(ctx, conn, req, nil)
			break
		}
		if h.relay.config.Auth.Enabled && list.ConversationID != h.conversationID {
			h.fail(ctx, conn, req, errNotConversationMember)
			break
		}
		messages, err := h.relay.ListMessages(ctx, list.ConversationID)
		if err != nil {
			h.fail(ctx, conn, req, err)
			break
		}
		ack(ctx, conn, req, messages)

	case types.MethodPing:
		ack(ctx, conn, req, "pong")

	default:
		dropped(h.p, req, "unknown_method")
		if !req.Notif {
			_ = conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{
				Code:    jsonrpc2.CodeMethodNotFound,
				Message: "method not found: " + req.Method,
			})
		}
	}
}

func (h *JSONChat) disconnect() {
	h.disconnectOnce.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		h.relay.leave(h.p)
		h.p.close()
		log.V(1).Info("chat connection closed", "peer_id", h.p.ID(), "identity", h.p.Identity())
	})
}
