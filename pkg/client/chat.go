package client

import (
	"context"
	"time"

	"github.com/mentorlink/pairsignal/pkg/types"
	"github.com/sourcegraph/jsonrpc2"
)

// ChatClient is a websocket jsonrpc2 client for the chat relay. Handlers must be
// hooked before Open.
type ChatClient struct {
	context context.Context
	jc      *jsonrpc2.Conn
	// Timeout bounds each call; DefaultTimeout when zero.
	Timeout time.Duration

	onReady   func(conv types.Conversation)
	onMessage func(msg types.ChatMessage)
	onError   func(message string)
}

// NewChatClient constructor
func NewChatClient(ctx context.Context) *ChatClient {
	return &ChatClient{context: ctx}
}

// Open connects to the given url
func (c *ChatClient) Open(url, token string) (<-chan struct{}, error) {
	jc, err := dial(c.context, url, token, c)
	if err != nil {
		return nil, err
	}
	c.jc = jc
	return c.jc.DisconnectNotify(), nil
}

// Close disconnects the websocket
func (c *ChatClient) Close() error {
	if c.jc == nil {
		return errNotConnected
	}
	return c.jc.Close()
}

// JoinChat resolves the conversation between a and b and subscribes to it.
func (c *ChatClient) JoinChat(a, b types.Identity) (types.Conversation, error) {
	var conv types.Conversation
	err := call(c.context, c.jc, c.Timeout, types.MethodJoinChat, types.JoinChatRequest{UserA: a, UserB: b}, &conv)
	return conv, err
}

// SendMessage persists and relays one message, returning it as stored.
func (c *ChatClient) SendMessage(conversationID string, sender, receiver types.Identity, content string) (types.ChatMessage, error) {
	var msg types.ChatMessage
	err := call(c.context, c.jc, c.Timeout, types.MethodSendMessage, types.SendMessageRequest{
		ConversationID: conversationID,
		SenderID:       sender,
		ReceiverID:     receiver,
		Content:        content,
	}, &msg)
	return msg, err
}

// ListMessages fetches the history of a conversation in creation order.
func (c *ChatClient) ListMessages(conversationID string) ([]types.ChatMessage, error) {
	var messages []types.ChatMessage
	err := call(c.context, c.jc, c.Timeout, types.MethodListMessages, types.ListMessagesRequest{ConversationID: conversationID}, &messages)
	return messages, err
}

// Handle handles incoming jsonrpc2 messages
func (c *ChatClient) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	switch req.Method {
	case types.EventConversationReady:
		var ready types.ConversationReady
		if decode(req, &ready) && c.onReady != nil {
			c.onReady(ready.Conversation)
		}

	case types.EventReceiveMessage:
		var received types.ReceiveMessage
		if decode(req, &received) && c.onMessage != nil {
			c.onMessage(received.Message)
		}

	case types.EventError:
		var failure types.ErrorEvent
		if decode(req, &failure) && c.onError != nil {
			c.onError(failure.Message)
		}
	}
}

// OnConversationReady hook a handler for resolved conversations
func (c *ChatClient) OnConversationReady(cb func(conv types.Conversation)) {
	c.onReady = cb
}

// OnMessage hook a handler for relayed messages
func (c *ChatClient) OnMessage(cb func(msg types.ChatMessage)) {
	c.onMessage = cb
}

// OnError hook a handler for relay errors
func (c *ChatClient) OnError(cb func(message string)) {
	c.onError = cb
}
