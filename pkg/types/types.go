// Package types holds the wire contracts shared by the signaling server, the chat relay
// and their clients. Every event is a concrete struct; the event name travels as the
// JSON-RPC method.
package types

import (
	"encoding/json"
	"time"
)

type SessionID string
type PeerID string
type Identity string

// Signaling events, client -> server.
const (
	MethodJoin         = "join"
	MethodOffer        = "offer"
	MethodAnswer       = "answer"
	MethodICECandidate = "ice-candidate"
	MethodPing         = "ping"
)

// Signaling events, server -> client.
const (
	EventJoined     = "joined"
	EventPeerJoined = "peer-joined"
	EventPeerLeft   = "peer-left"
	EventOffer      = MethodOffer
	EventAnswer     = MethodAnswer
	EventCandidate  = MethodICECandidate
)

// Chat events.
const (
	MethodJoinChat     = "joinChat"
	MethodSendMessage  = "sendMessage"
	MethodListMessages = "listMessages"

	EventConversationReady = "conversationReady"
	EventReceiveMessage    = "receiveMessage"
	EventError             = "error"
)

// JoinRequest is sent by a participant entering a session.
type JoinRequest struct {
	SessionID SessionID `json:"sessionId"`
}

// OfferRequest carries an opaque SDP offer for one target peer.
type OfferRequest struct {
	SessionID SessionID       `json:"sessionId"`
	To        PeerID          `json:"to"`
	SDP       json.RawMessage `json:"sdp"`
}

// AnswerRequest carries an opaque SDP answer for one target peer.
type AnswerRequest struct {
	SessionID SessionID       `json:"sessionId"`
	To        PeerID          `json:"to"`
	SDP       json.RawMessage `json:"sdp"`
}

// CandidateRequest carries an opaque ICE candidate for one target peer.
type CandidateRequest struct {
	SessionID SessionID       `json:"sessionId"`
	To        PeerID          `json:"to"`
	Candidate json.RawMessage `json:"candidate"`
}

type Joined struct {
	SessionID SessionID `json:"sessionId"`
	PeerID    PeerID    `json:"peerId"`
	PeerCount int       `json:"peerCount"`
}

type PeerJoined struct {
	PeerID PeerID `json:"peerId"`
}

type PeerLeft struct {
	PeerID PeerID `json:"peerId"`
}

type RelayedOffer struct {
	SDP  json.RawMessage `json:"sdp"`
	From PeerID          `json:"from"`
}

type RelayedAnswer struct {
	SDP  json.RawMessage `json:"sdp"`
	From PeerID          `json:"from"`
}

type RelayedCandidate struct {
	Candidate json.RawMessage `json:"candidate"`
	From      PeerID          `json:"from"`
}

// Conversation is a persisted two-party chat thread.
type Conversation struct {
	ID           string     `json:"id"`
	Participants []Identity `json:"participants"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// ChatMessage is one persisted message of a conversation.
type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       Identity  `json:"senderId"`
	ReceiverID     Identity  `json:"receiverId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

type JoinChatRequest struct {
	UserA Identity `json:"userIdA"`
	UserB Identity `json:"userIdB"`
}

type SendMessageRequest struct {
	ConversationID string   `json:"conversationId"`
	SenderID       Identity `json:"senderId"`
	ReceiverID     Identity `json:"receiverId"`
	Content        string   `json:"content"`
}

type ListMessagesRequest struct {
	ConversationID string `json:"conversationId"`
}

type ConversationReady struct {
	Conversation Conversation `json:"conversation"`
}

type ReceiveMessage struct {
	Message ChatMessage `json:"message"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

// ICEServer is one entry of the ICE configuration handed to clients.
type ICEServer struct {
	URLs       []string `json:"urls" mapstructure:"urls"`
	Username   string   `json:"username,omitempty" mapstructure:"username"`
	Credential string   `json:"credential,omitempty" mapstructure:"credential"`
}
