package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mentorlink/pairsignal/pkg/types"
	"github.com/pion/webrtc/v3"
	"github.com/sourcegraph/jsonrpc2"
)

// Signal is the RPC interface of the signaling server
type Signal interface {
	Open(url, token string) (closed <-chan struct{}, err error)
	Close() error

	Join(sid types.SessionID) (types.Joined, error)
	Offer(to types.PeerID, offer webrtc.SessionDescription) error
	Answer(to types.PeerID, answer webrtc.SessionDescription) error
	Trickle(to types.PeerID, candidate webrtc.ICECandidateInit) error

	OnPeerJoined(func(peer types.PeerID))
	OnPeerLeft(func(peer types.PeerID))
	OnOffer(func(from types.PeerID, offer webrtc.SessionDescription))
	OnAnswer(func(from types.PeerID, answer webrtc.SessionDescription))
	OnTrickle(func(from types.PeerID, candidate webrtc.ICECandidateInit))
}

// JSONRPCSignalClient is a websocket jsonrpc2 client for the signaling server.
// Handlers must be hooked before Open.
type JSONRPCSignalClient struct {
	context context.Context
	jc      *jsonrpc2.Conn
	// Timeout bounds Join; DefaultTimeout when zero.
	Timeout time.Duration

	mu     sync.Mutex
	sid    types.SessionID
	selfID types.PeerID

	onPeerJoined func(peer types.PeerID)
	onPeerLeft   func(peer types.PeerID)
	onOffer      func(from types.PeerID, offer webrtc.SessionDescription)
	onAnswer     func(from types.PeerID, answer webrtc.SessionDescription)
	onTrickle    func(from types.PeerID, candidate webrtc.ICECandidateInit)
}

// NewJSONRPCSignalClient constructor
func NewJSONRPCSignalClient(ctx context.Context) *JSONRPCSignalClient {
	return &JSONRPCSignalClient{context: ctx}
}

// Open connects to the given url
func (c *JSONRPCSignalClient) Open(url, token string) (<-chan struct{}, error) {
	jc, err := dial(c.context, url, token, c)
	if err != nil {
		return nil, err
	}
	c.jc = jc
	return c.jc.DisconnectNotify(), nil
}

// Close disconnects the websocket
func (c *JSONRPCSignalClient) Close() error {
	if c.jc == nil {
		return errNotConnected
	}
	return c.jc.Close()
}

// Session returns the joined session and the peer id the server assigned.
func (c *JSONRPCSignalClient) Session() (types.SessionID, types.PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid, c.selfID
}

// Join a session id. Fails with ErrTimeout if the server does not confirm in time.
func (c *JSONRPCSignalClient) Join(sid types.SessionID) (types.Joined, error) {
	log.V(1).Info("signal client sending join", "session_id", sid)

	var joined types.Joined
	if err := call(c.context, c.jc, c.Timeout, types.MethodJoin, types.JoinRequest{SessionID: sid}, &joined); err != nil {
		return types.Joined{}, err
	}

	c.mu.Lock()
	c.sid, c.selfID = joined.SessionID, joined.PeerID
	c.mu.Unlock()
	return joined, nil
}

func (c *JSONRPCSignalClient) session() types.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

// Offer sends an sdp offer to one peer of the joined session
func (c *JSONRPCSignalClient) Offer(to types.PeerID, offer webrtc.SessionDescription) error {
	if c.jc == nil {
		return errNotConnected
	}
	sdp, err := json.Marshal(offer)
	if err != nil {
		return err
	}

	log.V(1).Info("signal client sending offer", "to", to)
	return c.jc.Notify(c.context, types.MethodOffer, types.OfferRequest{SessionID: c.session(), To: to, SDP: sdp})
}

// Answer an sdp offer that originated from a peer
func (c *JSONRPCSignalClient) Answer(to types.PeerID, answer webrtc.SessionDescription) error {
	if c.jc == nil {
		return errNotConnected
	}
	sdp, err := json.Marshal(answer)
	if err != nil {
		return err
	}

	log.V(1).Info("signal client sending answer", "to", to)
	return c.jc.Notify(c.context, types.MethodAnswer, types.AnswerRequest{SessionID: c.session(), To: to, SDP: sdp})
}

// Trickle send ice candidates to a peer
func (c *JSONRPCSignalClient) Trickle(to types.PeerID, candidate webrtc.ICECandidateInit) error {
	if c.jc == nil {
		return errNotConnected
	}
	raw, err := json.Marshal(candidate)
	if err != nil {
		return err
	}

	log.V(2).Info("signal client sending trickle ice", "to", to)
	return c.jc.Notify(c.context, types.MethodICECandidate, types.CandidateRequest{SessionID: c.session(), To: to, Candidate: raw})
}

func decode(req *jsonrpc2.Request, v interface{}) bool {
	if req.Params == nil {
		log.Error(nil, "missing params from server", "method", req.Method)
		return false
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		log.Error(err, "error parsing params from server", "method", req.Method)
		return false
	}
	return true
}

// Handle handles incoming jsonrpc2 messages
func (c *JSONRPCSignalClient) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	switch req.Method {
	case types.EventJoined:
		var joined types.Joined
		if decode(req, &joined) {
			c.mu.Lock()
			c.sid, c.selfID = joined.SessionID, joined.PeerID
			c.mu.Unlock()
		}

	case types.EventPeerJoined:
		var pj types.PeerJoined
		if decode(req, &pj) && c.onPeerJoined != nil {
			c.onPeerJoined(pj.PeerID)
		}

	case types.EventPeerLeft:
		var pl types.PeerLeft
		if decode(req, &pl) && c.onPeerLeft != nil {
			c.onPeerLeft(pl.PeerID)
		}

	case types.EventOffer:
		var relayed types.RelayedOffer
		var offer webrtc.SessionDescription
		if !decode(req, &relayed) || json.Unmarshal(relayed.SDP, &offer) != nil {
			break
		}
		if c.onOffer != nil {
			c.onOffer(relayed.From, offer)
		}

	case types.EventAnswer:
		var relayed types.RelayedAnswer
		var answer webrtc.SessionDescription
		if !decode(req, &relayed) || json.Unmarshal(relayed.SDP, &answer) != nil {
			break
		}
		if c.onAnswer != nil {
			c.onAnswer(relayed.From, answer)
		}

	case types.EventCandidate:
		var relayed types.RelayedCandidate
		var candidate webrtc.ICECandidateInit
		if !decode(req, &relayed) || json.Unmarshal(relayed.Candidate, &candidate) != nil {
			break
		}
		if c.onTrickle != nil {
			c.onTrickle(relayed.From, candidate)
		}
	}
}

// OnPeerJoined hook a handler for peers entering the session
func (c *JSONRPCSignalClient) OnPeerJoined(cb func(peer types.PeerID)) {
	c.onPeerJoined = cb
}

// OnPeerLeft hook a handler for peers leaving the session
func (c *JSONRPCSignalClient) OnPeerLeft(cb func(peer types.PeerID)) {
	c.onPeerLeft = cb
}

// OnOffer hook an offer handler
func (c *JSONRPCSignalClient) OnOffer(cb func(from types.PeerID, offer webrtc.SessionDescription)) {
	c.onOffer = cb
}

// OnAnswer hook an answer handler
func (c *JSONRPCSignalClient) OnAnswer(cb func(from types.PeerID, answer webrtc.SessionDescription)) {
	c.onAnswer = cb
}

// OnTrickle hook a trickle handler
func (c *JSONRPCSignalClient) OnTrickle(cb func(from types.PeerID, candidate webrtc.ICECandidateInit)) {
	c.onTrickle = cb
}

var _ Signal = (*JSONRPCSignalClient)(nil)
