package pairsignal

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mentorlink/pairsignal/pkg/types"
	"github.com/sourcegraph/jsonrpc2"
)

// JSONSignal handles the signaling events of one connection. Events of a connection
// are handled one at a time; different connections run concurrently.
type JSONSignal struct {
	mu    sync.Mutex
	rooms *Registry
	p     *Participant

	disconnectOnce sync.Once
}

func newJSONSignal(rooms *Registry, p *Participant) *JSONSignal {
	return &JSONSignal{
		rooms: rooms,
		p:     p,
	}
}

// decodeParams unmarshals the request params, reporting false for absent or invalid ones.
func decodeParams(req *jsonrpc2.Request, v interface{}) bool {
	if req.Params == nil {
		return false
	}
	return json.Unmarshal(*req.Params, v) == nil
}

// ack replies to calls so JSON-RPC callers never hang; notifications get nothing.
func ack(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, result interface{}) {
	if req.Notif {
		return
	}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		log.V(1).Info("reply failed", "method", req.Method, "err", err.Error())
	}
}

func dropped(p *Participant, req *jsonrpc2.Request, reason string) {
	log.V(1).Info("dropping event", "peer_id", p.ID(), "method", req.Method, "reason", reason)
	prometheusCounterDropped.WithLabelValues(reason).Inc()
}

// Handle incoming RPC events like join, offer, answer and ice-candidate
func (h *JSONSignal) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	defer Recover()

	if h.p.State() == StateDisconnected {
		return
	}

	switch req.Method {
	case types.MethodJoin:
		var join types.JoinRequest
		if !decodeParams(req, &join) || join.SessionID == "" {
			dropped(h.p, req, "malformed")
			ack(ctx, conn, req, nil)
			break
		}
		ack(ctx, conn, req, h.join(join.SessionID))

	case types.MethodOffer:
		var offer types.OfferRequest
		if !decodeParams(req, &offer) {
			dropped(h.p, req, "malformed")
		} else {
			h.relay(req, offer.SessionID, offer.To, types.EventOffer, func(from types.PeerID) interface{} {
				return types.RelayedOffer{SDP: offer.SDP, From: from}
			})
		}
		ack(ctx, conn, req, nil)

	case types.MethodAnswer:
		var answer types.AnswerRequest
		if !decodeParams(req, &answer) {
			dropped(h.p, req, "malformed")
		} else {
			h.relay(req, answer.SessionID, answer.To, types.EventAnswer, func(from types.PeerID) interface{} {
				return types.RelayedAnswer{SDP: answer.SDP, From: from}
			})
		}
		ack(ctx, conn, req, nil)

	case types.MethodICECandidate:
		var trickle types.CandidateRequest
		if !decodeParams(req, &trickle) {
			dropped(h.p, req, "malformed")
		} else {
			h.relay(req, trickle.SessionID, trickle.To, types.EventCandidate, func(from types.PeerID) interface{} {
				return types.RelayedCandidate{Candidate: trickle.Candidate, From: from}
			})
		}
		ack(ctx, conn, req, nil)

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

// join places the participant in sid, leaving any previous room first. The joiner
// gets joined{peerCount}; every member already present gets peer-joined.
func (h *JSONSignal) join(sid types.SessionID) types.Joined {
	if cur, ok := h.p.Room(); ok {
		if cur == sid {
			joined := types.Joined{SessionID: sid, PeerID: h.p.ID(), PeerCount: h.rooms.Count(sid)}
			h.p.Send(types.EventJoined, joined)
			return joined
		}
		h.leave(cur)
	}

	count, others := h.rooms.Enter(sid, h.p)
	h.p.setRoom(sid)
	log.Info("peer joined session", "peer_id", h.p.ID(), "identity", h.p.Identity(), "session_id", sid, "peer_count", count)

	joined := types.Joined{SessionID: sid, PeerID: h.p.ID(), PeerCount: count}
	h.p.Send(types.EventJoined, joined)

	for _, other := range others {
		other.Send(types.EventPeerJoined, types.PeerJoined{PeerID: h.p.ID()})
	}
	return joined
}

// leave removes the participant from sid and tells the remaining members.
func (h *JSONSignal) leave(sid types.SessionID) {
	remaining, removed := h.rooms.Exit(sid, h.p)
	h.p.clearRoom()
	if !removed {
		return
	}

	log.Info("peer left session", "peer_id", h.p.ID(), "session_id", sid, "remaining", len(remaining))
	for _, other := range remaining {
		other.Send(types.EventPeerLeft, types.PeerLeft{PeerID: h.p.ID()})
	}
}

// relay forwards a point-to-point message to `to`, annotated with the sender. It is a
// silent no-op unless sender and target are both members of sid.
func (h *JSONSignal) relay(req *jsonrpc2.Request, sid types.SessionID, to types.PeerID, event string, build func(from types.PeerID) interface{}) {
	if sid == "" || to == "" {
		dropped(h.p, req, "malformed")
		return
	}

	if cur, ok := h.p.Room(); !ok || cur != sid {
		dropped(h.p, req, "not_in_session")
		return
	}

	target, ok := h.rooms.Member(sid, to)
	if !ok {
		dropped(h.p, req, "target_unavailable")
		return
	}

	if target.Send(event, build(h.p.ID())) {
		prometheusCounterRelayed.WithLabelValues(event).Inc()
	}
}

// disconnect is the single terminal lifecycle event of a connection.
func (h *JSONSignal) disconnect() {
	h.disconnectOnce.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		if sid, ok := h.p.Room(); ok {
			h.leave(sid)
		}
		h.p.close()
		log.Info("peer disconnected", "peer_id", h.p.ID(), "identity", h.p.Identity())
	})
}
