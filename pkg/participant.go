package pairsignal

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/lucsky/cuid"
	"github.com/mentorlink/pairsignal/pkg/types"
	"github.com/sourcegraph/jsonrpc2"
)

// ParticipantState is the per-connection lifecycle:
// Connected -> Joined -> Disconnected. There is no way back from Disconnected.
type ParticipantState int32

const (
	StateConnected ParticipantState = iota
	StateJoined
	StateDisconnected
)

func (s ParticipantState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

const defaultQueueSize = 32

type outbound struct {
	method string
	params interface{}
}

// notifier is the subset of *jsonrpc2.Conn used to push events.
type notifier interface {
	Notify(ctx context.Context, method string, params interface{}, opts ...jsonrpc2.CallOption) error
}

// Participant is the server-side handle of one connection.
type Participant struct {
	id       types.PeerID
	identity types.Identity

	mu    sync.Mutex
	room  types.SessionID
	state int32

	out       chan outbound
	done      chan struct{}
	closeOnce sync.Once
}

func newParticipant(identity types.Identity, queueSize int) *Participant {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Participant{
		id:       types.PeerID(cuid.New()),
		identity: identity,
		out:      make(chan outbound, queueSize),
		done:     make(chan struct{}),
	}
}

// ID returns the connection handle.
func (p *Participant) ID() types.PeerID {
	return p.id
}

// Identity returns the authenticated subject of the connection.
func (p *Participant) Identity() types.Identity {
	return p.identity
}

func (p *Participant) State() ParticipantState {
	return ParticipantState(atomic.LoadInt32(&p.state))
}

// Room returns the room the participant currently occupies.
func (p *Participant) Room() (types.SessionID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.room, p.room != ""
}

func (p *Participant) setRoom(room types.SessionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State() == StateDisconnected {
		return
	}
	p.room = room
	atomic.StoreInt32(&p.state, int32(StateJoined))
}

func (p *Participant) clearRoom() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.room = ""
}

// Send queues an event for delivery without blocking. It returns false if the event
// was dropped because the participant is gone or its queue is full.
func (p *Participant) Send(method string, params interface{}) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.out <- outbound{method: method, params: params}:
		return true
	default:
		log.Error(nil, "outbound queue full, dropping event", "peer_id", p.id, "method", method)
		prometheusCounterDropped.WithLabelValues("queue_full").Inc()
		return false
	}
}

// pump delivers queued events in order until the participant is closed.
func (p *Participant) pump(ctx context.Context, conn notifier) {
	for {
		select {
		case msg := <-p.out:
			if err := conn.Notify(ctx, msg.method, msg.params); err != nil {
				log.V(1).Info("notify failed", "peer_id", p.id, "method", msg.method, "err", err.Error())
			}
		case <-p.done:
			return
		}
	}
}

// close marks the participant disconnected and stops its pump. Safe to call twice.
func (p *Participant) close() bool {
	closed := false
	p.closeOnce.Do(func() {
		atomic.StoreInt32(&p.state, int32(StateDisconnected))
		close(p.done)
		closed = true
	})
	return closed
}
