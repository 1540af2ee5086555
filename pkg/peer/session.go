// Package peer runs the participant side of a pairing session: one WebRTC link per
// other member of the room and a shared document kept in sync over data channels.
package peer

import (
	"errors"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/mentorlink/pairsignal/pkg/logger"
	"github.com/mentorlink/pairsignal/pkg/types"
	"github.com/pion/webrtc/v3"
)

var log = logger.GetLogger().WithName("peer")

var errSessionClosed = errors.New("session closed")

// Signaler relays handshake messages to one peer through the signaling server.
type Signaler interface {
	Offer(to types.PeerID, offer webrtc.SessionDescription) error
	Answer(to types.PeerID, answer webrtc.SessionDescription) error
	Trickle(to types.PeerID, candidate webrtc.ICECandidateInit) error
}

// Session keeps one Link per remote peer of the room. Signaling events are handled
// one at a time on a single worker, off the caller's goroutine.
type Session struct {
	name   string
	conf   Config
	api    *webrtc.API
	signal Signaler
	doc    *Document
	pool   *workerpool.WorkerPool

	mu     sync.Mutex
	links  map[types.PeerID]*Link
	names  map[types.PeerID]string
	closed bool

	onChat       func(from types.PeerID, name, content string)
	onPeerName   func(peer types.PeerID, name string)
	onLinkOpen   func(peer types.PeerID)
	onLinkFailed func(peer types.PeerID, err error)
}

// NewSession creates the orchestrator for the local participant called name.
func NewSession(name string, conf Config, signal Signaler, doc *Document) *Session {
	s := &Session{
		name:   name,
		conf:   conf,
		api:    webrtc.NewAPI(),
		signal: signal,
		doc:    doc,
		pool:   workerpool.New(1),
		links:  make(map[types.PeerID]*Link),
		names:  make(map[types.PeerID]string),
	}
	doc.setBroadcaster(s.broadcast)
	return s
}

// Document returns the shared document.
func (s *Session) Document() *Document {
	return s.doc
}

// OnChat hooks a handler for chat lines from peers.
func (s *Session) OnChat(f func(from types.PeerID, name, content string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChat = f
}

// OnPeerName hooks a handler for peers announcing their display name.
func (s *Session) OnPeerName(f func(peer types.PeerID, name string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPeerName = f
}

// OnLinkOpen hooks a handler for links whose data channel opened.
func (s *Session) OnLinkOpen(f func(peer types.PeerID)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLinkOpen = f
}

// OnLinkFailed hooks a handler for links that failed or timed out. The session keeps
// working with its other peers.
func (s *Session) OnLinkFailed(f func(peer types.PeerID, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLinkFailed = f
}

// submit queues work on the session worker; dropped once the session is closed.
func (s *Session) submit(f func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.pool.Submit(f)
	return true
}

// Peers returns the remote peers that currently have a link.
func (s *Session) Peers() []types.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]types.PeerID, 0, len(s.links))
	for id := range s.links {
		peers = append(peers, id)
	}
	return peers
}

// Name returns the display name a peer announced, if any.
func (s *Session) Name(peer types.PeerID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[peer]
}

func (s *Session) link(peer types.PeerID) (*Link, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[peer]
	return l, ok
}

// newLink replaces any existing link to peer.
func (s *Session) newLink(peer types.PeerID) (*Link, error) {
	if old, ok := s.link(peer); ok {
		_ = old.Close()
	}

	l, err := newLink(s.api, s.conf, peer, linkHandlers{
		onOpen:    s.linkOpened,
		onMessage: s.linkMessage,
		onClose:   s.linkClosed,
		onICE: func(l *Link, c webrtc.ICECandidateInit) {
			if err := s.signal.Trickle(l.Remote(), c); err != nil {
				log.Error(err, "trickle failed", "remote", l.Remote())
			}
		},
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = l.Close()
		return nil, errSessionClosed
	}
	s.links[peer] = l
	return l, nil
}

// PeerJoined starts a handshake towards a peer that entered the room after us.
func (s *Session) PeerJoined(peer types.PeerID) {
	s.submit(func() {
		l, err := s.newLink(peer)
		if err != nil {
			s.fail(peer, err)
			return
		}
		offer, err := l.createOffer()
		if err != nil {
			_ = l.Close()
			s.fail(peer, err)
			return
		}
		if err := s.signal.Offer(peer, offer); err != nil {
			_ = l.Close()
			s.fail(peer, err)
			return
		}
		log.V(1).Info("sent offer", "remote", peer)
	})
}

// HandleOffer answers a handshake started by a peer.
func (s *Session) HandleOffer(from types.PeerID, offer webrtc.SessionDescription) {
	s.submit(func() {
		l, err := s.newLink(from)
		if err != nil {
			s.fail(from, err)
			return
		}
		answer, err := l.handleOffer(offer)
		if err != nil {
			_ = l.Close()
			s.fail(from, err)
			return
		}
		if err := s.signal.Answer(from, answer); err != nil {
			_ = l.Close()
			s.fail(from, err)
			return
		}
		log.V(1).Info("sent answer", "remote", from)
	})
}

// HandleAnswer completes a handshake this side started.
func (s *Session) HandleAnswer(from types.PeerID, answer webrtc.SessionDescription) {
	s.submit(func() {
		l, ok := s.link(from)
		if !ok {
			log.V(1).Info("answer for unknown link", "remote", from)
			return
		}
		if err := l.handleAnswer(answer); err != nil {
			_ = l.Close()
			s.fail(from, err)
		}
	})
}

// HandleCandidate applies a remote ICE candidate in whatever order it arrives.
func (s *Session) HandleCandidate(from types.PeerID, candidate webrtc.ICECandidateInit) {
	s.submit(func() {
		l, ok := s.link(from)
		if !ok {
			log.V(1).Info("candidate for unknown link", "remote", from)
			return
		}
		if err := l.addCandidate(candidate); err != nil {
			log.Error(err, "add ice candidate", "remote", from)
		}
	})
}

// PeerLeft tears down the link to a peer that left the room.
func (s *Session) PeerLeft(peer types.PeerID) {
	s.submit(func() {
		if l, ok := s.link(peer); ok {
			_ = l.Close()
		}
	})
}

// SendChat sends a chat line to every open link.
func (s *Session) SendChat(content string) {
	s.broadcast(types.DataChat{Name: s.name, Content: content})
}

func (s *Session) broadcast(m types.DataMessage) {
	s.mu.Lock()
	links := make([]*Link, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	s.mu.Unlock()

	for _, l := range links {
		if err := l.Send(m); err != nil && !errors.Is(err, ErrChannelNotOpen) {
			log.Error(err, "data channel send", "remote", l.Remote(), "type", m.Kind())
		}
	}
}

func (s *Session) fail(peer types.PeerID, err error) {
	log.Error(err, "peer link failed", "remote", peer)
	s.mu.Lock()
	f := s.onLinkFailed
	s.mu.Unlock()
	if f != nil {
		f(peer, err)
	}
}

// greeting is what goes out on a freshly opened channel. Only the member already in
// the room, which offered, transfers its document; the late joiner adopts it.
func (s *Session) greeting(offerer bool) []types.DataMessage {
	msgs := []types.DataMessage{types.DataJoin{Name: s.name}}
	if offerer {
		msgs = append(msgs, s.doc.state()...)
	}
	return msgs
}

// linkOpened announces who we are and transfers the document to a late joiner.
func (s *Session) linkOpened(l *Link) {
	s.submit(func() {
		for _, m := range s.greeting(l.Offerer()) {
			if err := l.Send(m); err != nil {
				log.Error(err, "state transfer", "remote", l.Remote(), "type", m.Kind())
				return
			}
		}

		s.mu.Lock()
		f := s.onLinkOpen
		s.mu.Unlock()
		if f != nil {
			f(l.Remote())
		}
	})
}

func (s *Session) linkMessage(l *Link, m types.DataMessage) {
	s.submit(func() {
		s.handleData(l.Remote(), m)
	})
}

// handleData applies one data channel message from peer.
func (s *Session) handleData(peer types.PeerID, m types.DataMessage) {
	switch msg := m.(type) {
	case types.DataJoin:
		s.mu.Lock()
		s.names[peer] = msg.Name
		f := s.onPeerName
		s.mu.Unlock()
		if f != nil {
			f(peer, msg.Name)
		}

	case types.DataCode:
		if s.doc.ApplyRemoteCode(msg.Content) {
			log.V(2).Info("applied remote code", "remote", peer, "size", len(msg.Content))
		}

	case types.DataLang:
		if s.doc.ApplyRemoteLang(msg.Lang) {
			log.V(1).Info("applied remote language", "remote", peer, "lang", msg.Lang)
		}

	case types.DataChat:
		s.mu.Lock()
		f := s.onChat
		s.mu.Unlock()
		if f != nil {
			f(peer, msg.Name, msg.Content)
		}
	}
}

// linkClosed forgets a link; a failure is reported unless the session is closing.
func (s *Session) linkClosed(l *Link, err error) {
	s.mu.Lock()
	if cur, ok := s.links[l.Remote()]; ok && cur == l {
		delete(s.links, l.Remote())
		delete(s.names, l.Remote())
	}
	closed := s.closed
	s.mu.Unlock()

	if err != nil && !closed {
		s.fail(l.Remote(), err)
	}
}

// Close tears down every link and stops the worker.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	links := make([]*Link, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	s.mu.Unlock()

	s.pool.StopWait()
	for _, l := range links {
		_ = l.Close()
	}
}
