package peer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/go-logr/logr"
	"github.com/mentorlink/pairsignal/pkg/types"
	"github.com/pion/webrtc/v3"
)

var (
	ErrLinkClosed         = errors.New("link closed")
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrChannelNotOpen     = errors.New("data channel not open")
	ErrTransportFailed    = errors.New("peer transport failed")
)

// Link is the direct connection to one remote peer, carrying one data channel.
type Link struct {
	remote types.PeerID
	pc     *webrtc.PeerConnection
	logger logr.Logger

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	pending   deque.Deque
	open      bool
	closed    bool
	offerer   bool
	timer     *time.Timer

	onOpen    func(l *Link)
	onMessage func(l *Link, m types.DataMessage)
	// err is nil for an orderly close
	onClose func(l *Link, err error)
}

type linkHandlers struct {
	onOpen    func(l *Link)
	onMessage func(l *Link, m types.DataMessage)
	onClose   func(l *Link, err error)
	onICE     func(l *Link, c webrtc.ICECandidateInit)
}

func newLink(api *webrtc.API, conf Config, remote types.PeerID, h linkHandlers) (*Link, error) {
	pc, err := api.NewPeerConnection(conf.WebRTCConfiguration())
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	l := &Link{
		remote:    remote,
		pc:        pc,
		logger:    log.WithValues("remote", remote),
		onOpen:    h.onOpen,
		onMessage: h.onMessage,
		onClose:   h.onClose,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || h.onICE == nil {
			return
		}
		h.onICE(l, c.ToJSON())
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.logger.V(1).Info("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed:
			l.close(ErrTransportFailed)
		case webrtc.PeerConnectionStateClosed:
			l.close(nil)
		}
	})

	// the answering side receives the channel the offerer created
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			l.logger.V(1).Info("ignoring data channel", "label", dc.Label())
			return
		}
		l.attach(dc)
	})

	l.timer = time.AfterFunc(conf.negotiationTimeout(), func() {
		l.mu.Lock()
		open := l.open
		l.mu.Unlock()
		if !open {
			l.close(ErrNegotiationTimeout)
		}
	})

	return l, nil
}

// Remote returns the peer handle on the other end.
func (l *Link) Remote() types.PeerID {
	return l.remote
}

// Open reports whether the data channel is usable.
func (l *Link) Open() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

func (l *Link) attach(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		l.open = true
		l.timer.Stop()
		l.mu.Unlock()

		l.logger.Info("data channel open")
		if l.onOpen != nil {
			l.onOpen(l)
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		m, err := types.ParseDataMessage(msg.Data)
		if err != nil {
			l.logger.V(1).Info("dropping data channel message", "err", err.Error())
			return
		}
		if l.onMessage != nil {
			l.onMessage(l, m)
		}
	})

	dc.OnClose(func() {
		l.close(nil)
	})
}

// createOffer opens the data channel and returns the local offer.
func (l *Link) createOffer() (webrtc.SessionDescription, error) {
	dc, err := l.pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating data channel: %w", err)
	}
	l.mu.Lock()
	l.offerer = true
	l.mu.Unlock()
	l.attach(dc)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}
	return offer, nil
}

// handleOffer applies a remote offer and returns the local answer.
func (l *Link) handleOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := l.setRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}
	return answer, nil
}

// handleAnswer completes a handshake this side started.
func (l *Link) handleAnswer(answer webrtc.SessionDescription) error {
	return l.setRemoteDescription(answer)
}

// setRemoteDescription applies desc and flushes candidates that arrived before it.
func (l *Link) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	l.mu.Lock()
	buffered := make([]webrtc.ICECandidateInit, 0, l.pending.Len())
	for l.pending.Len() > 0 {
		buffered = append(buffered, l.pending.PopFront().(webrtc.ICECandidateInit))
	}
	l.mu.Unlock()

	for _, c := range buffered {
		if err := l.pc.AddICECandidate(c); err != nil {
			l.logger.Error(err, "add buffered ice candidate")
		}
	}
	return nil
}

// addCandidate applies a remote candidate, buffering it until the remote
// description is known.
func (l *Link) addCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if l.pc.RemoteDescription() == nil {
		l.pending.PushBack(c)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.pc.AddICECandidate(c)
}

// Offerer reports whether this side started the handshake.
func (l *Link) Offerer() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offerer
}

func (l *Link) pendingCandidates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending.Len()
}

// Send writes one message on the data channel.
func (l *Link) Send(m types.DataMessage) error {
	l.mu.Lock()
	dc, open := l.dc, l.open
	l.mu.Unlock()

	if !open || dc == nil {
		return ErrChannelNotOpen
	}
	b, err := types.MarshalDataMessage(m)
	if err != nil {
		return err
	}
	return dc.SendText(string(b))
}

// Close tears the link down. It is not re-established.
func (l *Link) Close() error {
	l.close(nil)
	return nil
}

// close runs once; pion may report the close again through its own callbacks.
func (l *Link) close(reason error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.open = false
	l.timer.Stop()
	l.mu.Unlock()

	if err := l.pc.Close(); err != nil {
		l.logger.Error(err, "peer connection close")
	}
	if reason != nil {
		l.logger.Info("link failed", "reason", reason.Error())
	} else {
		l.logger.Info("link closed")
	}
	if l.onClose != nil {
		l.onClose(l, reason)
	}
}
