package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	pairsignal "github.com/mentorlink/pairsignal/pkg"
	"github.com/mentorlink/pairsignal/pkg/storage"
	"github.com/mentorlink/pairsignal/pkg/types"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) string {
	conf := pairsignal.DefaultConfig()
	s, _ := pairsignal.NewSignal(conf, pairsignal.NewChatRelay(storage.NewMemory(), conf.Chat))
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSignalClientRelay(t *testing.T) {
	url := newServer(t) + "/signal"
	ctx := context.Background()

	a := NewJSONRPCSignalClient(ctx)
	b := NewJSONRPCSignalClient(ctx)

	joinedPeers := make(chan types.PeerID, 1)
	a.OnPeerJoined(func(peer types.PeerID) { joinedPeers <- peer })
	offers := make(chan webrtc.SessionDescription, 1)
	b.OnOffer(func(from types.PeerID, offer webrtc.SessionDescription) { offers <- offer })
	candidates := make(chan webrtc.ICECandidateInit, 1)
	b.OnTrickle(func(from types.PeerID, candidate webrtc.ICECandidateInit) { candidates <- candidate })
	left := make(chan types.PeerID, 1)
	a.OnPeerLeft(func(peer types.PeerID) { left <- peer })

	_, err := a.Open(url, "")
	require.NoError(t, err)
	_, err = b.Open(url, "")
	require.NoError(t, err)

	ja, err := a.Join("pairing")
	require.NoError(t, err)
	require.Equal(t, 1, ja.PeerCount)
	jb, err := b.Join("pairing")
	require.NoError(t, err)
	require.Equal(t, 2, jb.PeerCount)

	select {
	case peer := <-joinedPeers:
		require.Equal(t, jb.PeerID, peer)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no peer-joined")
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	require.NoError(t, a.Offer(jb.PeerID, offer))
	select {
	case got := <-offers:
		require.Equal(t, offer, got)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no offer")
	}

	mid := "0"
	candidate := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host", SDPMid: &mid}
	require.NoError(t, a.Trickle(jb.PeerID, candidate))
	select {
	case got := <-candidates:
		require.Equal(t, candidate.Candidate, got.Candidate)
		require.Equal(t, mid, *got.SDPMid)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no candidate")
	}

	require.NoError(t, b.Close())
	select {
	case peer := <-left:
		require.Equal(t, jb.PeerID, peer)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no peer-left")
	}
}

func TestChatClient(t *testing.T) {
	url := newServer(t) + "/chat"
	ctx := context.Background()

	alice := NewChatClient(ctx)
	bob := NewChatClient(ctx)
	received := make(chan types.ChatMessage, 4)
	bob.OnMessage(func(msg types.ChatMessage) { received <- msg })

	_, err := alice.Open(url, "")
	require.NoError(t, err)
	_, err = bob.Open(url, "")
	require.NoError(t, err)

	conv, err := alice.JoinChat("alice", "bob")
	require.NoError(t, err)
	same, err := bob.JoinChat("bob", "alice")
	require.NoError(t, err)
	require.Equal(t, conv.ID, same.ID)

	sent, err := alice.SendMessage(conv.ID, "alice", "bob", "hello")
	require.NoError(t, err)

	select {
	case msg := <-received:
		require.Equal(t, sent.ID, msg.ID)
		require.Equal(t, "hello", msg.Content)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no message")
	}

	history, err := bob.ListMessages(conv.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestClientTimeout(t *testing.T) {
	upgrader := websocket.Upgrader{}
	// accepts the websocket but never answers
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	s := NewJSONRPCSignalClient(context.Background())
	s.Timeout = 100 * time.Millisecond
	_, err := s.Open(url, "")
	require.NoError(t, err)
	_, err = s.Join("nobody-home")
	require.ErrorIs(t, err, ErrTimeout)

	c := NewChatClient(context.Background())
	c.Timeout = 100 * time.Millisecond
	_, err = c.Open(url, "")
	require.NoError(t, err)
	_, err = c.JoinChat("alice", "bob")
	require.ErrorIs(t, err, ErrTimeout)
}

func TestNotConnected(t *testing.T) {
	s := NewJSONRPCSignalClient(context.Background())
	_, err := s.Join("x")
	require.ErrorIs(t, err, errNotConnected)
	require.ErrorIs(t, s.Offer("peer", webrtc.SessionDescription{}), errNotConnected)
}
