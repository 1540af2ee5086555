package peer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mentorlink/pairsignal/pkg/types"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
)

type fakeSignaler struct {
	mu     sync.Mutex
	offers map[types.PeerID]webrtc.SessionDescription
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{offers: make(map[types.PeerID]webrtc.SessionDescription)}
}

func (f *fakeSignaler) Offer(to types.PeerID, offer webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers[to] = offer
	return nil
}

func (f *fakeSignaler) Answer(to types.PeerID, answer webrtc.SessionDescription) error {
	return nil
}

func (f *fakeSignaler) Trickle(to types.PeerID, candidate webrtc.ICECandidateInit) error {
	return nil
}

func (f *fakeSignaler) offer(to types.PeerID) (webrtc.SessionDescription, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.offers[to]
	return o, ok
}

func TestSessionHandleData(t *testing.T) {
	doc := NewDocument("", "python", window)
	s := NewSession("ada", Config{}, newFakeSignaler(), doc)
	defer s.Close()

	rec := &recorder{}
	doc.setBroadcaster(rec.send)
	doc.OnChange(func(content, language string) {
		doc.LocalEdit(content)
	})

	var chats []string
	s.OnChat(func(from types.PeerID, name, content string) {
		chats = append(chats, name+": "+content)
	})

	s.handleData("grace-peer", types.DataJoin{Name: "grace"})
	s.handleData("grace-peer", types.DataLang{Lang: "go"})
	s.handleData("grace-peer", types.DataCode{Content: "print(1)"})
	s.handleData("grace-peer", types.DataChat{Name: "grace", Content: "hi"})

	require.Equal(t, "grace", s.Name("grace-peer"))
	content, lang := doc.Snapshot()
	require.Equal(t, "print(1)", content)
	require.Equal(t, "go", lang)
	require.Equal(t, []string{"grace: hi"}, chats)

	// the received buffer is not sent back out
	time.Sleep(5 * window)
	require.Empty(t, rec.sent())
}

func TestSessionGreetingKeepsDocumentsEqual(t *testing.T) {
	xDoc := NewDocument("print(1)", "python", window)
	x := NewSession("xavier", Config{}, newFakeSignaler(), xDoc)
	defer x.Close()
	yDoc := NewDocument("", "plaintext", window)
	y := NewSession("yuki", Config{}, newFakeSignaler(), yDoc)
	defer y.Close()

	// x was in the room first and offered; y answered
	for _, m := range x.greeting(true) {
		y.handleData("x", m)
	}
	for _, m := range y.greeting(false) {
		x.handleData("y", m)
	}

	xContent, xLang := xDoc.Snapshot()
	yContent, yLang := yDoc.Snapshot()
	require.Equal(t, "print(1)", xContent)
	require.Equal(t, "python", xLang)
	require.Equal(t, xContent, yContent)
	require.Equal(t, xLang, yLang)
	require.Equal(t, "yuki", x.Name("y"))
	require.Equal(t, "xavier", y.Name("x"))
}

func TestLinkOffererFlag(t *testing.T) {
	api := webrtc.NewAPI()

	offerer, err := newLink(api, Config{}, "answerer", linkHandlers{})
	require.NoError(t, err)
	defer offerer.Close()
	answerer, err := newLink(api, Config{}, "offerer", linkHandlers{})
	require.NoError(t, err)
	defer answerer.Close()

	offer, err := offerer.createOffer()
	require.NoError(t, err)
	_, err = answerer.handleOffer(offer)
	require.NoError(t, err)

	require.True(t, offerer.Offerer())
	require.False(t, answerer.Offerer())
}

func TestSessionNegotiationTimeout(t *testing.T) {
	signal := newFakeSignaler()
	s := NewSession("ada", Config{NegotiationTimeout: 100 * time.Millisecond}, signal, NewDocument("", "", 0))
	defer s.Close()

	failed := make(chan error, 1)
	s.OnLinkFailed(func(peer types.PeerID, err error) {
		if peer == "silent" {
			failed <- err
		}
	})

	s.PeerJoined("silent")

	select {
	case err := <-failed:
		require.True(t, errors.Is(err, ErrNegotiationTimeout), "got %v", err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "link never timed out")
	}

	offer, ok := signal.offer("silent")
	require.True(t, ok)
	require.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	require.Eventually(t, func() bool {
		return len(s.Peers()) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSessionPeerLeftTearsDownLink(t *testing.T) {
	signal := newFakeSignaler()
	s := NewSession("ada", Config{}, signal, NewDocument("", "", 0))
	defer s.Close()

	s.PeerJoined("bob")
	require.Eventually(t, func() bool {
		_, ok := signal.offer("bob")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []types.PeerID{"bob"}, s.Peers())

	s.PeerLeft("bob")
	require.Eventually(t, func() bool {
		return len(s.Peers()) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestLinkBuffersEarlyCandidates(t *testing.T) {
	api := webrtc.NewAPI()
	conf := Config{}

	offerer, err := newLink(api, conf, "answerer", linkHandlers{})
	require.NoError(t, err)
	defer offerer.Close()
	answerer, err := newLink(api, conf, "offerer", linkHandlers{})
	require.NoError(t, err)
	defer answerer.Close()

	mid := "0"
	early := webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 5000 typ host",
		SDPMid:    &mid,
	}
	require.NoError(t, answerer.addCandidate(early))
	require.Equal(t, 1, answerer.pendingCandidates())

	offer, err := offerer.createOffer()
	require.NoError(t, err)
	answer, err := answerer.handleOffer(offer)
	require.NoError(t, err)
	require.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	require.Equal(t, 0, answerer.pendingCandidates())

	require.NoError(t, offerer.handleAnswer(answer))
	require.False(t, answerer.Open())
	require.ErrorIs(t, answerer.Send(types.DataChat{Content: "too early"}), ErrChannelNotOpen)
}

func TestConfigWebRTC(t *testing.T) {
	conf := Config{}
	require.Equal(t, []types.ICEServer{{URLs: []string{DefaultSTUN}}}, conf.ICEServerList())
	require.Equal(t, webrtc.ICETransportPolicyAll, conf.WebRTCConfiguration().ICETransportPolicy)

	conf = Config{
		ForceRelay: true,
		ICEServers: []types.ICEServer{{URLs: []string{"turn:turn.example.com"}, Username: "u", Credential: "p"}},
	}
	wc := conf.WebRTCConfiguration()
	require.Equal(t, webrtc.ICETransportPolicyRelay, wc.ICETransportPolicy)
	require.Equal(t, "u", wc.ICEServers[0].Username)
	require.Equal(t, DefaultNegotiationTimeout, conf.negotiationTimeout())
}
