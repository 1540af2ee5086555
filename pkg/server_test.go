package pairsignal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mentorlink/pairsignal/pkg/storage"
	"github.com/mentorlink/pairsignal/pkg/types"
	"github.com/sourcegraph/jsonrpc2"
	websocketjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"
	"github.com/stretchr/testify/require"
)

const eventTimeout = 2 * time.Second

type eventHandler chan *jsonrpc2.Request

func (h eventHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	h <- req
}

type testConn struct {
	t      *testing.T
	ws     *websocket.Conn
	rpc    *jsonrpc2.Conn
	events eventHandler
}

func newTestServer(t *testing.T, conf RootConfig, store storage.Store) (*Signal, *httptest.Server) {
	if store == nil {
		store = storage.NewMemory()
	}
	s, _ := NewSignal(conf, NewChatRelay(store, conf.Chat))
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return s, srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dial(t *testing.T, srv *httptest.Server, path string, header http.Header) *testConn {
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, path), header)
	require.NoError(t, err)

	events := make(eventHandler, 128)
	c := &testConn{
		t:      t,
		ws:     ws,
		rpc:    jsonrpc2.NewConn(context.Background(), websocketjsonrpc2.NewObjectStream(ws), events),
		events: events,
	}
	t.Cleanup(func() { c.rpc.Close() })
	return c
}

func (c *testConn) notify(method string, params interface{}) {
	require.NoError(c.t, c.rpc.Notify(context.Background(), method, params))
}

func (c *testConn) call(method string, params, result interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	return c.rpc.Call(ctx, method, params, result)
}

// next waits for the next server event, which must be method, and decodes it into v.
func (c *testConn) next(method string, v interface{}) {
	select {
	case req := <-c.events:
		require.Equal(c.t, method, req.Method)
		if v != nil {
			require.NotNil(c.t, req.Params)
			require.NoError(c.t, json.Unmarshal(*req.Params, v))
		}
	case <-time.After(eventTimeout):
		require.FailNow(c.t, "timed out waiting for event", method)
	}
}

// quiet asserts no event arrives within d.
func (c *testConn) quiet(d time.Duration) {
	select {
	case req := <-c.events:
		require.FailNow(c.t, "unexpected event", req.Method)
	case <-time.After(d):
	}
}

func (c *testConn) join(sid types.SessionID) types.Joined {
	c.notify(types.MethodJoin, types.JoinRequest{SessionID: sid})
	var joined types.Joined
	c.next(types.EventJoined, &joined)
	return joined
}

func TestSignalSessionFlow(t *testing.T) {
	_, srv := newTestServer(t, DefaultConfig(), nil)

	a := dial(t, srv, "/signal", nil)
	b := dial(t, srv, "/signal", nil)

	ja := a.join("abc123")
	require.Equal(t, types.SessionID("abc123"), ja.SessionID)
	require.Equal(t, 1, ja.PeerCount)

	jb := b.join("abc123")
	require.Equal(t, 2, jb.PeerCount)

	var pj types.PeerJoined
	a.next(types.EventPeerJoined, &pj)
	require.Equal(t, jb.PeerID, pj.PeerID)

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	a.notify(types.MethodOffer, types.OfferRequest{SessionID: "abc123", To: jb.PeerID, SDP: sdp})
	var offer types.RelayedOffer
	b.next(types.EventOffer, &offer)
	require.Equal(t, ja.PeerID, offer.From)
	require.JSONEq(t, string(sdp), string(offer.SDP))

	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	b.notify(types.MethodAnswer, types.AnswerRequest{SessionID: "abc123", To: ja.PeerID, SDP: answer})
	var relayed types.RelayedAnswer
	a.next(types.EventAnswer, &relayed)
	require.Equal(t, jb.PeerID, relayed.From)
	require.JSONEq(t, string(answer), string(relayed.SDP))

	candidate := json.RawMessage(`{"candidate":"candidate:1 1 udp 1 127.0.0.1 5000 typ host","sdpMid":"0"}`)
	b.notify(types.MethodICECandidate, types.CandidateRequest{SessionID: "abc123", To: ja.PeerID, Candidate: candidate})
	var rc types.RelayedCandidate
	a.next(types.EventCandidate, &rc)
	require.Equal(t, jb.PeerID, rc.From)
	require.JSONEq(t, string(candidate), string(rc.Candidate))

	require.NoError(t, b.rpc.Close())
	var left types.PeerLeft
	a.next(types.EventPeerLeft, &left)
	require.Equal(t, jb.PeerID, left.PeerID)
	a.quiet(200 * time.Millisecond)
}

func TestSignalPeerJoinedFanout(t *testing.T) {
	s, srv := newTestServer(t, DefaultConfig(), nil)

	const n = 4
	existing := make([]*testConn, n)
	for i := range existing {
		existing[i] = dial(t, srv, "/signal", nil)
		existing[i].join("room")
	}
	// drain the peer-joined events of the earlier joins
	for i := range existing {
		for j := i + 1; j < n; j++ {
			existing[i].next(types.EventPeerJoined, nil)
		}
	}

	joiner := dial(t, srv, "/signal", nil)
	joined := joiner.join("room")
	require.Equal(t, n+1, joined.PeerCount)
	require.Equal(t, n+1, s.Rooms().Count("room"))

	for _, c := range existing {
		var pj types.PeerJoined
		c.next(types.EventPeerJoined, &pj)
		require.Equal(t, joined.PeerID, pj.PeerID)
		c.quiet(100 * time.Millisecond)
	}
	joiner.quiet(100 * time.Millisecond)
}

func TestSignalNoCrossRoomRelay(t *testing.T) {
	_, srv := newTestServer(t, DefaultConfig(), nil)

	a := dial(t, srv, "/signal", nil)
	c := dial(t, srv, "/signal", nil)
	ja := a.join("room-1")
	c.join("room-2")

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	c.notify(types.MethodOffer, types.OfferRequest{SessionID: "room-2", To: ja.PeerID, SDP: sdp})
	c.notify(types.MethodOffer, types.OfferRequest{SessionID: "room-1", To: ja.PeerID, SDP: sdp})
	c.notify(types.MethodICECandidate, types.CandidateRequest{SessionID: "room-1", To: ja.PeerID, Candidate: sdp})

	// unknown target in own room
	a.notify(types.MethodOffer, types.OfferRequest{SessionID: "room-1", To: "ghost", SDP: sdp})

	a.quiet(300 * time.Millisecond)
	c.quiet(100 * time.Millisecond)
}

func TestSignalRejoin(t *testing.T) {
	s, srv := newTestServer(t, DefaultConfig(), nil)

	a := dial(t, srv, "/signal", nil)
	b := dial(t, srv, "/signal", nil)
	a.join("one")
	jb := b.join("one")
	a.next(types.EventPeerJoined, nil)

	// same room again: joined, no broadcast
	again := b.join("one")
	require.Equal(t, 2, again.PeerCount)
	a.quiet(200 * time.Millisecond)

	// another room: leaves the first one
	moved := b.join("two")
	require.Equal(t, 1, moved.PeerCount)
	var left types.PeerLeft
	a.next(types.EventPeerLeft, &left)
	require.Equal(t, jb.PeerID, left.PeerID)
	require.Equal(t, 1, s.Rooms().Count("one"))
}

func TestSignalMalformedInput(t *testing.T) {
	_, srv := newTestServer(t, DefaultConfig(), nil)

	a := dial(t, srv, "/signal", nil)
	a.notify(types.MethodJoin, "garbage")
	a.notify(types.MethodJoin, map[string]string{})
	a.notify(types.MethodOffer, 42)
	a.notify(types.MethodICECandidate, types.CandidateRequest{})
	a.notify("nonsense", nil)
	require.NoError(t, a.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, a.ws.WriteMessage(websocket.TextMessage, []byte(`{"hello":"world"}`)))

	var pong string
	require.NoError(t, a.call(types.MethodPing, nil, &pong))
	require.Equal(t, "pong", pong)

	err := a.call("nonsense", nil, nil)
	require.Error(t, err)
	rpcErr, ok := err.(*jsonrpc2.Error)
	require.True(t, ok)
	require.EqualValues(t, jsonrpc2.CodeMethodNotFound, rpcErr.Code)

	// the connection is still usable
	joined := a.join("still-alive")
	require.Equal(t, 1, joined.PeerCount)
}

func TestSignalJoinCall(t *testing.T) {
	_, srv := newTestServer(t, DefaultConfig(), nil)

	a := dial(t, srv, "/signal", nil)
	var joined types.Joined
	require.NoError(t, a.call(types.MethodJoin, types.JoinRequest{SessionID: "call"}, &joined))
	require.Equal(t, 1, joined.PeerCount)
	require.NotEmpty(t, joined.PeerID)
	a.next(types.EventJoined, nil)
}

func TestSignalSessionPathJoins(t *testing.T) {
	_, srv := newTestServer(t, DefaultConfig(), nil)

	a := dial(t, srv, "/session/from-path", nil)
	var joined types.Joined
	a.next(types.EventJoined, &joined)
	require.Equal(t, types.SessionID("from-path"), joined.SessionID)
	require.Equal(t, 1, joined.PeerCount)
}

func TestSignalAuth(t *testing.T) {
	conf := DefaultConfig()
	conf.Signal.Auth = AuthConfig{Enabled: true, Key: "secret"}
	_, srv := newTestServer(t, conf, nil)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/signal"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	forged, err := NewToken(AuthConfig{Key: "other"}, "mallory", time.Minute)
	require.NoError(t, err)
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv, "/signal?access_token="+forged), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	token, err := NewToken(conf.Signal.Auth, "alice", time.Minute)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	a := dial(t, srv, "/signal", header)
	require.Equal(t, 1, a.join("secure").PeerCount)

	b := dial(t, srv, "/signal?access_token="+token, nil)
	require.Equal(t, 2, b.join("secure").PeerCount)
}

func TestSignalTerminating(t *testing.T) {
	s, srv := newTestServer(t, DefaultConfig(), nil)
	s.NodeState(NodeStateTerminating)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/signal"), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestICEEndpoint(t *testing.T) {
	conf := DefaultConfig()
	conf.Peer.ICEServers = []types.ICEServer{
		{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"},
	}
	_, srv := newTestServer(t, conf, nil)

	resp, err := http.Get(srv.URL + "/ice")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var servers []types.ICEServer
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&servers))
	require.Equal(t, conf.Peer.ICEServers, servers)
}
