package pairsignal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/koding/websocketproxy"
	"github.com/mentorlink/pairsignal/pkg/types"
	"github.com/pborman/uuid"
	"github.com/sourcegraph/jsonrpc2"
)

const (
	// Time allowed to write a control message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// NodeStateType tells whether the node still accepts connections.
type NodeStateType int32

const (
	NodeStateActive NodeStateType = iota
	NodeStateTerminating
)

// Signal is the http/websocket signaling and chat server
type Signal struct {
	id      string
	config  RootConfig
	rooms   *Registry
	chat    *ChatRelay
	errChan chan error
	state   int32

	upgrader websocket.Upgrader
	server   *http.Server
}

// NewSignal creates a signaling server. Errors from the listener are delivered on
// the returned channel.
func NewSignal(conf RootConfig, chat *ChatRelay) (*Signal, chan error) {
	e := make(chan error, 1)
	s := &Signal{
		id:      uuid.New(),
		config:  conf,
		rooms:   NewRegistry(),
		chat:    chat,
		errChan: e,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	return s, e
}

// NodeState switches the node state. A terminating node refuses new connections.
func (s *Signal) NodeState(state NodeStateType) {
	atomic.StoreInt32(&s.state, int32(state))
	log.Info("node state changed", "node_id", s.id, "terminating", state == NodeStateTerminating)
}

func (s *Signal) terminating() bool {
	return NodeStateType(atomic.LoadInt32(&s.state)) == NodeStateTerminating
}

// Rooms exposes the signaling registry.
func (s *Signal) Rooms() *Registry {
	return s.rooms
}

// Router builds the http routes of the node.
func (s *Signal) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/signal", s.handleSignal)
	r.HandleFunc("/session/{id}", s.handleSignal)
	r.Handle("/chat", s.chatHandler())
	r.HandleFunc("/ice", s.handleICE).Methods(http.MethodGet)
	r.Handle("/metrics", metricsHandler())
	r.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	return r
}

// ServeWebsocket listens for incoming websocket signaling and chat requests
func (s *Signal) ServeWebsocket() {
	s.server = &http.Server{
		Addr:    s.config.Signal.HTTPAddr,
		Handler: s.Router(),
	}

	var err error
	if s.config.Signal.Key != "" && s.config.Signal.Cert != "" {
		log.Info("Started JSONRPC Server (https)", "listen", s.config.Signal.HTTPAddr, "node_id", s.id)
		err = s.server.ListenAndServeTLS(s.config.Signal.Cert, s.config.Signal.Key)
	} else {
		log.Info("Started JSONRPC Server", "listen", s.config.Signal.HTTPAddr, "node_id", s.id)
		err = s.server.ListenAndServe()
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.errChan <- err
	}
}

// Shutdown stops the listener. Hijacked websockets are not waited on.
func (s *Signal) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// upgrade refuses new connections on a terminating node, then upgrades to a websocket
// with read limits and pong handling in place.
func (s *Signal) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error(err, "websocket upgrade failed", "remote", r.RemoteAddr)
		return nil, false
	}

	c.SetReadLimit(maxMessageSize)
	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})
	return c, true
}

// keepalive pings the peer until done is closed or a ping cannot be written.
func keepalive(c *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Signal) handleSignal(w http.ResponseWriter, r *http.Request) {
	if s.terminating() {
		http.Error(w, "Server Terminating", http.StatusServiceUnavailable)
		return
	}

	identity, err := authenticate(s.config.Signal.Auth, r)
	if err != nil {
		log.Error(err, "error authenticating token", "remote", r.RemoteAddr)
		http.Error(w, "Invalid Token", http.StatusForbidden)
		return
	}

	c, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer c.Close()

	clientConnected("signal")
	defer clientDisconnected("signal")

	p := newParticipant(identity, s.config.Signal.QueueSize)
	h := newJSONSignal(s.rooms, p)
	log.Info("peer connected", "peer_id", p.ID(), "identity", identity)

	if sid := mux.Vars(r)["id"]; sid != "" {
		h.mu.Lock()
		h.join(types.SessionID(sid))
		h.mu.Unlock()
	}

	jc := jsonrpc2.NewConn(r.Context(), newObjectStream(c), h)
	go p.pump(r.Context(), jc)
	go keepalive(c, jc.DisconnectNotify())

	<-jc.DisconnectNotify()
	h.disconnect()
}

func (s *Signal) chatHandler() http.Handler {
	if s.config.Chat.Upstream == "" {
		return http.HandlerFunc(s.handleChat)
	}

	upstream, err := url.Parse(s.config.Chat.Upstream)
	if err != nil {
		log.Error(err, "error parsing chat upstream url, serving chat locally", "upstream", s.config.Chat.Upstream)
		return http.HandlerFunc(s.handleChat)
	}

	proxy := websocketproxy.NewProxy(upstream)
	proxy.Upgrader = &s.upgrader

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.terminating() {
			http.Error(w, "Server Terminating", http.StatusServiceUnavailable)
			return
		}

		log.Info("starting proxy for chat", "endpoint", upstream.String())
		prometheusGaugeProxyClients.Inc()
		proxy.ServeHTTP(w, r)
		prometheusGaugeProxyClients.Dec()
		log.Info("closed proxy for chat", "endpoint", upstream.String())
	})
}

func (s *Signal) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.terminating() {
		http.Error(w, "Server Terminating", http.StatusServiceUnavailable)
		return
	}

	identity, err := authenticate(s.config.Chat.Auth, r)
	if err != nil {
		log.Error(err, "error authenticating token", "remote", r.RemoteAddr)
		http.Error(w, "Invalid Token", http.StatusForbidden)
		return
	}

	c, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer c.Close()

	clientConnected("chat")
	defer clientDisconnected("chat")

	p := newParticipant(identity, s.config.Signal.QueueSize)
	h := newJSONChat(s.chat, p)

	jc := jsonrpc2.NewConn(r.Context(), newObjectStream(c), h)
	go p.pump(r.Context(), jc)
	go keepalive(c, jc.DisconnectNotify())

	<-jc.DisconnectNotify()
	h.disconnect()
}

func (s *Signal) handleICE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.config.Peer.ICEServerList()); err != nil {
		log.Error(err, "error writing ice servers")
	}
}
