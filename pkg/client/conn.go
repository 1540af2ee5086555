// Package client holds websocket JSON-RPC clients for the signaling server and the
// chat relay.
package client

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mentorlink/pairsignal/pkg/logger"
	"github.com/sourcegraph/jsonrpc2"
	websocketjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"
)

// DefaultTimeout bounds how long a client waits for the server to answer a call.
const DefaultTimeout = 10 * time.Second

var (
	log = logger.GetLogger().WithName("client")

	errNotConnected = errors.New("error no connection established")
	// ErrTimeout is returned when the server does not answer in time.
	ErrTimeout = errors.New("timed out waiting for server")
)

// dial opens a websocket JSON-RPC connection, passing token as a bearer credential.
func dial(ctx context.Context, url, token string, h jsonrpc2.Handler) (*jsonrpc2.Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return jsonrpc2.NewConn(ctx, websocketjsonrpc2.NewObjectStream(conn), h), nil
}

// call performs a JSON-RPC call bounded by timeout.
func call(ctx context.Context, jc *jsonrpc2.Conn, timeout time.Duration, method string, params, result interface{}) error {
	if jc == nil {
		return errNotConnected
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := jc.Call(ctx, method, params, result)
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
