package pairsignal

import (
	"encoding/json"
	"io"

	"github.com/gorilla/websocket"
)

// objectStream is a jsonrpc2.ObjectStream over a websocket that skips frames which
// are not valid JSON-RPC messages instead of failing the connection.
type objectStream struct {
	conn *websocket.Conn
}

func newObjectStream(conn *websocket.Conn) objectStream {
	return objectStream{conn: conn}
}

// WriteObject implements jsonrpc2.ObjectStream.
func (s objectStream) WriteObject(obj interface{}) error {
	return s.conn.WriteJSON(obj)
}

// ReadObject implements jsonrpc2.ObjectStream.
func (s objectStream) ReadObject(v interface{}) error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if e, ok := err.(*websocket.CloseError); ok && e.Code == websocket.CloseAbnormalClosure {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if err := json.Unmarshal(data, v); err != nil {
			log.V(1).Info("skipping malformed frame", "remote", s.conn.RemoteAddr().String(), "err", err.Error())
			prometheusCounterDropped.WithLabelValues("malformed").Inc()
			continue
		}
		return nil
	}
}

// Close implements jsonrpc2.ObjectStream.
func (s objectStream) Close() error {
	return s.conn.Close()
}
