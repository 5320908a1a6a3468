package worker

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
)

// Transport is the duplex byte-message stream a Worker maintains to a hub.
// Abstracted behind an interface so the reconnect/resend/handshake state
// machine can be exercised in tests without a real socket; production
// callers use NewWebSocketDialer.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a fresh Transport to a hub URL.
type Dialer func(ctx context.Context, url string) (Transport, error)

// wsTransport adapts *websocket.Conn to the Transport interface.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// NewWebSocketDialer returns a Dialer that connects to hub over a
// websocket, the same way the teacher's core/network.go's libp2p host
// dials bootstrap peers, but speaking the worker's hub wire-protocol
// instead of gossipsub.
func NewWebSocketDialer() Dialer {
	return func(ctx context.Context, url string) (Transport, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("worker: dial %s: %w", url, err)
		}
		return &wsTransport{conn: conn}, nil
	}
}
