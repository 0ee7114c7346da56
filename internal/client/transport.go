package client

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Conn is one established connection to the broker. WriteMessage must
// be safe for concurrent use; reads come from a single goroutine.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Transport dials the broker. Implementations must honor cancellation
// of ctx, which bounds the dial attempt.
type Transport interface {
	Dial(ctx context.Context, serverURL, authToken string) (Conn, error)
}

// WebsocketTransport is the production transport. The bearer token
// travels in the Authorization header of the upgrade request.
type WebsocketTransport struct {
	Dialer *websocket.Dialer
}

func (t *WebsocketTransport) Dial(ctx context.Context, serverURL, authToken string) (Conn, error) {
	d := t.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	header := http.Header{}
	if authToken != "" {
		header.Set("Authorization", "Bearer "+authToken)
	}
	c, resp, err := d.DialContext(ctx, serverURL, header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c  *websocket.Conn
	mu sync.Mutex // serializes writers; gorilla allows only one at a time
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error { return w.c.Close() }
