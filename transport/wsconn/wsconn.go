// Package wsconn adapts a gorilla/websocket connection to io.ReadWriteCloser
// so two Peers can be wired together over a WebSocket transport, carrying
// PeerLinks' length-delimited binary framing inside WebSocket binary
// messages.
package wsconn

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin:      func(*http.Request) bool { return true },
}

// Conn adapts a *websocket.Conn to io.ReadWriteCloser: every Write is one
// binary WebSocket message, and Read serves bytes out of the current
// inbound message, fetching the next one once it's drained.
type Conn struct {
	ws  *websocket.Conn
	buf bytes.Buffer
}

// Dial opens a client-side WebSocket connection to url.
func Dial(ctx context.Context, url string) (*Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("wsconn: dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("wsconn: dial failed: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// Accept upgrades an incoming HTTP request to a server-side WebSocket
// connection.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("wsconn: upgrade failed: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// Read implements io.Reader, pulling one WebSocket binary message at a time
// off the wire as the buffer empties.
func (c *Conn) Read(p []byte) (int, error) {
	for c.buf.Len() == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.buf.Write(data)
	}
	return c.buf.Read(p)
}

// Write implements io.Writer, sending p as a single WebSocket binary
// message.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying WebSocket connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}
