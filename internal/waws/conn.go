// Package waws provides node-framed WebSocket communication with the
// WhatsApp gateway.
package waws

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"wamd/internal/wabinary"
)

// Conn wraps a WebSocket connection with binary node framing.
type Conn struct {
	ws *websocket.Conn
}

// Dial opens a WebSocket connection to the given URL.
// If tlsConf is non-nil, it is used for the TLS handshake.
// Optional HTTP headers are added to the upgrade request.
func Dial(ctx context.Context, url string, tlsConf *tls.Config, headers ...http.Header) (*Conn, error) {
	opts := &websocket.DialOptions{}
	if tlsConf != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConf,
			},
		}
	}
	if len(headers) > 0 {
		opts.HTTPHeader = headers[0]
	}
	ws, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("waws: dial: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// ReadNode reads and decodes the next stanza from the connection.
func (c *Conn) ReadNode(ctx context.Context) (wabinary.Node, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return wabinary.Node{}, fmt.Errorf("waws: read: %w", err)
	}
	node, err := wabinary.Unmarshal(data)
	if err != nil {
		return wabinary.Node{}, fmt.Errorf("waws: decode: %w", err)
	}
	return node, nil
}

// WriteNode encodes and sends a stanza.
func (c *Conn) WriteNode(ctx context.Context, node wabinary.Node) error {
	if err := c.ws.Write(ctx, websocket.MessageBinary, wabinary.Marshal(node)); err != nil {
		return fmt.Errorf("waws: write: %w", err)
	}
	return nil
}

// Close sends a normal closure frame and then closes the connection.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseNow closes the connection immediately without a close frame.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}
