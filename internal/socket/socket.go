// Package socket orchestrates the encrypted messaging core: device fan-out,
// per-device Signal encryption, stanza assembly on the way out; ciphertext
// classification, decryption and protocol side effects on the way in.
package socket

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"wamd/internal/store"
	"wamd/internal/wabinary"
	"wamd/internal/wamessage"
	"wamd/internal/waws"
)

// Socket is the transport surface the message handler consumes. The gateway
// implementation below speaks node-framed WebSocket; tests substitute fakes.
type Socket interface {
	// Send writes a stanza and returns once it is on the wire.
	Send(ctx context.Context, node wabinary.Node) error
	// SendQuery writes an iq stanza and waits for the matching result.
	SendQuery(ctx context.Context, iqType, xmlns string, body wabinary.Node) (wabinary.Node, error)
	// AwaitReadyState blocks until the connection is logged in.
	AwaitReadyState(ctx context.Context) error
}

// ErrorLocation tags where in the pipeline a failure surfaced.
type ErrorLocation string

// LocationMessage covers the whole encode/decode pipeline.
const LocationMessage ErrorLocation = "MESSAGE"

// ErrorHandler receives pipeline failures. It decides whether to reconnect,
// retry or surface to the caller; the handler itself only reports.
type ErrorHandler func(location ErrorLocation, err error)

// Events is the callback surface exposed upward.
type Events struct {
	OnNewMessage         func(info *wamessage.Info)
	OnNewStatus          func(info *wamessage.Info)
	OnChatRecentMessages func(chat *store.Chat, fromHistoryCache bool)
	OnMessageDeleted     func(info *wamessage.Info, fromRemote bool)
	OnSetting            func(setting wamessage.EphemeralSetting)
	OnAction             func(action wamessage.ContactAction)
	OnChats              func()
	OnStatus             func()
	OnContacts           func()
}

// MediaDownloader fetches the blob referenced by a history sync notification.
type MediaDownloader func(ctx context.Context, ref *wamessage.HistorySyncNotification) ([]byte, error)

// GatewaySocket is the production Socket: a persistent node-framed WebSocket
// with iq response routing.
type GatewaySocket struct {
	conn  *waws.PersistentConn
	log   *zap.Logger
	store *store.Store

	mu      sync.Mutex
	pending map[string]chan wabinary.Node

	readyOnce sync.Once
	ready     chan struct{}

	// OnMessage receives inbound <message> stanzas from the read loop.
	OnMessage func(node wabinary.Node)
}

// NewGatewaySocket dials the gateway and starts the read loop.
func NewGatewaySocket(ctx context.Context, url string, tlsConf *tls.Config, st *store.Store, log *zap.Logger) (*GatewaySocket, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := waws.DialPersistent(ctx, url, tlsConf,
		waws.WithKeepAliveCallback(func(rtt time.Duration) {
			log.Debug("keep-alive", zap.Duration("rtt", rtt))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("socket: dial: %w", err)
	}
	g := &GatewaySocket{
		conn:    conn,
		log:     log,
		store:   st,
		pending: map[string]chan wabinary.Node{},
		ready:   make(chan struct{}),
	}
	go g.readLoop()
	return g, nil
}

// Close shuts down the connection.
func (g *GatewaySocket) Close() error { return g.conn.Close() }

// MarkReady unblocks AwaitReadyState once login completes.
func (g *GatewaySocket) MarkReady() {
	g.readyOnce.Do(func() { close(g.ready) })
}

// AwaitReadyState blocks until MarkReady or context cancellation.
func (g *GatewaySocket) AwaitReadyState(ctx context.Context) error {
	select {
	case <-g.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("socket: await ready: %w", ctx.Err())
	}
}

// Send writes a stanza.
func (g *GatewaySocket) Send(ctx context.Context, node wabinary.Node) error {
	return g.conn.WriteNode(ctx, node)
}

// SendQuery writes an iq stanza and waits for the result with matching id.
func (g *GatewaySocket) SendQuery(ctx context.Context, iqType, xmlns string, body wabinary.Node) (wabinary.Node, error) {
	id := g.store.NextTag()
	iq := wabinary.New("iq", wabinary.Attrs{"id": id, "type": iqType, "xmlns": xmlns}, body)

	ch := make(chan wabinary.Node, 1)
	g.mu.Lock()
	g.pending[id] = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, id)
		g.mu.Unlock()
	}()

	if err := g.conn.WriteNode(ctx, iq); err != nil {
		return wabinary.Node{}, err
	}
	select {
	case resp := <-ch:
		if resp.Attrs.String("type") == "error" {
			return wabinary.Node{}, fmt.Errorf("socket: query %s/%s failed", iqType, xmlns)
		}
		return resp, nil
	case <-ctx.Done():
		return wabinary.Node{}, fmt.Errorf("socket: query %s/%s: %w", iqType, xmlns, ctx.Err())
	}
}

func (g *GatewaySocket) readLoop() {
	ctx := context.Background()
	for {
		node, err := g.conn.ReadNode(ctx)
		if err != nil {
			g.log.Warn("read loop stopped", zap.Error(err))
			return
		}
		switch node.Description {
		case "iq":
			id := node.Attrs.String("id")
			g.mu.Lock()
			ch, ok := g.pending[id]
			g.mu.Unlock()
			if ok {
				ch <- node
				continue
			}
			g.log.Debug("unmatched iq", zap.String("id", id))
		case "message":
			if g.OnMessage != nil {
				g.OnMessage(node)
			}
		default:
			g.log.Debug("unhandled stanza", zap.String("description", node.Description))
		}
	}
}
