package waws

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"wamd/internal/wabinary"
)

const (
	defaultKeepAliveInterval = 30 * time.Second
	defaultKeepAliveTimeout  = 20 * time.Second
)

// PersistentConn wraps a Conn with keep-alive pings and automatic reconnection.
type PersistentConn struct {
	mu      sync.Mutex
	conn    *Conn
	url     string
	tlsConf *tls.Config
	headers http.Header
	closed  atomic.Bool

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	keepAliveCallback func(rtt time.Duration)

	// pendingKeepAlive holds the stanza id of an outstanding ping.
	pendingKeepAlive atomic.Value // string
	keepAliveSentAt  atomic.Int64 // UnixMilli when the ping was sent
	keepAliveAcked   chan struct{}

	cancel context.CancelFunc
}

// Option configures a PersistentConn.
type Option func(*PersistentConn)

// WithKeepAliveInterval sets the interval between keep-alive pings.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(pc *PersistentConn) { pc.keepAliveInterval = d }
}

// WithKeepAliveTimeout sets how long to wait for a pong before reconnecting.
func WithKeepAliveTimeout(d time.Duration) Option {
	return func(pc *PersistentConn) { pc.keepAliveTimeout = d }
}

// WithKeepAliveCallback sets a function called on each keep-alive round-trip.
func WithKeepAliveCallback(fn func(rtt time.Duration)) Option {
	return func(pc *PersistentConn) { pc.keepAliveCallback = fn }
}

// WithHeaders sets HTTP headers for the WebSocket upgrade request.
func WithHeaders(h http.Header) Option {
	return func(pc *PersistentConn) { pc.headers = h }
}

// DialPersistent dials a WebSocket and returns a PersistentConn with
// keep-alive and reconnect.
func DialPersistent(ctx context.Context, url string, tlsConf *tls.Config, opts ...Option) (*PersistentConn, error) {
	pc := &PersistentConn{
		url:               url,
		tlsConf:           tlsConf,
		keepAliveInterval: defaultKeepAliveInterval,
		keepAliveTimeout:  defaultKeepAliveTimeout,
		keepAliveAcked:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(pc)
	}

	conn, err := Dial(ctx, url, tlsConf, pc.headers)
	if err != nil {
		return nil, err
	}
	pc.conn = conn

	kaCtx, kaCancel := context.WithCancel(context.Background())
	pc.cancel = kaCancel
	go pc.keepAliveLoop(kaCtx)

	return pc, nil
}

// ReadNode reads the next stanza, filtering out keep-alive pongs.
// On read error, it attempts to reconnect and retry.
func (pc *PersistentConn) ReadNode(ctx context.Context) (wabinary.Node, error) {
	for {
		pc.mu.Lock()
		conn := pc.conn
		pc.mu.Unlock()

		if conn == nil {
			if pc.closed.Load() {
				return wabinary.Node{}, fmt.Errorf("waws: persistent conn closed")
			}
			if err := pc.reconnect(ctx); err != nil {
				return wabinary.Node{}, err
			}
			continue
		}

		node, err := conn.ReadNode(ctx)
		if err != nil {
			if pc.closed.Load() {
				return wabinary.Node{}, err
			}
			if reconnErr := pc.reconnect(ctx); reconnErr != nil {
				return wabinary.Node{}, reconnErr
			}
			continue
		}

		// Filter keep-alive pongs.
		if node.Description == "iq" {
			pending, _ := pc.pendingKeepAlive.Load().(string)
			if pending != "" && node.Attrs.String("id") == pending {
				pc.handleKeepAliveResponse()
				continue
			}
		}

		return node, nil
	}
}

// WriteNode writes a stanza to the current connection.
func (pc *PersistentConn) WriteNode(ctx context.Context, node wabinary.Node) error {
	pc.mu.Lock()
	conn := pc.conn
	pc.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("waws: no active connection")
	}
	return conn.WriteNode(ctx, node)
}

// Close stops keep-alive and closes the connection. No further reconnects
// will happen.
func (pc *PersistentConn) Close() error {
	if pc.closed.Swap(true) {
		return nil // already closed
	}
	pc.cancel()
	pc.mu.Lock()
	conn := pc.conn
	pc.conn = nil
	pc.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (pc *PersistentConn) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(pc.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pc.closed.Load() {
				return
			}
			if err := pc.sendKeepAlive(ctx); err != nil {
				// Connection may be broken; reconnect happens on next ReadNode.
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-pc.keepAliveAcked:
				// Got the pong.
			case <-time.After(pc.keepAliveTimeout):
				if !pc.closed.Load() {
					_ = pc.reconnect(ctx)
				}
			}
		}
	}
}

func (pc *PersistentConn) sendKeepAlive(ctx context.Context) error {
	id := "ka-" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	pc.pendingKeepAlive.Store(id)

	// Drain any stale ack.
	select {
	case <-pc.keepAliveAcked:
	default:
	}

	ping := wabinary.New("iq",
		wabinary.Attrs{"id": id, "type": "get", "xmlns": "w:p"},
		wabinary.New("ping", nil),
	)

	pc.keepAliveSentAt.Store(time.Now().UnixMilli())

	pc.mu.Lock()
	conn := pc.conn
	pc.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("waws: no active connection")
	}
	return conn.WriteNode(ctx, ping)
}

func (pc *PersistentConn) handleKeepAliveResponse() {
	if pc.keepAliveCallback != nil {
		sentAt := pc.keepAliveSentAt.Load()
		if sentAt > 0 {
			rtt := time.Duration(time.Now().UnixMilli()-sentAt) * time.Millisecond
			pc.keepAliveCallback(rtt)
		}
	}
	pc.pendingKeepAlive.Store("")
	select {
	case pc.keepAliveAcked <- struct{}{}:
	default:
	}
}

func (pc *PersistentConn) reconnect(ctx context.Context) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.closed.Load() {
		return fmt.Errorf("waws: persistent conn closed")
	}

	if pc.conn != nil {
		pc.conn.CloseNow()
		pc.conn = nil
	}

	conn, err := Dial(ctx, pc.url, pc.tlsConf, pc.headers)
	if err != nil {
		return fmt.Errorf("waws: reconnect: %w", err)
	}
	pc.conn = conn
	return nil
}
