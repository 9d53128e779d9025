// Package wamd is an encrypted-messaging core for a WhatsApp multi-device
// client: it fans outbound messages out to every participant device, wraps
// each copy in the Signal protocol, assembles the wire stanza, and reverses
// the process for inbound stanzas.
package wamd

import (
	"context"
	"crypto/tls"
	"fmt"

	"go.uber.org/zap"

	"wamd/internal/socket"
	"wamd/internal/store"
	"wamd/internal/wabinary"
	"wamd/internal/wajid"
	"wamd/internal/wamessage"
)

// Client ties the gateway socket, the key and chat stores and the message
// handler together.
type Client struct {
	Keys    *store.Keys
	Store   *store.Store
	Gateway *socket.GatewaySocket
	Handler *socket.MessageHandler

	log *zap.Logger
}

// Config configures a Client.
type Config struct {
	// GatewayURL is the websocket endpoint.
	GatewayURL string
	// KeysPath and StorePath override the database locations.
	KeysPath  string
	StorePath string
	// TLS optionally overrides the TLS configuration.
	TLS *tls.Config
	// Events is the upward callback surface.
	Events socket.Events
	// ErrorHandler receives pipeline failures; nil logs them.
	ErrorHandler socket.ErrorHandler
	// Downloader fetches history sync blobs.
	Downloader socket.MediaDownloader
	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

// Connect opens the stores, dials the gateway and wires the message handler.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	keys, err := store.OpenKeys(cfg.KeysPath, log.Named("keys"))
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.StorePath, log.Named("store"))
	if err != nil {
		keys.Close()
		return nil, err
	}

	gateway, err := socket.NewGatewaySocket(ctx, cfg.GatewayURL, cfg.TLS, st, log.Named("gateway"))
	if err != nil {
		st.Close()
		keys.Close()
		return nil, err
	}

	errorHandler := cfg.ErrorHandler
	if errorHandler == nil {
		errorHandler = func(location socket.ErrorLocation, err error) {
			log.Error("pipeline failure", zap.String("location", string(location)), zap.Error(err))
		}
	}

	c := &Client{
		Keys:    keys,
		Store:   st,
		Gateway: gateway,
		log:     log,
	}
	c.Handler = socket.NewMessageHandler(gateway, keys, st, log.Named("handler"),
		socket.WithEvents(cfg.Events),
		socket.WithErrorHandler(errorHandler),
		socket.WithMediaDownloader(cfg.Downloader),
	)
	gateway.OnMessage = func(node wabinary.Node) {
		c.Handler.Decode(context.Background(), node)
	}
	return c, nil
}

// SendText sends a text message to the given chat.
func (c *Client) SendText(ctx context.Context, chat wajid.JID, text string) (*wamessage.Info, error) {
	info := &wamessage.Info{
		Key: wamessage.Key{
			ID:        wamessage.NewMessageID(),
			ChatJID:   chat,
			SenderJID: c.Keys.Companion(),
			FromMe:    true,
		},
		Message: wamessage.OfText(text),
	}
	if err := c.Handler.Encode(ctx, info, nil); err != nil {
		return nil, fmt.Errorf("wamd: send text: %w", err)
	}
	return info, nil
}

// Close shuts everything down.
func (c *Client) Close() error {
	gerr := c.Gateway.Close()
	serr := c.Store.Close()
	kerr := c.Keys.Close()
	if gerr != nil {
		return gerr
	}
	if serr != nil {
		return serr
	}
	return kerr
}
