package socket

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wamd/internal/cache"
	"wamd/internal/signal"
	"wamd/internal/store"
	"wamd/internal/wabinary"
	"wamd/internal/wajid"
	"wamd/internal/wamessage"
)

const historyCacheTTL = time.Minute

// MessageHandler turns logical messages into encrypted stanzas and back.
// Every ratchet mutation, inbound or outbound, happens under its one-permit
// lock so session state transitions stay linearizable.
type MessageHandler struct {
	socket  Socket
	keys    *store.Keys
	store   *store.Store
	devices *DeviceRegistry
	groups  *GroupRegistry
	history *cache.Cache[string, *store.Chat]

	lock chan struct{}

	events       Events
	errorHandler ErrorHandler
	download     MediaDownloader

	// pullInitialPatches runs after new app-state keys are installed.
	pullInitialPatches func()

	log *zap.Logger
}

// HandlerOption configures a MessageHandler.
type HandlerOption func(*MessageHandler)

// WithEvents sets the upward callback surface.
func WithEvents(events Events) HandlerOption {
	return func(h *MessageHandler) { h.events = events }
}

// WithErrorHandler sets the pipeline failure sink.
func WithErrorHandler(fn ErrorHandler) HandlerOption {
	return func(h *MessageHandler) { h.errorHandler = fn }
}

// WithMediaDownloader sets the blob fetcher used by history sync.
func WithMediaDownloader(fn MediaDownloader) HandlerOption {
	return func(h *MessageHandler) { h.download = fn }
}

// WithPatchPuller sets the app-state patch pull triggered by key shares.
func WithPatchPuller(fn func()) HandlerOption {
	return func(h *MessageHandler) { h.pullInitialPatches = fn }
}

// NewMessageHandler wires a handler over the given socket and stores.
func NewMessageHandler(socket Socket, keys *store.Keys, st *store.Store, log *zap.Logger, opts ...HandlerOption) *MessageHandler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &MessageHandler{
		socket:  socket,
		keys:    keys,
		store:   st,
		devices: NewDeviceRegistry(socket, keys, st, log),
		groups:  NewGroupRegistry(socket, log),
		lock:    make(chan struct{}, 1),
		log:     log,
	}
	h.history = cache.New[string, *store.Chat](historyCacheTTL, h.onChatReady)
	for _, o := range opts {
		o(h)
	}
	return h
}

// onChatReady fires when a history cache entry expires without re-insertion,
// signalling that the chat's recent-message batch is complete. Other removal
// causes are ignored.
func (h *MessageHandler) onChatReady(key string, chat *store.Chat, cause cache.RemovalCause) {
	if cause != cache.CauseExpired {
		return
	}
	if h.events.OnChatRecentMessages != nil {
		h.events.OnChatRecentMessages(chat, true)
	}
}

// acquire takes the single-writer lock after the socket is ready.
func (h *MessageHandler) acquire(ctx context.Context) error {
	if err := h.socket.AwaitReadyState(ctx); err != nil {
		return err
	}
	select {
	case h.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("socket: acquire lock: %w", ctx.Err())
	}
}

func (h *MessageHandler) release() {
	<-h.lock
}

// fail routes an error through the error handler and returns it.
func (h *MessageHandler) fail(err error) error {
	if h.errorHandler != nil {
		h.errorHandler(LocationMessage, err)
	}
	return err
}

// Encode encrypts info for every recipient device and sends the assembled
// stanza. Extra attributes are merged into the outer <message> node.
func (h *MessageHandler) Encode(ctx context.Context, info *wamessage.Info, extra wabinary.Attrs) error {
	if err := h.acquire(ctx); err != nil {
		return h.fail(err)
	}
	defer h.release()

	var err error
	if isConversation(info.Key.ChatJID) {
		err = h.encodeConversation(ctx, info, extra)
	} else {
		err = h.encodeGroup(ctx, info, extra)
	}
	if err != nil {
		return h.fail(err)
	}
	return nil
}

func isConversation(jid wajid.JID) bool {
	t := jid.Type()
	return t == wajid.TypeUser || t == wajid.TypeStatus
}

func (h *MessageHandler) encodeConversation(ctx context.Context, info *wamessage.Info, extra wabinary.Attrs) error {
	messageBytes, err := wamessage.MarshalPadded(info.Message)
	if err != nil {
		return err
	}
	deviceMessage := wamessage.OfDeviceSent(info.Key.ChatJID.String(), info.Message)
	deviceBytes, err := wamessage.MarshalPadded(deviceMessage)
	if err != nil {
		return err
	}

	companion := h.keys.Companion()
	targets := []wajid.JID{companion.ToUserJID(), info.Key.ChatJID}
	devices, err := h.devices.Resolve(ctx, targets, true)
	if err != nil {
		return err
	}

	var own, others []wajid.JID
	for _, device := range devices {
		if device.User == companion.User {
			own = append(own, device)
		} else {
			others = append(others, device)
		}
	}

	if err := h.ensureSessions(ctx, devices); err != nil {
		return err
	}

	participants := make([]wabinary.Node, 0, len(devices))
	ownNodes, err := h.createMessageNodes(own, deviceBytes)
	if err != nil {
		return err
	}
	otherNodes, err := h.createMessageNodes(others, messageBytes)
	if err != nil {
		return err
	}
	participants = append(participants, ownNodes...)
	participants = append(participants, otherNodes...)

	stanza := h.assembleMessageNode(info, participants, nil, extra)
	if err := h.socket.Send(ctx, stanza); err != nil {
		return err
	}

	h.store.EnsureChat(info.Key.ChatJID).AddMessage(info)
	return nil
}

func (h *MessageHandler) encodeGroup(ctx context.Context, info *wamessage.Info, extra wabinary.Attrs) error {
	chat := h.store.EnsureChat(info.Key.ChatJID)
	if !chat.IsGroup() {
		return fmt.Errorf("socket: cannot send group message to %s", chat.JID)
	}

	messageBytes, err := wamessage.MarshalPadded(info.Message)
	if err != nil {
		return err
	}

	senderName := signal.SenderKeyName{
		GroupID: info.Key.ChatJID.String(),
		Sender:  h.keys.Companion().ToSignalAddress(),
	}
	distribution, err := signal.NewGroupBuilder(h.keys).CreateOutgoing(senderName)
	if err != nil {
		return err
	}
	groupCiphertext, err := signal.NewGroupCipher(h.keys, senderName).Encrypt(messageBytes)
	if err != nil {
		return err
	}

	metadata, err := h.groups.Get(ctx, info.Key.ChatJID)
	if err != nil {
		return err
	}
	devices, err := h.devices.Resolve(ctx, metadata.Participants, false)
	if err != nil {
		return err
	}

	participants, err := h.createGroupDistributionNodes(ctx, chat, distribution, devices)
	if err != nil {
		return err
	}

	descriptor := wabinary.NewBytes("enc", wabinary.Attrs{"v": "2", "type": signal.TypeSenderKey}, groupCiphertext)
	stanza := h.assembleMessageNode(info, participants, &descriptor, extra)
	if err := h.socket.Send(ctx, stanza); err != nil {
		return err
	}

	chat.AddMessage(info)
	return nil
}

// createGroupDistributionNodes encrypts the sender key distribution to every
// device that has not received it yet and records them on the chat.
func (h *MessageHandler) createGroupDistributionNodes(ctx context.Context, chat *store.Chat, distribution *signal.DistributionMessage, devices []wajid.JID) ([]wabinary.Node, error) {
	var missing []wajid.JID
	for _, device := range devices {
		if !chat.ParticipantsPreKeys[device.String()] {
			missing = append(missing, device)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}

	payload := wamessage.OfSenderKeyDistribution(chat.JID.String(), distribution.Marshal())
	padded, err := wamessage.MarshalPadded(payload)
	if err != nil {
		return nil, err
	}

	if err := h.ensureSessions(ctx, missing); err != nil {
		return nil, err
	}
	nodes, err := h.createMessageNodes(missing, padded)
	if err != nil {
		return nil, err
	}

	for _, device := range missing {
		chat.ParticipantsPreKeys[device.String()] = true
	}
	return nodes, nil
}

// createMessageNodes Session-Cipher-encrypts payload per device.
func (h *MessageHandler) createMessageNodes(devices []wajid.JID, payload []byte) ([]wabinary.Node, error) {
	nodes := make([]wabinary.Node, 0, len(devices))
	for _, device := range devices {
		cipher := signal.NewSessionCipher(h.keys, device.ToSignalAddress())
		ct, err := cipher.Encrypt(payload)
		if err != nil {
			return nil, fmt.Errorf("socket: encrypt for %s: %w", device, err)
		}
		enc := wabinary.NewBytes("enc", wabinary.Attrs{"v": "2", "type": ct.Type}, ct.Data)
		nodes = append(nodes, wabinary.New("to", wabinary.Attrs{"jid": device.String()}, enc))
	}
	return nodes, nil
}

// assembleMessageNode builds the outer <message> stanza: participants,
// optional group descriptor, and the device identity proof whenever any
// child is a pkmsg.
func (h *MessageHandler) assembleMessageNode(info *wamessage.Info, participants []wabinary.Node, descriptor *wabinary.Node, extra wabinary.Attrs) wabinary.Node {
	var children []wabinary.Node
	if len(participants) > 0 {
		children = append(children, wabinary.New("participants", nil, participants...))
	}
	if descriptor != nil {
		children = append(children, *descriptor)
	}
	if hasPreKeyNode(participants) {
		children = append(children, wabinary.NewBytes("device-identity", nil, h.keys.CompanionIdentity()))
	}

	attrs := wabinary.Attrs{
		"id":   info.Key.ID,
		"type": "text",
		"to":   info.Key.ChatJID.String(),
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return wabinary.New("message", attrs, children...)
}

func hasPreKeyNode(participants []wabinary.Node) bool {
	for i := range participants {
		for _, enc := range participants[i].FindNodes("enc") {
			if enc.Attrs.String("type") == signal.TypePreKeyMessage {
				return true
			}
		}
	}
	return false
}

// ensureSessions fetches pre-key bundles for every device without a session
// and builds outgoing sessions from them.
func (h *MessageHandler) ensureSessions(ctx context.Context, devices []wajid.JID) error {
	var missing []wajid.JID
	for _, device := range devices {
		has, err := h.keys.HasSession(device.ToSignalAddress())
		if err != nil {
			return err
		}
		if !has {
			missing = append(missing, device)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	users := make([]wabinary.Node, 0, len(missing))
	for _, device := range missing {
		users = append(users, wabinary.New("user", wabinary.Attrs{
			"jid":    device.String(),
			"reason": "identity",
		}))
	}
	result, err := h.socket.SendQuery(ctx, "get", "encrypt", wabinary.New("key", nil, users...))
	if err != nil {
		return fmt.Errorf("socket: pre-key query: %w", err)
	}
	return h.parseSessions(&result)
}

// parseSessions consumes a pre-key fetch result, building one outgoing
// session per <user>.
func (h *MessageHandler) parseSessions(result *wabinary.Node) error {
	list, ok := result.FindNode("list")
	if !ok {
		return fmt.Errorf("socket: missing list in pre-key result")
	}
	for _, user := range list.FindNodes("user") {
		if err := h.parseSession(user); err != nil {
			return err
		}
	}
	return nil
}

func (h *MessageHandler) parseSession(user *wabinary.Node) error {
	if user.HasNode("error") {
		return fmt.Errorf("socket: erroneous pre-key node")
	}
	jid, err := user.Attrs.JID("jid")
	if err != nil {
		return fmt.Errorf("socket: pre-key session: %w", err)
	}

	registration, ok := user.FindNode("registration")
	if !ok || len(registration.Bytes()) != 4 {
		return fmt.Errorf("socket: missing registration for %s", jid)
	}
	identityNode, ok := user.FindNode("identity")
	if !ok {
		return fmt.Errorf("socket: missing identity for %s", jid)
	}
	identity, err := identityKeyBytes(identityNode.Bytes())
	if err != nil {
		return fmt.Errorf("socket: identity for %s: %w", jid, err)
	}
	signingNode, ok := user.FindNode("sidentity")
	if !ok {
		return fmt.Errorf("socket: missing signing identity for %s", jid)
	}

	skey, ok := user.FindNode("skey")
	if !ok {
		return fmt.Errorf("socket: missing signed key for %s", jid)
	}
	signedID, signedPub, signedSig, err := parseKeyNode(skey, true)
	if err != nil {
		return fmt.Errorf("socket: signed key for %s: %w", jid, err)
	}

	bundle := &signal.Bundle{
		RegistrationID:        bytesToUint32(registration.Bytes()),
		IdentityKey:           identity,
		SigningIdentity:       signingNode.Bytes(),
		SignedPreKeyID:        signedID,
		SignedPreKey:          signedPub,
		SignedPreKeySignature: signedSig,
	}

	if key, ok := user.FindNode("key"); ok {
		keyID, keyPub, _, err := parseKeyNode(key, false)
		if err != nil {
			return fmt.Errorf("socket: one-time key for %s: %w", jid, err)
		}
		bundle.HasPreKey = true
		bundle.PreKeyID = keyID
		bundle.PreKey = keyPub
	}

	builder := signal.NewSessionBuilder(h.keys, jid.ToSignalAddress())
	return builder.CreateOutgoing(bundle)
}

// parseKeyNode reads a <skey> or <key> child: id, public value and, when
// required, the signature.
func parseKeyNode(node *wabinary.Node, wantSignature bool) (uint32, [32]byte, []byte, error) {
	var pub [32]byte

	idNode, ok := node.FindNode("id")
	if !ok {
		return 0, pub, nil, fmt.Errorf("missing id")
	}
	valueNode, ok := node.FindNode("value")
	if !ok || len(valueNode.Bytes()) != 32 {
		return 0, pub, nil, fmt.Errorf("missing value")
	}
	copy(pub[:], valueNode.Bytes())

	var sig []byte
	if wantSignature {
		sigNode, ok := node.FindNode("signature")
		if !ok {
			return 0, pub, nil, fmt.Errorf("missing signature")
		}
		sig = sigNode.Bytes()
	}
	return bytesToUint32(idNode.Bytes()), pub, sig, nil
}

// identityKeyBytes strips the 0x05 DJB type header when present.
func identityKeyBytes(raw []byte) ([32]byte, error) {
	var out [32]byte
	switch len(raw) {
	case 32:
		copy(out[:], raw)
	case 33:
		if raw[0] != 0x05 {
			return out, fmt.Errorf("unexpected key type 0x%02x", raw[0])
		}
		copy(out[:], raw[1:])
	default:
		return out, fmt.Errorf("bad identity key length %d", len(raw))
	}
	return out, nil
}

// bytesToUint32 interprets up to four big-endian bytes.
func bytesToUint32(b []byte) uint32 {
	var out uint32
	for _, x := range b {
		out = out<<8 | uint32(x)
	}
	return out
}
