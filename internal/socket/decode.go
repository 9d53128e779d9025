package socket

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"wamd/internal/signal"
	"wamd/internal/wabinary"
	"wamd/internal/wajid"
	"wamd/internal/wamessage"
)

// Decode processes an inbound <message> stanza. Each <enc> child is handled
// independently: one failing ciphertext is reported and skipped without
// poisoning its siblings.
func (h *MessageHandler) Decode(ctx context.Context, stanza wabinary.Node) {
	for _, enc := range stanza.FindNodes("enc") {
		if err := h.decodeOne(ctx, &stanza, enc); err != nil {
			h.fail(err)
		}
	}
}

// envelope is the metadata extracted from the outer stanza.
type envelope struct {
	id          string
	timestamp   uint64
	pushName    string
	from        wajid.JID
	recipient   wajid.JID
	participant wajid.JID
	hasPart     bool
	peer        bool
}

func parseEnvelope(stanza *wabinary.Node) (*envelope, error) {
	id, err := stanza.Attrs.RequiredString("id")
	if err != nil {
		return nil, fmt.Errorf("socket: decode: %w", err)
	}
	from, err := stanza.Attrs.JID("from")
	if err != nil {
		return nil, fmt.Errorf("socket: decode: %w", err)
	}
	env := &envelope{
		id:        id,
		timestamp: stanza.Attrs.Uint64("t"),
		pushName:  stanza.Attrs.String("notify"),
		from:      from,
		recipient: from,
		peer:      stanza.Attrs.String("category") == "peer",
	}
	if recipient, ok := stanza.Attrs.OptionalJID("recipient"); ok {
		env.recipient = recipient
	}
	if participant, ok := stanza.Attrs.OptionalJID("participant"); ok {
		env.participant = participant
		env.hasPart = true
	}
	return env, nil
}

// messageKey derives the chat/sender/fromMe triple from the envelope.
func (h *MessageHandler) messageKey(env *envelope) (wamessage.Key, error) {
	companion := h.keys.Companion().ToUserJID()
	key := wamessage.Key{ID: env.id}

	if env.from.Server == wajid.ServerWhatsapp || env.from.Server == wajid.ServerUser {
		key.ChatJID = env.recipient
		key.SenderJID = env.from
		key.FromMe = env.from.ToUserJID() == companion
		return key, nil
	}

	if !env.hasPart {
		return key, fmt.Errorf("socket: missing participant in group message %s", env.id)
	}
	key.ChatJID = env.from
	key.SenderJID = env.participant
	key.FromMe = env.participant.ToUserJID() == companion
	return key, nil
}

func (h *MessageHandler) decodeOne(ctx context.Context, stanza *wabinary.Node, enc *wabinary.Node) error {
	env, err := parseEnvelope(stanza)
	if err != nil {
		return err
	}
	key, err := h.messageKey(env)
	if err != nil {
		return err
	}

	// Ack before decrypting so the server does not redeliver.
	h.sendStanzaAck(ctx, env)

	encType, err := enc.Attrs.RequiredString("type")
	if err != nil {
		return fmt.Errorf("socket: decode %s: %w", env.id, err)
	}
	plaintext, err := h.decryptCiphertext(ctx, env, encType, enc.Bytes())
	if err != nil {
		return fmt.Errorf("socket: cannot decrypt %s message %s from %s: %w", encType, env.id, env.from, err)
	}

	container, err := wamessage.UnmarshalPadded(plaintext)
	if err != nil {
		return fmt.Errorf("socket: decode %s: %w", env.id, err)
	}
	// Own devices receive the wrapped copy; unbox it.
	if ds, ok := container.Content().(*wamessage.DeviceSentMessage); ok {
		container = ds.Message
	}

	info := &wamessage.Info{
		Key:       key,
		Message:   container,
		PushName:  env.pushName,
		Timestamp: env.timestamp,
	}

	h.applyPushName(env)

	switch content := container.Content().(type) {
	case *wamessage.SenderKeyDistributionMessage:
		// Installing a sender key mutates crypto state, so it runs under the
		// same lock as the ciphers.
		if err := h.acquire(ctx); err != nil {
			return err
		}
		err := h.handleDistribution(content, key.SenderJID)
		h.release()
		if err != nil {
			return err
		}
	case *wamessage.ProtocolMessage:
		if err := h.handleProtocolMessage(ctx, info, content, env.peer); err != nil {
			// Side-effect failures are logged; the pipeline continues so the
			// receipt below still goes out.
			h.fail(err)
		}
	}

	h.saveMessage(info)
	h.sendReceipt(ctx, info)
	return nil
}

// decryptCiphertext runs the right cipher for the enc type under the
// single-writer lock.
func (h *MessageHandler) decryptCiphertext(ctx context.Context, env *envelope, encType string, ciphertext []byte) ([]byte, error) {
	if err := h.acquire(ctx); err != nil {
		return nil, err
	}
	defer h.release()

	switch encType {
	case signal.TypeSenderKey:
		if !env.hasPart {
			return nil, fmt.Errorf("%w: skmsg without participant", signal.ErrUnsupportedType)
		}
		name := signal.SenderKeyName{
			GroupID: env.from.String(),
			Sender:  env.participant.ToSignalAddress(),
		}
		return signal.NewGroupCipher(h.keys, name).Decrypt(ciphertext)

	case signal.TypePreKeyMessage:
		user, err := h.sessionPeer(env)
		if err != nil {
			return nil, err
		}
		msg, err := signal.ParsePreKeySignalMessage(ciphertext)
		if err != nil {
			return nil, err
		}
		return signal.NewSessionCipher(h.keys, user.ToSignalAddress()).DecryptPreKey(msg)

	case signal.TypeMessage:
		user, err := h.sessionPeer(env)
		if err != nil {
			return nil, err
		}
		msg, err := signal.ParseSignalMessage(ciphertext)
		if err != nil {
			return nil, err
		}
		return signal.NewSessionCipher(h.keys, user.ToSignalAddress()).Decrypt(msg)

	default:
		return nil, fmt.Errorf("%w: %q", signal.ErrUnsupportedType, encType)
	}
}

// sessionPeer is the address whose session decrypts a 1:1 ciphertext: the
// sender itself, or the participant for group-wrapped session messages.
func (h *MessageHandler) sessionPeer(env *envelope) (wajid.JID, error) {
	if env.from.Server == wajid.ServerWhatsapp {
		return env.from, nil
	}
	if !env.hasPart {
		return wajid.JID{}, fmt.Errorf("%w: session message without participant", signal.ErrUnsupportedType)
	}
	return env.participant, nil
}

// handleDistribution installs a peer's sender key, keyed by the announcing
// group and the sending device.
func (h *MessageHandler) handleDistribution(msg *wamessage.SenderKeyDistributionMessage, sender wajid.JID) error {
	distribution, err := signal.ParseDistributionMessage(msg.Data)
	if err != nil {
		return err
	}
	name := signal.SenderKeyName{
		GroupID: msg.GroupID,
		Sender:  sender.ToSignalAddress(),
	}
	return signal.NewGroupBuilder(h.keys).CreateIncoming(name, distribution)
}

// applyPushName records the sender's advertised display name.
func (h *MessageHandler) applyPushName(env *envelope) {
	if env.pushName == "" {
		return
	}
	sender := env.from
	if env.hasPart {
		sender = env.participant
	}
	contact := h.store.EnsureContact(sender)
	if contact.ChosenName == env.pushName {
		return
	}
	contact.ChosenName = env.pushName
	if h.events.OnAction != nil {
		h.events.OnAction(wamessage.ContactAction{JID: contact.JID, Name: env.pushName})
	}
}

// saveMessage persists a decoded message and updates chat counters.
func (h *MessageHandler) saveMessage(info *wamessage.Info) {
	if info.Key.ChatJID == wajid.StatusAccount {
		h.store.AddStatus(info)
		if h.events.OnNewStatus != nil {
			h.events.OnNewStatus(info)
		}
		return
	}

	chat := h.store.EnsureChat(info.Key.ChatJID)
	chat.AddMessage(info)

	if info.Timestamp <= h.store.InitializationTimestamp() {
		return
	}
	if info.Message.Category() == wamessage.CategoryServer {
		return
	}
	if chat.Archived && h.store.UnarchiveChats() {
		chat.Archived = false
	}
	chat.Unread++
	if h.events.OnNewMessage != nil {
		h.events.OnNewMessage(info)
	}
}

// sendStanzaAck acknowledges the stanza before decryption.
func (h *MessageHandler) sendStanzaAck(ctx context.Context, env *envelope) {
	attrs := wabinary.Attrs{
		"id":    env.id,
		"to":    env.from.String(),
		"class": "receipt",
	}
	if env.hasPart {
		attrs["participant"] = env.participant.String()
	}
	if err := h.socket.Send(ctx, wabinary.New("ack", attrs)); err != nil {
		h.log.Warn("stanza ack failed", zap.String("id", env.id), zap.Error(err))
	}
}

// sendReceipt emits the application receipt after persistence.
func (h *MessageHandler) sendReceipt(ctx context.Context, info *wamessage.Info) {
	attrs := wabinary.Attrs{
		"id": info.Key.ID,
		"to": info.Key.ChatJID.String(),
	}
	if info.Key.SenderJID.String() != info.Key.ChatJID.String() {
		attrs["participant"] = info.Key.SenderJID.String()
	}
	if err := h.socket.Send(ctx, wabinary.New("receipt", attrs)); err != nil {
		h.log.Warn("receipt failed", zap.String("id", info.Key.ID), zap.Error(err))
	}
}

// sendSyncReceipt emits a typed receipt for protocol machinery.
func (h *MessageHandler) sendSyncReceipt(ctx context.Context, info *wamessage.Info, receiptType string) {
	attrs := wabinary.Attrs{
		"id":   info.Key.ID,
		"to":   info.Key.ChatJID.String(),
		"type": receiptType,
	}
	if err := h.socket.Send(ctx, wabinary.New("receipt", attrs)); err != nil {
		h.log.Warn("sync receipt failed",
			zap.String("id", info.Key.ID),
			zap.String("type", receiptType),
			zap.Error(err))
	}
}
