package socket

import (
	"bytes"
	"context"
	"encoding/binary"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wamd/internal/cache"
	"wamd/internal/signal"
	"wamd/internal/store"
	"wamd/internal/wabinary"
	"wamd/internal/wacrypto"
	"wamd/internal/wajid"
	"wamd/internal/wamessage"
)

// fakeSocket records sent stanzas and answers queries via onQuery.
type fakeSocket struct {
	mu      sync.Mutex
	sent    []wabinary.Node
	queries []queryRecord
	onQuery func(iqType, xmlns string, body wabinary.Node) (wabinary.Node, error)
}

type queryRecord struct {
	iqType string
	xmlns  string
	body   wabinary.Node
}

func (f *fakeSocket) Send(ctx context.Context, node wabinary.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, node)
	return nil
}

func (f *fakeSocket) SendQuery(ctx context.Context, iqType, xmlns string, body wabinary.Node) (wabinary.Node, error) {
	f.mu.Lock()
	f.queries = append(f.queries, queryRecord{iqType, xmlns, body})
	f.mu.Unlock()
	return f.onQuery(iqType, xmlns, body)
}

func (f *fakeSocket) AwaitReadyState(ctx context.Context) error { return nil }

func (f *fakeSocket) sentByDescription(description string) []wabinary.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wabinary.Node
	for _, node := range f.sent {
		if node.Description == description {
			out = append(out, node)
		}
	}
	return out
}

func (f *fakeSocket) queryCount(xmlns string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, q := range f.queries {
		if q.xmlns == xmlns {
			n++
		}
	}
	return n
}

// peerKeys is the raw key material a fake gateway advertises for a peer.
type peerKeys struct {
	identity *wacrypto.KeyPair
	signing  *wacrypto.SigningKeyPair
	spk      *wacrypto.KeyPair
	spkSig   []byte
	preKey   *wacrypto.KeyPair
}

func makePeer(t *testing.T) *peerKeys {
	t.Helper()
	identity, err := wacrypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	signing, err := wacrypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	spk, err := wacrypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	preKey, err := wacrypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	return &peerKeys{
		identity: identity,
		signing:  signing,
		spk:      spk,
		spkSig:   signing.Sign(spk.Public[:]),
		preKey:   preKey,
	}
}

func uint32Bytes(v uint32, n int) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return buf[4-n:]
}

// bundleNode renders the pre-key fetch response entry for one user.
func (p *peerKeys) bundleNode(jid string) wabinary.Node {
	identity := append([]byte{0x05}, p.identity.Public[:]...)
	return wabinary.New("user", wabinary.Attrs{"jid": jid},
		wabinary.NewBytes("registration", nil, uint32Bytes(4444, 4)),
		wabinary.NewBytes("identity", nil, identity),
		wabinary.NewBytes("sidentity", nil, p.signing.Public),
		wabinary.New("skey", nil,
			wabinary.NewBytes("id", nil, uint32Bytes(11, 3)),
			wabinary.NewBytes("value", nil, p.spk.Public[:]),
			wabinary.NewBytes("signature", nil, p.spkSig),
		),
		wabinary.New("key", nil,
			wabinary.NewBytes("id", nil, uint32Bytes(7, 3)),
			wabinary.NewBytes("value", nil, p.preKey.Public[:]),
		),
	)
}

// deviceListNode renders a USync entry: one user with the given device ids.
func deviceListNode(jid string, ids ...uint32) wabinary.Node {
	devices := make([]wabinary.Node, 0, len(ids))
	for _, id := range ids {
		attrs := wabinary.Attrs{"id": uintString(id)}
		if id != 0 {
			attrs["key-index"] = "1"
		}
		devices = append(devices, wabinary.New("device", attrs))
	}
	return wabinary.New("user", wabinary.Attrs{"jid": jid},
		wabinary.New("devices", nil,
			wabinary.New("device-list", nil, devices...),
		),
	)
}

func uintString(v uint32) string {
	return string('0' + rune(v%10))
}

// gateway answers usync, encrypt and group metadata queries from fixtures.
type gateway struct {
	t       *testing.T
	peers   map[string]*peerKeys // user → advertised bundle
	devices map[string][]uint32  // user → device ids
	group   *store.GroupMetadata // single group fixture
}

func (g *gateway) respond(iqType, xmlns string, body wabinary.Node) (wabinary.Node, error) {
	switch xmlns {
	case "usync":
		list, _ := body.FindNode("list")
		var users []wabinary.Node
		for _, user := range list.Children() {
			jid, err := wajid.Parse(user.Attrs.String("jid"))
			if err != nil {
				g.t.Fatalf("bad usync jid: %v", err)
			}
			users = append(users, deviceListNode(jid.ToUserJID().String(), g.devices[jid.User]...))
		}
		return wabinary.New("result", nil, wabinary.New("usync", nil, wabinary.New("list", nil, users...))), nil

	case "encrypt":
		var users []wabinary.Node
		for _, user := range body.Children() {
			jid, err := wajid.Parse(user.Attrs.String("jid"))
			if err != nil {
				g.t.Fatalf("bad encrypt jid: %v", err)
			}
			peer, ok := g.peers[jid.User]
			if !ok {
				g.t.Fatalf("no fixture peer for %s", jid.User)
			}
			users = append(users, peer.bundleNode(user.Attrs.String("jid")))
		}
		return wabinary.New("result", nil, wabinary.New("list", nil, users...)), nil

	case "w:g2":
		participants := make([]wabinary.Node, 0, len(g.group.Participants))
		for _, p := range g.group.Participants {
			participants = append(participants, wabinary.New("participant", wabinary.Attrs{"jid": p.String()}))
		}
		groupNode := wabinary.New("group", wabinary.Attrs{"subject": g.group.Subject}, participants...)
		return wabinary.New("result", nil, groupNode), nil
	}
	g.t.Fatalf("unexpected query %s/%s", iqType, xmlns)
	return wabinary.Node{}, nil
}

// testHandler builds a handler around fresh stores and a fake socket.
func testHandler(t *testing.T, sock *fakeSocket, opts ...HandlerOption) (*MessageHandler, *store.Keys, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	keys, err := store.OpenKeys(filepath.Join(dir, "keys.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { keys.Close() })
	st, err := store.Open(filepath.Join(dir, "store.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	keys.SetCompanion(wajid.NewDevice("alice", 3))
	keys.SetCompanionIdentity([]byte("companion-identity-proof"))

	return NewMessageHandler(sock, keys, st, nil, opts...), keys, st
}

func textInfo(chat wajid.JID, text string) *wamessage.Info {
	return &wamessage.Info{
		Key: wamessage.Key{
			ID:      wamessage.NewMessageID(),
			ChatJID: chat,
			FromMe:  true,
		},
		Message:   wamessage.OfText(text),
		Timestamp: uint64(time.Now().Unix()),
	}
}

func TestEncodeInitialConversationSend(t *testing.T) {
	sock := &fakeSocket{}
	gw := &gateway{
		t:       t,
		peers:   map[string]*peerKeys{},
		devices: map[string][]uint32{"alice": {0}, "bob": {0}},
	}
	sock.onQuery = gw.respond

	h, _, _ := testHandler(t, sock)
	gw.peers["alice"] = makePeer(t)
	gw.peers["bob"] = makePeer(t)

	err := h.Encode(context.Background(), textInfo(wajid.New("bob"), "hi"), nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if n := sock.queryCount("encrypt"); n != 1 {
		t.Errorf("encrypt queries = %d, want 1", n)
	}
	messages := sock.sentByDescription("message")
	if len(messages) != 1 {
		t.Fatalf("sent %d messages", len(messages))
	}
	msg := messages[0]
	if msg.Attrs.String("to") != "bob@s.whatsapp.net" || msg.Attrs.String("type") != "text" {
		t.Fatalf("message attrs = %v", msg.Attrs)
	}

	participants, ok := msg.FindNode("participants")
	if !ok {
		t.Fatal("missing participants")
	}
	tos := participants.FindNodes("to")
	if len(tos) != 2 {
		t.Fatalf("to nodes = %d, want 2", len(tos))
	}
	targets := map[string]bool{}
	for _, to := range tos {
		targets[to.Attrs.String("jid")] = true
		enc, ok := to.FindNode("enc")
		if !ok {
			t.Fatal("to without enc")
		}
		if enc.Attrs.String("type") != signal.TypePreKeyMessage || enc.Attrs.String("v") != "2" {
			t.Fatalf("enc attrs = %v", enc.Attrs)
		}
	}
	if !targets["alice@s.whatsapp.net"] || !targets["bob@s.whatsapp.net"] {
		t.Fatalf("targets = %v", targets)
	}

	identity, ok := msg.FindNode("device-identity")
	if !ok {
		t.Fatal("missing device-identity alongside pkmsg children")
	}
	if !bytes.Equal(identity.Bytes(), []byte("companion-identity-proof")) {
		t.Fatal("device-identity content mismatch")
	}
}

func TestEncodeRepeatSendUsesMsg(t *testing.T) {
	sock := &fakeSocket{}
	gw := &gateway{
		t:       t,
		peers:   map[string]*peerKeys{},
		devices: map[string][]uint32{"alice": {0}, "bob": {0}},
	}
	sock.onQuery = gw.respond

	h, keys, _ := testHandler(t, sock)
	gw.peers["alice"] = makePeer(t)
	gw.peers["bob"] = makePeer(t)

	if err := h.Encode(context.Background(), textInfo(wajid.New("bob"), "first"), nil); err != nil {
		t.Fatal(err)
	}

	// Simulate the peers acknowledging the pre-key message: the pending
	// pre-key is cleared once they answer.
	for _, user := range []string{"alice", "bob"} {
		addr := wajid.SignalAddress{Name: user, DeviceID: 0}
		session, err := keys.LoadSession(addr)
		if err != nil || session == nil {
			t.Fatalf("session for %s: %v", user, err)
		}
		for _, state := range session.States {
			state.Pending = nil
		}
		if err := keys.StoreSession(addr, session); err != nil {
			t.Fatal(err)
		}
	}

	if err := h.Encode(context.Background(), textInfo(wajid.New("bob"), "second"), nil); err != nil {
		t.Fatal(err)
	}

	if n := sock.queryCount("encrypt"); n != 1 {
		t.Errorf("encrypt queries = %d, want 1 (no re-fetch)", n)
	}
	messages := sock.sentByDescription("message")
	if len(messages) != 2 {
		t.Fatalf("sent %d messages", len(messages))
	}
	second := messages[1]
	participants, _ := second.FindNode("participants")
	for _, to := range participants.FindNodes("to") {
		enc, _ := to.FindNode("enc")
		if enc.Attrs.String("type") != signal.TypeMessage {
			t.Fatalf("second send enc type = %q, want msg", enc.Attrs.String("type"))
		}
	}
	if second.HasNode("device-identity") {
		t.Fatal("device-identity should be absent without pkmsg children")
	}
}

func TestEncodeGroupDistribution(t *testing.T) {
	group := wajid.NewGroup("12345-67890")
	sock := &fakeSocket{}
	gw := &gateway{
		t:     t,
		peers: map[string]*peerKeys{},
		devices: map[string][]uint32{
			"alice": {0}, "bob": {0}, "carol": {0},
		},
		group: &store.GroupMetadata{
			JID:     group,
			Subject: "the group",
			Participants: []wajid.JID{
				wajid.New("alice"), wajid.New("bob"), wajid.New("carol"),
			},
		},
	}
	sock.onQuery = gw.respond

	h, _, st := testHandler(t, sock)
	gw.peers["carol"] = makePeer(t)

	// A previous send already reached alice and bob.
	chat := st.EnsureChat(group)
	chat.ParticipantsPreKeys["alice@s.whatsapp.net"] = true
	chat.ParticipantsPreKeys["bob@s.whatsapp.net"] = true

	if err := h.Encode(context.Background(), textInfo(group, "hello"), nil); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	messages := sock.sentByDescription("message")
	if len(messages) != 1 {
		t.Fatalf("sent %d messages", len(messages))
	}
	msg := messages[0]

	// Sender key ciphertext rides on the outer enc node.
	var outerEnc *wabinary.Node
	for _, enc := range msg.FindNodes("enc") {
		outerEnc = enc
	}
	if outerEnc == nil || outerEnc.Attrs.String("type") != signal.TypeSenderKey {
		t.Fatalf("missing skmsg enc: %+v", outerEnc)
	}

	// Only carol gets the distribution.
	participants, ok := msg.FindNode("participants")
	if !ok {
		t.Fatal("missing participants")
	}
	tos := participants.FindNodes("to")
	if len(tos) != 1 || tos[0].Attrs.String("jid") != "carol@s.whatsapp.net" {
		t.Fatalf("distribution targets = %+v", tos)
	}
	if !chat.ParticipantsPreKeys["carol@s.whatsapp.net"] {
		t.Fatal("carol not recorded in participantsPreKeys")
	}

	// Idempotent distribution: the next send includes no participants node.
	if err := h.Encode(context.Background(), textInfo(group, "again"), nil); err != nil {
		t.Fatal(err)
	}
	second := sock.sentByDescription("message")[1]
	if second.HasNode("participants") {
		t.Fatal("second send should not redistribute sender keys")
	}
}

// remotePeer drives the remote side of a conversation with real key stores.
type remotePeer struct {
	t    *testing.T
	keys *store.Keys
	user string
}

func newRemotePeer(t *testing.T, user string) *remotePeer {
	t.Helper()
	keys, err := store.OpenKeys(filepath.Join(t.TempDir(), "peer.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { keys.Close() })
	keys.SetCompanion(wajid.NewDevice(user, 0))
	return &remotePeer{t: t, keys: keys, user: user}
}

// establishSessionTo builds this peer's outgoing session toward the handler
// owner using the owner's actual stored keys.
func (p *remotePeer) establishSessionTo(ownerKeys *store.Keys, ownerAddr wajid.SignalAddress) {
	p.t.Helper()
	spk, err := ownerKeys.GenerateSignedPreKey(11)
	if err != nil {
		p.t.Fatal(err)
	}
	preKeys, err := ownerKeys.GeneratePreKeys(7, 1)
	if err != nil {
		p.t.Fatal(err)
	}
	bundle := &signal.Bundle{
		RegistrationID:        ownerKeys.RegistrationID(),
		IdentityKey:           ownerKeys.IdentityKeyPair().Public,
		SigningIdentity:       ownerKeys.SigningKeyPair().Public,
		SignedPreKeyID:        spk.ID,
		SignedPreKey:          spk.KeyPair.Public,
		SignedPreKeySignature: spk.Signature,
		HasPreKey:             true,
		PreKeyID:              preKeys[0].ID,
		PreKey:                preKeys[0].KeyPair.Public,
	}
	if err := signal.NewSessionBuilder(p.keys, ownerAddr).CreateOutgoing(bundle); err != nil {
		p.t.Fatalf("peer session: %v", err)
	}
}

// encrypt encrypts a container toward the owner address.
func (p *remotePeer) encrypt(ownerAddr wajid.SignalAddress, c *wamessage.Container) *signal.Ciphertext {
	p.t.Helper()
	padded, err := wamessage.MarshalPadded(c)
	if err != nil {
		p.t.Fatal(err)
	}
	ct, err := signal.NewSessionCipher(p.keys, ownerAddr).Encrypt(padded)
	if err != nil {
		p.t.Fatalf("peer encrypt: %v", err)
	}
	return ct
}

func inboundStanza(id, from string, ct *signal.Ciphertext, extra wabinary.Attrs) wabinary.Node {
	attrs := wabinary.Attrs{
		"id":     id,
		"from":   from,
		"t":      "4102444800", // far future, past the store init timestamp
		"notify": "Bob",
	}
	for k, v := range extra {
		attrs[k] = v
	}
	enc := wabinary.NewBytes("enc", wabinary.Attrs{"v": "2", "type": ct.Type}, ct.Data)
	return wabinary.New("message", attrs, enc)
}

func TestDecodeConversationEndToEnd(t *testing.T) {
	sock := &fakeSocket{}
	var received []*wamessage.Info
	var failures []error

	h, keys, st := testHandler(t, sock,
		WithEvents(Events{
			OnNewMessage: func(info *wamessage.Info) { received = append(received, info) },
		}),
		WithErrorHandler(func(loc ErrorLocation, err error) { failures = append(failures, err) }),
	)

	bob := newRemotePeer(t, "bob")
	aliceAddr := wajid.SignalAddress{Name: "alice", DeviceID: 3}
	bob.establishSessionTo(keys, aliceAddr)

	ct := bob.encrypt(aliceAddr, wamessage.OfText("hi alice"))
	if ct.Type != signal.TypePreKeyMessage {
		t.Fatalf("first peer message type = %q", ct.Type)
	}

	h.Decode(context.Background(), inboundStanza("M1", "bob@s.whatsapp.net", ct, nil))

	if len(failures) != 0 {
		t.Fatalf("decode failures: %v", failures)
	}
	if len(received) != 1 {
		t.Fatalf("received %d messages", len(received))
	}
	text, ok := received[0].Message.Content().(*wamessage.TextMessage)
	if !ok || text.Text != "hi alice" {
		t.Fatalf("content = %#v", received[0].Message.Content())
	}
	if received[0].PushName != "Bob" {
		t.Errorf("push name = %q", received[0].PushName)
	}

	// The ack goes out before the receipt.
	acks := sock.sentByDescription("ack")
	receipts := sock.sentByDescription("receipt")
	if len(acks) != 1 || acks[0].Attrs.String("class") != "receipt" {
		t.Fatalf("acks = %+v", acks)
	}
	if len(receipts) != 1 || receipts[0].Attrs.String("id") != "M1" {
		t.Fatalf("receipts = %+v", receipts)
	}
	sock.mu.Lock()
	if sock.sent[0].Description != "ack" {
		t.Error("ack should be the first stanza out")
	}
	sock.mu.Unlock()

	// The message landed in the chat and bumped unread.
	chat, ok := st.FindChatByJID(wajid.New("bob"))
	if !ok {
		t.Fatal("chat missing")
	}
	if len(chat.Messages) != 1 || chat.Unread != 1 {
		t.Fatalf("chat = %+v", chat)
	}

	// A second message from the same session decrypts too.
	ct2 := bob.encrypt(aliceAddr, wamessage.OfText("again"))
	h.Decode(context.Background(), inboundStanza("M2", "bob@s.whatsapp.net", ct2, nil))
	if len(failures) != 0 {
		t.Fatalf("second decode failures: %v", failures)
	}
	if len(received) != 2 {
		t.Fatalf("received %d messages", len(received))
	}
}

func TestDecodeGroupMessageEndToEnd(t *testing.T) {
	sock := &fakeSocket{}
	var received []*wamessage.Info
	var failures []error

	h, keys, _ := testHandler(t, sock,
		WithEvents(Events{
			OnNewMessage: func(info *wamessage.Info) { received = append(received, info) },
		}),
		WithErrorHandler(func(loc ErrorLocation, err error) { failures = append(failures, err) }),
	)

	bob := newRemotePeer(t, "bob")
	aliceAddr := wajid.SignalAddress{Name: "alice", DeviceID: 3}
	bob.establishSessionTo(keys, aliceAddr)

	group := wajid.NewGroup("12345-67890")
	name := signal.SenderKeyName{
		GroupID: group.String(),
		Sender:  wajid.SignalAddress{Name: "bob", DeviceID: 0},
	}
	dist, err := signal.NewGroupBuilder(bob.keys).CreateOutgoing(name)
	if err != nil {
		t.Fatal(err)
	}

	// Bob delivers his sender key through the pairwise session, addressed
	// from the group with himself as participant.
	skdm := bob.encrypt(aliceAddr, wamessage.OfSenderKeyDistribution(group.String(), dist.Marshal()))
	h.Decode(context.Background(), inboundStanza("D1", group.String(), skdm, wabinary.Attrs{
		"participant": "bob@s.whatsapp.net",
	}))
	if len(failures) != 0 {
		t.Fatalf("distribution decode failures: %v", failures)
	}

	// Now the group ciphertext itself.
	padded, err := wamessage.MarshalPadded(wamessage.OfText("hello group"))
	if err != nil {
		t.Fatal(err)
	}
	groupCt, err := signal.NewGroupCipher(bob.keys, name).Encrypt(padded)
	if err != nil {
		t.Fatal(err)
	}
	h.Decode(context.Background(), inboundStanza("G1", group.String(),
		&signal.Ciphertext{Type: signal.TypeSenderKey, Data: groupCt},
		wabinary.Attrs{"participant": "bob@s.whatsapp.net"},
	))

	if len(failures) != 0 {
		t.Fatalf("group decode failures: %v", failures)
	}
	var groupTexts []string
	for _, info := range received {
		if text, ok := info.Message.Content().(*wamessage.TextMessage); ok {
			groupTexts = append(groupTexts, text.Text)
		}
	}
	if len(groupTexts) != 1 || groupTexts[0] != "hello group" {
		t.Fatalf("group texts = %v", groupTexts)
	}
	last := received[len(received)-1]
	if last.Key.ChatJID != group || last.Key.SenderJID.User != "bob" {
		t.Fatalf("group message key = %+v", last.Key)
	}
}

func TestDecodeRevoke(t *testing.T) {
	sock := &fakeSocket{}
	var deleted []*wamessage.Info
	var failures []error

	h, keys, st := testHandler(t, sock,
		WithEvents(Events{
			OnMessageDeleted: func(info *wamessage.Info, fromRemote bool) {
				if !fromRemote {
					t.Error("revoke should report fromRemote")
				}
				deleted = append(deleted, info)
			},
		}),
		WithErrorHandler(func(loc ErrorLocation, err error) { failures = append(failures, err) }),
	)

	bob := newRemotePeer(t, "bob")
	aliceAddr := wajid.SignalAddress{Name: "alice", DeviceID: 3}
	bob.establishSessionTo(keys, aliceAddr)

	// Seed the chat with the message to revoke.
	ct := bob.encrypt(aliceAddr, wamessage.OfText("to be removed"))
	h.Decode(context.Background(), inboundStanza("X", "bob@s.whatsapp.net", ct, nil))

	revoke := bob.encrypt(aliceAddr, wamessage.OfProtocol(&wamessage.ProtocolMessage{
		Type: wamessage.ProtocolRevoke,
		Key:  &wamessage.MessageKey{ID: "X"},
	}))
	h.Decode(context.Background(), inboundStanza("R", "bob@s.whatsapp.net", revoke, nil))

	if len(failures) != 0 {
		t.Fatalf("failures: %v", failures)
	}
	if len(deleted) != 1 || deleted[0].Key.ID != "X" {
		t.Fatalf("deleted = %+v", deleted)
	}
	chat, _ := st.FindChatByJID(wajid.New("bob"))
	if _, ok := chat.FindMessageByID("X"); ok {
		t.Fatal("revoked message still present")
	}
}

func TestDecodeBadEncDoesNotPoisonSiblings(t *testing.T) {
	sock := &fakeSocket{}
	var received []*wamessage.Info
	var failures []error

	h, keys, _ := testHandler(t, sock,
		WithEvents(Events{
			OnNewMessage: func(info *wamessage.Info) { received = append(received, info) },
		}),
		WithErrorHandler(func(loc ErrorLocation, err error) { failures = append(failures, err) }),
	)

	bob := newRemotePeer(t, "bob")
	aliceAddr := wajid.SignalAddress{Name: "alice", DeviceID: 3}
	bob.establishSessionTo(keys, aliceAddr)
	ct := bob.encrypt(aliceAddr, wamessage.OfText("good sibling"))

	bad := wabinary.NewBytes("enc", wabinary.Attrs{"v": "2", "type": "bogus"}, []byte{1, 2, 3})
	good := wabinary.NewBytes("enc", wabinary.Attrs{"v": "2", "type": ct.Type}, ct.Data)
	stanza := wabinary.New("message", wabinary.Attrs{
		"id":   "S",
		"from": "bob@s.whatsapp.net",
		"t":    "4102444800",
	}, bad, good)

	h.Decode(context.Background(), stanza)

	if len(failures) != 1 {
		t.Fatalf("failures = %v, want exactly the bogus enc", failures)
	}
	if len(received) != 1 {
		t.Fatalf("received = %d, the good sibling must still decode", len(received))
	}
}

func TestHistorySyncRecentAndCacheExpiry(t *testing.T) {
	sock := &fakeSocket{}
	type recentCall struct {
		jid       string
		fromCache bool
	}
	var mu sync.Mutex
	var calls []recentCall

	h, _, st := testHandler(t, sock,
		WithEvents(Events{
			OnChatRecentMessages: func(chat *store.Chat, fromCache bool) {
				mu.Lock()
				calls = append(calls, recentCall{chat.JID.String(), fromCache})
				mu.Unlock()
			},
		}),
		WithMediaDownloader(func(ctx context.Context, ref *wamessage.HistorySyncNotification) ([]byte, error) {
			payload := wamessage.MarshalHistorySync(&wamessage.HistorySync{
				SyncType: wamessage.HistorySyncRecent,
				Conversations: []wamessage.HistoryConversation{
					{JID: "g1@g.us"},
					{JID: "g2@g.us"},
				},
			})
			return wamessage.Deflate(payload)
		}),
	)
	// Shorten the history TTL so expiry is observable.
	h.history = cache.New[string, *store.Chat](60*time.Millisecond, h.onChatReady)

	// g1 is already known.
	st.EnsureChat(wajid.NewGroup("g1"))

	info := &wamessage.Info{Key: wamessage.Key{ID: "H", ChatJID: wajid.New("bob")}}
	err := h.handleProtocolMessage(context.Background(), info, &wamessage.ProtocolMessage{
		Type:        wamessage.ProtocolHistorySyncNotification,
		HistorySync: &wamessage.HistorySyncNotification{SyncType: wamessage.HistorySyncRecent},
	}, false)
	if err != nil {
		t.Fatalf("handleProtocolMessage: %v", err)
	}

	mu.Lock()
	if len(calls) != 2 || calls[0].fromCache || calls[1].fromCache {
		mu.Unlock()
		t.Fatalf("immediate calls = %+v", calls)
	}
	mu.Unlock()

	// The hist_sync receipt went out.
	receipts := sock.sentByDescription("receipt")
	if len(receipts) != 1 || receipts[0].Attrs.String("type") != "hist_sync" {
		t.Fatalf("receipts = %+v", receipts)
	}

	// After the TTL with no re-insertion, both chats complete.
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 4 {
		t.Fatalf("calls after expiry = %+v", calls)
	}
	for _, call := range calls[2:] {
		if !call.fromCache {
			t.Fatalf("expiry call not fromCache: %+v", call)
		}
	}
}

func TestDeviceRegistryQualifyRules(t *testing.T) {
	sock := &fakeSocket{}
	gw := &gateway{t: t, peers: map[string]*peerKeys{}, devices: map[string][]uint32{}}
	sock.onQuery = gw.respond

	h, _, _ := testHandler(t, sock)

	// bob has primary plus a linked device; alice's own companion (device 3)
	// must never come back.
	gw.devices["bob"] = []uint32{0, 2}
	gw.devices["alice"] = []uint32{0, 3}

	devices, err := h.devices.Resolve(context.Background(),
		[]wajid.JID{wajid.New("alice"), wajid.New("bob")}, true)
	if err != nil {
		t.Fatal(err)
	}

	companion := wajid.NewDevice("alice", 3)
	seen := map[string]bool{}
	for _, device := range devices {
		seen[device.String()] = true
		if device == companion {
			t.Fatalf("own device leaked into resolution: %v", devices)
		}
	}
	// Verbatim inputs plus bob's linked device; device 0 entries from
	// discovery are excluded under excludeSelf.
	for _, want := range []string{"alice@s.whatsapp.net", "bob@s.whatsapp.net", "bob:2@s.whatsapp.net"} {
		if !seen[want] {
			t.Fatalf("missing %s in %v", want, devices)
		}
	}

	// Second resolve hits the cache: no further usync queries.
	before := sock.queryCount("usync")
	if _, err := h.devices.Resolve(context.Background(), []wajid.JID{wajid.New("bob")}, true); err != nil {
		t.Fatal(err)
	}
	if sock.queryCount("usync") != before {
		t.Fatal("cache miss on second resolve")
	}
}
