package store

import (
	"path/filepath"
	"testing"

	"wamd/internal/signal"
	"wamd/internal/wacrypto"
	"wamd/internal/wajid"
	"wamd/internal/wamessage"
)

func openTestKeys(t *testing.T) *Keys {
	t.Helper()
	k, err := OpenKeys(filepath.Join(t.TempDir(), "keys.db"), nil)
	if err != nil {
		t.Fatalf("OpenKeys: %v", err)
	}
	t.Cleanup(func() { k.Close() })
	return k
}

func TestIdentityPersistsAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "keys.db")

	k1, err := OpenKeys(dbPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	pub := k1.IdentityKeyPair().Public
	reg := k1.RegistrationID()
	k1.Close()

	k2, err := OpenKeys(dbPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer k2.Close()
	if k2.IdentityKeyPair().Public != pub {
		t.Fatal("identity changed across opens")
	}
	if k2.RegistrationID() != reg {
		t.Fatal("registration id changed across opens")
	}
}

func TestSessionStoreRoundTrip(t *testing.T) {
	k := openTestKeys(t)
	addr := wajid.SignalAddress{Name: "bob", DeviceID: 2}

	s, err := k.LoadSession(addr)
	if err != nil {
		t.Fatal(err)
	}
	if s != nil {
		t.Fatal("expected nil session on empty store")
	}
	if has, _ := k.HasSession(addr); has {
		t.Fatal("HasSession on empty store")
	}

	session := &signal.Session{}
	session.Promote(&signal.SessionState{Version: signal.CurrentVersion, RootKey: []byte{1, 2, 3}})
	if err := k.StoreSession(addr, session); err != nil {
		t.Fatal(err)
	}

	loaded, err := k.LoadSession(addr)
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil || len(loaded.States) != 1 || loaded.States[0].Version != signal.CurrentVersion {
		t.Fatalf("loaded = %+v", loaded)
	}
	if has, _ := k.HasSession(addr); !has {
		t.Fatal("HasSession should hold after store")
	}
}

func TestPreKeyLifecycle(t *testing.T) {
	k := openTestKeys(t)

	generated, err := k.GeneratePreKeys(100, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(generated) != 3 {
		t.Fatalf("generated %d", len(generated))
	}

	pk, err := k.LoadPreKey(101)
	if err != nil {
		t.Fatal(err)
	}
	if pk == nil || pk.ID != 101 {
		t.Fatalf("pre-key = %+v", pk)
	}

	if err := k.RemovePreKey(101); err != nil {
		t.Fatal(err)
	}
	pk, err = k.LoadPreKey(101)
	if err != nil {
		t.Fatal(err)
	}
	if pk != nil {
		t.Fatal("pre-key should be gone")
	}
}

func TestSignedPreKeySignatureVerifies(t *testing.T) {
	k := openTestKeys(t)
	spk, err := k.GenerateSignedPreKey(1)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := k.LoadSignedPreKey(1)
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil || loaded.ID != spk.ID {
		t.Fatalf("loaded = %+v", loaded)
	}
	if !wacrypto.VerifySignature(k.SigningKeyPair().Public, loaded.KeyPair.Public[:], loaded.Signature) {
		t.Fatal("loaded signed pre-key signature does not verify")
	}
}

func TestIdentityPinning(t *testing.T) {
	k := openTestKeys(t)
	addr := wajid.SignalAddress{Name: "mallory", DeviceID: 0}

	var first, second [32]byte
	first[0], second[0] = 1, 2

	trusted, err := k.IsTrustedIdentity(addr, first)
	if err != nil || !trusted {
		t.Fatalf("unknown identity should be trusted: %v %v", trusted, err)
	}
	if err := k.SaveIdentity(addr, first); err != nil {
		t.Fatal(err)
	}
	if trusted, _ := k.IsTrustedIdentity(addr, first); !trusted {
		t.Fatal("pinned identity should be trusted")
	}
	if trusted, _ := k.IsTrustedIdentity(addr, second); trusted {
		t.Fatal("changed identity should not be trusted")
	}
}

func TestSenderKeyStore(t *testing.T) {
	k := openTestKeys(t)
	name := signal.SenderKeyName{
		GroupID: "g@g.us",
		Sender:  wajid.SignalAddress{Name: "alice", DeviceID: 0},
	}

	st, err := k.LoadSenderKey(name)
	if err != nil {
		t.Fatal(err)
	}
	if st != nil {
		t.Fatal("expected nil on empty store")
	}

	state := &signal.SenderKeyState{
		KeyID: 42,
		Chain: signal.SenderChainKey{Iteration: 7, Seed: []byte{9, 9}},
	}
	if err := k.StoreSenderKey(name, state); err != nil {
		t.Fatal(err)
	}
	loaded, err := k.LoadSenderKey(name)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.KeyID != 42 || loaded.Chain.Iteration != 7 {
		t.Fatalf("loaded = %+v", loaded)
	}
}

func TestChatStorePersistence(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "store.db")

	s, err := Open(dbPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	chat := s.EnsureChat(wajid.NewGroup("123-456"))
	chat.Name = "Test Group"
	chat.ParticipantsPreKeys["carol:0@s.whatsapp.net"] = true
	chat.Unread = 2
	if err := s.Serialize(); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := Open(dbPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	loaded, ok := s2.FindChatByJID(wajid.NewGroup("123-456"))
	if !ok {
		t.Fatal("chat not reloaded")
	}
	if loaded.Name != "Test Group" || loaded.Unread != 2 {
		t.Fatalf("loaded = %+v", loaded)
	}
	if !loaded.ParticipantsPreKeys["carol:0@s.whatsapp.net"] {
		t.Fatal("participantsPreKeys not persisted")
	}
}

func TestChatMessageOperations(t *testing.T) {
	chat := &Chat{JID: wajid.New("alice")}
	info := &wamessage.Info{
		Key:     wamessage.Key{ID: "M1", ChatJID: chat.JID},
		Message: wamessage.OfText("one"),
	}
	chat.AddMessage(info)
	chat.AddMessage(&wamessage.Info{Key: wamessage.Key{ID: "M2"}})

	if _, ok := chat.FindMessageByID("M1"); !ok {
		t.Fatal("M1 not found")
	}
	if !chat.RemoveMessage("M1") {
		t.Fatal("M1 not removed")
	}
	if chat.RemoveMessage("M1") {
		t.Fatal("double remove should report false")
	}
	if len(chat.Messages) != 1 || chat.Messages[0].Key.ID != "M2" {
		t.Fatalf("messages = %+v", chat.Messages)
	}
}

func TestNextTagUnique(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "store.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.NextTag() == s.NextTag() {
		t.Fatal("tags should be unique")
	}
}
