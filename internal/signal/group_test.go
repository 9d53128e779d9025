package signal

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"wamd/internal/wajid"
)

var groupName = SenderKeyName{
	GroupID: "12345-67890@g.us",
	Sender:  wajid.SignalAddress{Name: "alice", DeviceID: 0},
}

// groupPair distributes Alice's sender key to Bob and returns both ciphers.
func groupPair(t *testing.T) (aliceCipher, bobCipher *GroupCipher) {
	t.Helper()
	aliceStore := newMemStore(t, 1)
	bobStore := newMemStore(t, 2)

	dist, err := NewGroupBuilder(aliceStore).CreateOutgoing(groupName)
	if err != nil {
		t.Fatalf("CreateOutgoing: %v", err)
	}

	parsed, err := ParseDistributionMessage(dist.Marshal())
	if err != nil {
		t.Fatalf("ParseDistributionMessage: %v", err)
	}
	if err := NewGroupBuilder(bobStore).CreateIncoming(groupName, parsed); err != nil {
		t.Fatalf("CreateIncoming: %v", err)
	}
	return NewGroupCipher(aliceStore, groupName), NewGroupCipher(bobStore, groupName)
}

func TestGroupRoundTripInOrder(t *testing.T) {
	alice, bob := groupPair(t)

	for i := 0; i < 5; i++ {
		msg := []byte(fmt.Sprintf("group message %d", i))
		ct, err := alice.Encrypt(msg)
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		pt, err := bob.Decrypt(ct)
		if err != nil {
			t.Fatalf("decrypt %d: %v", i, err)
		}
		if !bytes.Equal(pt, msg) {
			t.Fatalf("message %d: got %q", i, pt)
		}
	}
}

func TestGroupShuffledDelivery(t *testing.T) {
	alice, bob := groupPair(t)

	var cts [][]byte
	for i := 0; i < 3; i++ {
		ct, err := alice.Encrypt([]byte(fmt.Sprintf("p%d", i)))
		if err != nil {
			t.Fatal(err)
		}
		cts = append(cts, ct)
	}

	// Delivered in the order 2, 0, 1; each still decrypts to its plaintext.
	for _, i := range []int{2, 0, 1} {
		pt, err := bob.Decrypt(cts[i])
		if err != nil {
			t.Fatalf("decrypt %d: %v", i, err)
		}
		if want := []byte(fmt.Sprintf("p%d", i)); !bytes.Equal(pt, want) {
			t.Fatalf("message %d: got %q", i, pt)
		}
	}

	// All parked keys consumed; a replay is rejected.
	if _, err := bob.Decrypt(cts[0]); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("replay error = %v, want ErrDuplicateMessage", err)
	}
}

func TestGroupSignatureVerification(t *testing.T) {
	alice, bob := groupPair(t)

	ct, err := alice.Encrypt([]byte("signed"))
	if err != nil {
		t.Fatal(err)
	}
	corrupted := append([]byte(nil), ct...)
	corrupted[len(corrupted)-1] ^= 0xff
	if _, err := bob.Decrypt(corrupted); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("error = %v, want ErrInvalidSignature", err)
	}
	// Untouched ciphertext still decrypts.
	if _, err := bob.Decrypt(ct); err != nil {
		t.Fatalf("genuine ciphertext: %v", err)
	}
}

func TestGroupIterationTooFarAhead(t *testing.T) {
	alice, bob := groupPair(t)

	first, err := alice.Encrypt([]byte("start"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bob.Decrypt(first); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < MaxJump+2; i++ {
		if _, err := alice.Encrypt([]byte("skip")); err != nil {
			t.Fatal(err)
		}
	}
	far, err := alice.Encrypt([]byte("far"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bob.Decrypt(far); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("error = %v, want ErrOutOfBounds", err)
	}
}

func TestGroupEncryptWithoutState(t *testing.T) {
	store := newMemStore(t, 1)
	if _, err := NewGroupCipher(store, groupName).Encrypt([]byte("x")); !errors.Is(err, ErrNoSenderKey) {
		t.Fatalf("error = %v, want ErrNoSenderKey", err)
	}
}

func TestGroupReceiverCannotEncrypt(t *testing.T) {
	_, bob := groupPair(t)
	if _, err := bob.Encrypt([]byte("not mine")); !errors.Is(err, ErrNoSenderKey) {
		t.Fatalf("error = %v, want ErrNoSenderKey", err)
	}
}

func TestDistributionReflectsCurrentIteration(t *testing.T) {
	aliceStore := newMemStore(t, 1)
	builder := NewGroupBuilder(aliceStore)

	if _, err := builder.CreateOutgoing(groupName); err != nil {
		t.Fatal(err)
	}
	cipher := NewGroupCipher(aliceStore, groupName)
	for i := 0; i < 4; i++ {
		if _, err := cipher.Encrypt([]byte("advance")); err != nil {
			t.Fatal(err)
		}
	}

	dist, err := builder.CreateOutgoing(groupName)
	if err != nil {
		t.Fatal(err)
	}
	if dist.Iteration != 4 {
		t.Fatalf("iteration = %d, want 4", dist.Iteration)
	}

	// A member joining now can decrypt from iteration 4 onward.
	lateStore := newMemStore(t, 3)
	if err := NewGroupBuilder(lateStore).CreateIncoming(groupName, dist); err != nil {
		t.Fatal(err)
	}
	ct, err := cipher.Encrypt([]byte("for the late joiner"))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := NewGroupCipher(lateStore, groupName).Decrypt(ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, []byte("for the late joiner")) {
		t.Fatalf("got %q", pt)
	}
}

func TestWireFormats(t *testing.T) {
	// SignalMessage frame fields survive a parse.
	msg := &SignalMessage{Counter: 7, PreviousCounter: 3, Ciphertext: []byte{1, 2, 3}}
	msg.RatchetKey[0] = 0x05
	msg.Seal(bytes.Repeat([]byte{0xaa}, macLength))
	parsed, err := ParseSignalMessage(msg.Serialized)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Counter != 7 || parsed.PreviousCounter != 3 || !bytes.Equal(parsed.Ciphertext, []byte{1, 2, 3}) {
		t.Fatalf("parsed = %+v", parsed)
	}
	if !bytes.Equal(parsed.Mac(), msg.Mac()) {
		t.Fatal("mac mismatch")
	}

	// Version byte is enforced.
	bad := append([]byte(nil), msg.Serialized...)
	bad[0] = 0x22
	if _, err := ParseSignalMessage(bad); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("version error = %v", err)
	}

	// PreKeySignalMessage fields survive a round trip; with no one-time
	// pre-key set, none is reported after parsing.
	pk := &PreKeySignalMessage{RegistrationID: 9, SignedPreKeyID: 11, Message: msg}
	parsedPk, err := ParsePreKeySignalMessage(pk.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if parsedPk.RegistrationID != 9 || parsedPk.SignedPreKeyID != 11 || parsedPk.HasPreKeyID {
		t.Fatalf("parsed = %+v", parsedPk)
	}
}
