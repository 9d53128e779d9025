package signal

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"wamd/internal/wacrypto"
)

// MaxSenderMessageKeys bounds how many out-of-order group message keys are
// kept per sender state.
const MaxSenderMessageKeys = 2000

// SenderChainKey is the symmetric ratchet for a group sender.
type SenderChainKey struct {
	Iteration uint32 `json:"iteration"`
	Seed      []byte `json:"seed"`
}

// MessageKeySeed derives the message-key seed at the current iteration.
func (ck SenderChainKey) MessageKeySeed() []byte {
	return wacrypto.HMACSHA256(ck.Seed, []byte{messageKeySeed})
}

// Next advances the chain one iteration.
func (ck SenderChainKey) Next() SenderChainKey {
	return SenderChainKey{
		Iteration: ck.Iteration + 1,
		Seed:      wacrypto.HMACSHA256(ck.Seed, []byte{chainAdvance}),
	}
}

// SenderMessageKey is the expanded key material for one group message.
type SenderMessageKey struct {
	Iteration uint32 `json:"iteration"`
	IV        []byte `json:"iv"`
	CipherKey []byte `json:"cipherKey"`
}

// deriveSenderMessageKey expands a seed into IV and cipher key.
func deriveSenderMessageKey(seed []byte, iteration uint32) (SenderMessageKey, error) {
	material, err := wacrypto.DeriveSecrets(seed, nil, []byte("WhisperGroup"), 48)
	if err != nil {
		return SenderMessageKey{}, fmt.Errorf("derive sender message key: %w", err)
	}
	return SenderMessageKey{
		Iteration: iteration,
		IV:        material[:16],
		CipherKey: material[16:48],
	}, nil
}

// SenderKeyState is the per-(group, sender) chain. Receivers hold only the
// signing public key; the private half exists for our own sender states.
type SenderKeyState struct {
	KeyID       uint32             `json:"keyId"`
	Chain       SenderChainKey     `json:"chain"`
	SigningPub  []byte             `json:"signingPub"`
	SigningPriv []byte             `json:"signingPriv,omitempty"`
	PastKeys    []SenderMessageKey `json:"pastKeys,omitempty"`
}

// clone deep-copies the state so signature and bounds checks run before
// anything is committed.
func (s *SenderKeyState) clone() *SenderKeyState {
	c := *s
	c.Chain.Seed = append([]byte(nil), s.Chain.Seed...)
	c.PastKeys = append([]SenderMessageKey(nil), s.PastKeys...)
	return &c
}

// addPastKey parks a message key for out-of-order reception, evicting the
// oldest beyond MaxSenderMessageKeys.
func (s *SenderKeyState) addPastKey(key SenderMessageKey) {
	s.PastKeys = append(s.PastKeys, key)
	if len(s.PastKeys) > MaxSenderMessageKeys {
		s.PastKeys = s.PastKeys[len(s.PastKeys)-MaxSenderMessageKeys:]
	}
}

// takePastKey removes and returns the parked key for an iteration.
func (s *SenderKeyState) takePastKey(iteration uint32) (SenderMessageKey, bool) {
	for i, key := range s.PastKeys {
		if key.Iteration == iteration {
			s.PastKeys = append(s.PastKeys[:i], s.PastKeys[i+1:]...)
			return key, true
		}
	}
	return SenderMessageKey{}, false
}

// GroupBuilder creates and consumes sender-key distribution messages.
type GroupBuilder struct {
	store KeyStore
}

// NewGroupBuilder returns a builder over the given key store.
func NewGroupBuilder(store KeyStore) *GroupBuilder {
	return &GroupBuilder{store: store}
}

// CreateOutgoing returns the distribution message for our own sender key in
// the group, generating the state on first use. The message always reflects
// the current chain position so late joiners start where we are.
func (b *GroupBuilder) CreateOutgoing(name SenderKeyName) (*DistributionMessage, error) {
	state, err := b.store.LoadSenderKey(name)
	if err != nil {
		return nil, fmt.Errorf("signal: load sender key %s: %w", name, err)
	}
	if state == nil {
		keyID, err := randomKeyID()
		if err != nil {
			return nil, err
		}
		seed, err := wacrypto.RandomBytes(32)
		if err != nil {
			return nil, err
		}
		signing, err := wacrypto.GenerateSigningKeyPair()
		if err != nil {
			return nil, err
		}
		state = &SenderKeyState{
			KeyID:       keyID,
			Chain:       SenderChainKey{Iteration: 0, Seed: seed},
			SigningPub:  signing.Public,
			SigningPriv: signing.Private,
		}
		if err := b.store.StoreSenderKey(name, state); err != nil {
			return nil, fmt.Errorf("signal: store sender key %s: %w", name, err)
		}
	}
	return &DistributionMessage{
		KeyID:      state.KeyID,
		Iteration:  state.Chain.Iteration,
		ChainKey:   state.Chain.Seed,
		SigningKey: state.SigningPub,
	}, nil
}

// CreateIncoming installs a remote sender's distribution message. The
// signing key is trusted on first use; every message is verified against it.
func (b *GroupBuilder) CreateIncoming(name SenderKeyName, msg *DistributionMessage) error {
	state := &SenderKeyState{
		KeyID:      msg.KeyID,
		Chain:      SenderChainKey{Iteration: msg.Iteration, Seed: msg.ChainKey},
		SigningPub: msg.SigningKey,
	}
	if err := b.store.StoreSenderKey(name, state); err != nil {
		return fmt.Errorf("signal: store sender key %s: %w", name, err)
	}
	return nil
}

// randomKeyID draws a key id uniformly from [0, 2^31).
func randomKeyID() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return 0, fmt.Errorf("signal: key id: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]) & 0x7fffffff, nil
}

// GroupCipher encrypts and decrypts group payloads for one sender key name.
type GroupCipher struct {
	store KeyStore
	name  SenderKeyName
}

// NewGroupCipher returns a cipher bound to the given sender key name.
func NewGroupCipher(store KeyStore, name SenderKeyName) *GroupCipher {
	return &GroupCipher{store: store, name: name}
}

// Encrypt encrypts one plaintext under our sender key, advancing the chain.
func (c *GroupCipher) Encrypt(plaintext []byte) ([]byte, error) {
	state, err := c.store.LoadSenderKey(c.name)
	if err != nil {
		return nil, fmt.Errorf("signal: load sender key %s: %w", c.name, err)
	}
	if state == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSenderKey, c.name)
	}
	if len(state.SigningPriv) == 0 {
		return nil, fmt.Errorf("%w: %s is not our sender key", ErrNoSenderKey, c.name)
	}

	keys, err := deriveSenderMessageKey(state.Chain.MessageKeySeed(), state.Chain.Iteration)
	if err != nil {
		return nil, err
	}
	ciphertext, err := wacrypto.EncryptCBC(keys.CipherKey, keys.IV, plaintext)
	if err != nil {
		return nil, fmt.Errorf("signal: group encrypt: %w", err)
	}

	msg := &SenderKeyMessage{
		KeyID:      state.KeyID,
		Iteration:  keys.Iteration,
		Ciphertext: ciphertext,
	}
	priv := ed25519.PrivateKey(state.SigningPriv)
	serialized := msg.Seal(func(frame []byte) []byte {
		return ed25519.Sign(priv, frame)
	})

	state.Chain = state.Chain.Next()
	if err := c.store.StoreSenderKey(c.name, state); err != nil {
		return nil, fmt.Errorf("signal: store sender key %s: %w", c.name, err)
	}
	return serialized, nil
}

// Decrypt verifies and decrypts a sender key message, fast-forwarding the
// chain and serving older iterations from the parked key ring.
func (c *GroupCipher) Decrypt(data []byte) ([]byte, error) {
	msg, err := ParseSenderKeyMessage(data)
	if err != nil {
		return nil, err
	}

	stored, err := c.store.LoadSenderKey(c.name)
	if err != nil {
		return nil, fmt.Errorf("signal: load sender key %s: %w", c.name, err)
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSenderKey, c.name)
	}
	if stored.KeyID != msg.KeyID {
		return nil, fmt.Errorf("%w: key id %d, have %d", ErrNoSenderKey, msg.KeyID, stored.KeyID)
	}
	if !wacrypto.VerifySignature(stored.SigningPub, msg.SignedPortion(), msg.Signature()) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSignature, c.name)
	}

	state := stored.clone()
	keys, err := c.senderMessageKey(state, msg.Iteration)
	if err != nil {
		return nil, err
	}
	plaintext, err := wacrypto.DecryptCBC(keys.CipherKey, keys.IV, msg.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMac, err)
	}

	if err := c.store.StoreSenderKey(c.name, state); err != nil {
		return nil, fmt.Errorf("signal: store sender key %s: %w", c.name, err)
	}
	return plaintext, nil
}

// senderMessageKey returns the key for the requested iteration, storing
// intermediate keys when the chain jumps forward.
func (c *GroupCipher) senderMessageKey(state *SenderKeyState, iteration uint32) (SenderMessageKey, error) {
	if iteration < state.Chain.Iteration {
		key, ok := state.takePastKey(iteration)
		if !ok {
			return SenderMessageKey{}, fmt.Errorf("%w: iteration %d below %d", ErrDuplicateMessage, iteration, state.Chain.Iteration)
		}
		return key, nil
	}

	if iteration-state.Chain.Iteration > MaxJump {
		return SenderMessageKey{}, fmt.Errorf("%w: iteration %d, expected %d", ErrOutOfBounds, iteration, state.Chain.Iteration)
	}

	for state.Chain.Iteration < iteration {
		skipped, err := deriveSenderMessageKey(state.Chain.MessageKeySeed(), state.Chain.Iteration)
		if err != nil {
			return SenderMessageKey{}, err
		}
		state.addPastKey(skipped)
		state.Chain = state.Chain.Next()
	}

	keys, err := deriveSenderMessageKey(state.Chain.MessageKeySeed(), state.Chain.Iteration)
	if err != nil {
		return SenderMessageKey{}, err
	}
	state.Chain = state.Chain.Next()
	return keys, nil
}
