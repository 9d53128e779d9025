package signal

import (
	"errors"
	"fmt"

	"wamd/internal/wacrypto"
	"wamd/internal/wajid"
)

// Ciphertext message types as they appear in the stanza's enc type attribute.
const (
	TypeMessage       = "msg"
	TypePreKeyMessage = "pkmsg"
	TypeSenderKey     = "skmsg"
)

// Ciphertext is an encrypted payload tagged with its wire type.
type Ciphertext struct {
	Type string
	Data []byte
}

// SessionCipher encrypts and decrypts 1:1 messages for one address.
type SessionCipher struct {
	store KeyStore
	addr  wajid.SignalAddress
}

// NewSessionCipher returns a cipher bound to the given address.
func NewSessionCipher(store KeyStore, addr wajid.SignalAddress) *SessionCipher {
	return &SessionCipher{store: store, addr: addr}
}

// Encrypt encrypts one plaintext under the current session state. The result
// is a pkmsg while the session still carries a pending pre-key, a msg after.
func (c *SessionCipher) Encrypt(plaintext []byte) (*Ciphertext, error) {
	session, err := c.store.LoadSession(c.addr)
	if err != nil {
		return nil, fmt.Errorf("signal: load session for %s: %w", c.addr, err)
	}
	if session == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, c.addr)
	}
	state := session.Current()
	if state == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, c.addr)
	}

	if !state.hasSenderChain() {
		if err := c.initializeSenderChain(state); err != nil {
			return nil, err
		}
	}

	keys, err := DeriveMessageKeys(state.Sender.Chain.MessageKeySeed(), state.Sender.Chain.Index)
	if err != nil {
		return nil, err
	}
	ciphertext, err := wacrypto.EncryptCBC(keys.CipherKey, keys.IV, plaintext)
	if err != nil {
		return nil, fmt.Errorf("signal: encrypt: %w", err)
	}

	msg := &SignalMessage{
		RatchetKey:      state.Sender.RatchetKey.Public,
		Counter:         keys.Index,
		PreviousCounter: state.PreviousCounter,
		Ciphertext:      ciphertext,
	}
	ourIdentity := c.store.IdentityKeyPair()
	frame := append([]byte{versionByte}, msg.body()...)
	mac := wacrypto.HMACSHA256(keys.MacKey, ourIdentity.Public[:], state.RemoteIdentity[:], frame)
	serialized := msg.Seal(mac[:macLength])

	state.Sender.Chain = state.Sender.Chain.Next()

	out := &Ciphertext{Type: TypeMessage, Data: serialized}
	if state.Pending != nil {
		wrapped := &PreKeySignalMessage{
			RegistrationID: c.store.RegistrationID(),
			PreKeyID:       state.Pending.PreKeyID,
			HasPreKeyID:    state.Pending.HasPreKeyID,
			SignedPreKeyID: state.Pending.SignedPreKeyID,
			BaseKey:        state.Pending.BaseKey,
			IdentityKey:    ourIdentity.Public,
			Message:        msg,
		}
		out = &Ciphertext{Type: TypePreKeyMessage, Data: wrapped.Marshal()}
	}

	if err := c.store.StoreSession(c.addr, session); err != nil {
		return nil, fmt.Errorf("signal: store session for %s: %w", c.addr, err)
	}
	return out, nil
}

// initializeSenderChain performs our half of the DH ratchet for a session
// that has only received so far.
func (c *SessionCipher) initializeSenderChain(state *SessionState) error {
	ratchetKey, err := wacrypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("signal: generate ratchet key: %w", err)
	}
	dh, err := wacrypto.DH(ratchetKey.Private, state.currentRemoteRatchet())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	root, chain, err := rootRatchet(state.RootKey, dh)
	if err != nil {
		return err
	}
	state.RootKey = root
	state.Sender = SenderChain{
		RatchetKey: *ratchetKey,
		Chain:      ChainKey{Key: chain, Index: 0},
	}
	return nil
}

// Decrypt decrypts a SignalMessage, searching session states most recent
// first. The matched state is mutated and persisted only after the MAC
// verifies.
func (c *SessionCipher) Decrypt(msg *SignalMessage) ([]byte, error) {
	session, err := c.store.LoadSession(c.addr)
	if err != nil {
		return nil, fmt.Errorf("signal: load session for %s: %w", c.addr, err)
	}
	if session == nil || len(session.States) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, c.addr)
	}

	plaintext, err := c.decryptWithSession(session, msg)
	if err != nil {
		return nil, err
	}
	if err := c.store.StoreSession(c.addr, session); err != nil {
		return nil, fmt.Errorf("signal: store session for %s: %w", c.addr, err)
	}
	return plaintext, nil
}

// decryptWithSession tries each state in order; the first whose ratchet and
// MAC both accept the message is committed in place.
func (c *SessionCipher) decryptWithSession(session *Session, msg *SignalMessage) ([]byte, error) {
	var firstErr error
	for i, state := range session.States {
		candidate := state.clone()
		plaintext, err := c.decryptWithState(candidate, msg)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		// The peer has our pre-key message; stop resending the bundle refs.
		candidate.Pending = nil
		session.States[i] = candidate
		return plaintext, nil
	}
	return nil, firstErr
}

// decryptWithState runs the ratchet schedule on a cloned state and verifies
// the MAC before the caller commits anything.
func (c *SessionCipher) decryptWithState(state *SessionState, msg *SignalMessage) ([]byte, error) {
	chain := state.receiverChain(msg.RatchetKey)
	if chain == nil {
		// New remote ratchet key: take a DH receive step, then set up our
		// next sending chain so our following message ratchets forward too.
		if !state.hasSenderChain() {
			return nil, fmt.Errorf("%w: no chain for ratchet key", ErrNoSession)
		}
		dh, err := wacrypto.DH(state.Sender.RatchetKey.Private, msg.RatchetKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		root, recvChain, err := rootRatchet(state.RootKey, dh)
		if err != nil {
			return nil, err
		}

		nextRatchet, err := wacrypto.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("signal: generate ratchet key: %w", err)
		}
		dh2, err := wacrypto.DH(nextRatchet.Private, msg.RatchetKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		root2, sendChain, err := rootRatchet(root, dh2)
		if err != nil {
			return nil, err
		}

		state.Receivers = append(state.Receivers, ReceiverChain{
			SenderRatchetKey: msg.RatchetKey,
			Chain:            ChainKey{Key: recvChain, Index: 0},
		})
		chain = &state.Receivers[len(state.Receivers)-1]
		state.RootKey = root2
		state.PreviousCounter = state.Sender.Chain.Index
		state.Sender = SenderChain{
			RatchetKey: *nextRatchet,
			Chain:      ChainKey{Key: sendChain, Index: 0},
		}
	}

	keys, err := c.messageKeys(state, chain, msg.Counter)
	if err != nil {
		return nil, err
	}

	ourIdentity := c.store.IdentityKeyPair()
	mac := wacrypto.HMACSHA256(keys.MacKey, state.RemoteIdentity[:], ourIdentity.Public[:], msg.MacPortion())
	if !macEqual(mac[:macLength], msg.Mac()) {
		return nil, fmt.Errorf("%w: %s", ErrBadMac, c.addr)
	}

	plaintext, err := wacrypto.DecryptCBC(keys.CipherKey, keys.IV, msg.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMac, err)
	}

	// Only consume state after both MAC and padding checks pass.
	if keys.Index < chain.Chain.Index {
		delete(chain.Skipped, keys.Index)
	}
	return plaintext, nil
}

// messageKeys returns the keys for the requested counter, fast-forwarding
// the chain and parking skipped keys as needed.
func (c *SessionCipher) messageKeys(state *SessionState, chain *ReceiverChain, counter uint32) (MessageKeys, error) {
	if counter < chain.Chain.Index {
		keys, ok := chain.Skipped[counter]
		if !ok {
			return MessageKeys{}, fmt.Errorf("%w: counter %d below %d", ErrDuplicateMessage, counter, chain.Chain.Index)
		}
		return keys, nil
	}

	if counter-chain.Chain.Index > MaxJump {
		return MessageKeys{}, fmt.Errorf("%w: counter %d, expected %d", ErrOutOfBounds, counter, chain.Chain.Index)
	}

	for chain.Chain.Index < counter {
		if state.skippedTotal() >= maxSkippedTotal {
			return MessageKeys{}, fmt.Errorf("%w: too many skipped message keys", ErrOutOfBounds)
		}
		skipped, err := DeriveMessageKeys(chain.Chain.MessageKeySeed(), chain.Chain.Index)
		if err != nil {
			return MessageKeys{}, err
		}
		if chain.Skipped == nil {
			chain.Skipped = make(map[uint32]MessageKeys)
		}
		chain.Skipped[skipped.Index] = skipped
		chain.Chain = chain.Chain.Next()
	}

	keys, err := DeriveMessageKeys(chain.Chain.MessageKeySeed(), chain.Chain.Index)
	if err != nil {
		return MessageKeys{}, err
	}
	chain.Chain = chain.Chain.Next()
	return keys, nil
}

// DecryptPreKey processes a PreKeySignalMessage: builds the receiving state
// if this base key is new, then decrypts the embedded SignalMessage. The
// referenced one-time pre-key is consumed only after a successful decrypt.
func (c *SessionCipher) DecryptPreKey(msg *PreKeySignalMessage) ([]byte, error) {
	session, err := c.store.LoadSession(c.addr)
	if err != nil {
		return nil, fmt.Errorf("signal: load session for %s: %w", c.addr, err)
	}
	if session == nil {
		session = &Session{}
	}

	builder := NewSessionBuilder(c.store, c.addr)
	preKeyID, hasPreKey, err := builder.process(session, msg)
	if err != nil {
		return nil, err
	}

	plaintext, err := c.decryptWithSession(session, msg.Message)
	if err != nil {
		return nil, err
	}
	if err := c.store.StoreSession(c.addr, session); err != nil {
		return nil, fmt.Errorf("signal: store session for %s: %w", c.addr, err)
	}
	if hasPreKey {
		if err := c.store.RemovePreKey(preKeyID); err != nil {
			return nil, fmt.Errorf("signal: remove pre-key %d: %w", preKeyID, err)
		}
	}
	return plaintext, nil
}

// macEqual compares truncated MACs in constant time.
func macEqual(a, b []byte) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// IsNoSession reports whether err means no usable session exists, which on
// the encode path triggers a pre-key bundle fetch.
func IsNoSession(err error) bool {
	return errors.Is(err, ErrNoSession)
}
