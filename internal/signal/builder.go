package signal

import (
	"fmt"

	"wamd/internal/wacrypto"
	"wamd/internal/wajid"
)

// SessionBuilder establishes sessions: outgoing from a fetched pre-key
// bundle, incoming from the references carried by a PreKeySignalMessage.
type SessionBuilder struct {
	store KeyStore
	addr  wajid.SignalAddress

	// trustOnFirstUse is set by NewSessionBuilder but not read: checkIdentity
	// defers to KeyStore.IsTrustedIdentity, which accepts an identity when
	// none is pinned and rejects one that differs from the pinned identity.
	trustOnFirstUse bool
}

// NewSessionBuilder returns a builder for the given address. Identities are
// trusted on first use, matching WhatsApp client behavior.
func NewSessionBuilder(store KeyStore, addr wajid.SignalAddress) *SessionBuilder {
	return &SessionBuilder{store: store, addr: addr, trustOnFirstUse: true}
}

func (b *SessionBuilder) checkIdentity(identity [32]byte) error {
	trusted, err := b.store.IsTrustedIdentity(b.addr, identity)
	if err != nil {
		return fmt.Errorf("signal: identity check for %s: %w", b.addr, err)
	}
	if !trusted {
		return fmt.Errorf("%w: %s", ErrUntrustedIdentity, b.addr)
	}
	return nil
}

// CreateOutgoing initializes a session from a pre-key bundle and installs it
// as current for the address. The first ciphertext sent on it will be a
// pkmsg until the peer answers.
func (b *SessionBuilder) CreateOutgoing(bundle *Bundle) error {
	if err := b.checkIdentity(bundle.IdentityKey); err != nil {
		return err
	}
	if !wacrypto.VerifySignature(bundle.SigningIdentity, bundle.SignedPreKey[:], bundle.SignedPreKeySignature) {
		return fmt.Errorf("%w: signed pre-key for %s", ErrInvalidSignature, b.addr)
	}

	baseKey, err := wacrypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("signal: generate base key: %w", err)
	}
	ourIdentity := b.store.IdentityKeyPair()

	dh1, err := wacrypto.DH(ourIdentity.Private, bundle.SignedPreKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	dh2, err := wacrypto.DH(baseKey.Private, bundle.IdentityKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	dh3, err := wacrypto.DH(baseKey.Private, bundle.SignedPreKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	master := append(append(append([]byte(nil), dh1...), dh2...), dh3...)
	if bundle.HasPreKey {
		dh4, err := wacrypto.DH(baseKey.Private, bundle.PreKey)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		master = append(master, dh4...)
	}

	derived, err := wacrypto.DeriveSecrets(master, nil, []byte("WhisperText"), 64)
	if err != nil {
		return fmt.Errorf("signal: derive session keys: %w", err)
	}

	state := &SessionState{
		Version:        CurrentVersion,
		RemoteIdentity: bundle.IdentityKey,
		RemoteBaseKey:  bundle.SignedPreKey,
		RootKey:        derived[:32],
		Sender: SenderChain{
			RatchetKey: *baseKey,
			Chain:      ChainKey{Key: derived[32:], Index: 0},
		},
		Pending: &PendingPreKey{
			PreKeyID:       bundle.PreKeyID,
			HasPreKeyID:    bundle.HasPreKey,
			SignedPreKeyID: bundle.SignedPreKeyID,
			BaseKey:        baseKey.Public,
		},
	}

	session, err := b.store.LoadSession(b.addr)
	if err != nil {
		return fmt.Errorf("signal: load session for %s: %w", b.addr, err)
	}
	if session == nil {
		session = &Session{}
	}
	session.Promote(state)

	if err := b.store.SaveIdentity(b.addr, bundle.IdentityKey); err != nil {
		return fmt.Errorf("signal: save identity for %s: %w", b.addr, err)
	}
	if err := b.store.StoreSession(b.addr, session); err != nil {
		return fmt.Errorf("signal: store session for %s: %w", b.addr, err)
	}
	return nil
}

// process mirrors the outgoing derivation with roles reversed for an
// incoming PreKeySignalMessage, prepending the resulting state. It is
// idempotent per base key: a retransmitted pkmsg reuses the state built the
// first time. Returns the one-time pre-key id to consume after the embedded
// message decrypts, if any.
func (b *SessionBuilder) process(session *Session, msg *PreKeySignalMessage) (preKeyID uint32, hasPreKey bool, err error) {
	if session.FindByBaseKey(msg.BaseKey) != nil {
		return 0, false, nil
	}
	if err := b.checkIdentity(msg.IdentityKey); err != nil {
		return 0, false, err
	}

	signedPre, err := b.store.LoadSignedPreKey(msg.SignedPreKeyID)
	if err != nil {
		return 0, false, fmt.Errorf("signal: load signed pre-key %d: %w", msg.SignedPreKeyID, err)
	}
	if signedPre == nil {
		return 0, false, fmt.Errorf("%w: signed pre-key %d", ErrNoSuchPreKey, msg.SignedPreKeyID)
	}

	var oneTime *PreKey
	if msg.HasPreKeyID {
		oneTime, err = b.store.LoadPreKey(msg.PreKeyID)
		if err != nil {
			return 0, false, fmt.Errorf("signal: load pre-key %d: %w", msg.PreKeyID, err)
		}
		if oneTime == nil {
			return 0, false, fmt.Errorf("%w: pre-key %d", ErrNoSuchPreKey, msg.PreKeyID)
		}
	}

	ourIdentity := b.store.IdentityKeyPair()

	dh1, err := wacrypto.DH(signedPre.KeyPair.Private, msg.IdentityKey)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	dh2, err := wacrypto.DH(ourIdentity.Private, msg.BaseKey)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	dh3, err := wacrypto.DH(signedPre.KeyPair.Private, msg.BaseKey)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	master := append(append(append([]byte(nil), dh1...), dh2...), dh3...)
	if oneTime != nil {
		dh4, err := wacrypto.DH(oneTime.KeyPair.Private, msg.BaseKey)
		if err != nil {
			return 0, false, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		master = append(master, dh4...)
	}

	derived, err := wacrypto.DeriveSecrets(master, nil, []byte("WhisperText"), 64)
	if err != nil {
		return 0, false, fmt.Errorf("signal: derive session keys: %w", err)
	}

	state := &SessionState{
		Version:        CurrentVersion,
		RemoteIdentity: msg.IdentityKey,
		RemoteBaseKey:  msg.BaseKey,
		RootKey:        derived[:32],
		Receivers: []ReceiverChain{{
			SenderRatchetKey: msg.BaseKey,
			Chain:            ChainKey{Key: derived[32:], Index: 0},
		}},
	}
	session.Promote(state)

	if err := b.store.SaveIdentity(b.addr, msg.IdentityKey); err != nil {
		return 0, false, fmt.Errorf("signal: save identity for %s: %w", b.addr, err)
	}
	if oneTime != nil {
		return msg.PreKeyID, true, nil
	}
	return 0, false, nil
}
