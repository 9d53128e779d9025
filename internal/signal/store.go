package signal

import (
	"wamd/internal/wacrypto"
	"wamd/internal/wajid"
)

// PreKey is a one-time Curve25519 key pair held for incoming session setup.
type PreKey struct {
	ID      uint32           `json:"id"`
	KeyPair wacrypto.KeyPair `json:"keyPair"`
}

// SignedPreKey is the medium-lived pre-key signed by the identity signing key.
type SignedPreKey struct {
	PreKey
	Signature []byte `json:"signature"`
}

// Bundle is a remote device's pre-key bundle as fetched from the server.
type Bundle struct {
	RegistrationID        uint32
	IdentityKey           [32]byte // Curve25519, for DH
	SigningIdentity       []byte   // Ed25519, verifies the signed pre-key
	SignedPreKeyID        uint32
	SignedPreKey          [32]byte
	SignedPreKeySignature []byte
	HasPreKey             bool
	PreKeyID              uint32
	PreKey                [32]byte
}

// SenderKeyName identifies per-(group, sender) state.
type SenderKeyName struct {
	GroupID string
	Sender  wajid.SignalAddress
}

// String renders the name as groupID::sender, the form used for store keys.
func (n SenderKeyName) String() string {
	return n.GroupID + "::" + n.Sender.String()
}

// KeyStore is what the builders and ciphers need from the persistent key
// layer. All mutation happens under the message handler's lock.
type KeyStore interface {
	IdentityKeyPair() *wacrypto.KeyPair
	SigningKeyPair() *wacrypto.SigningKeyPair
	RegistrationID() uint32

	LoadSession(addr wajid.SignalAddress) (*Session, error)
	StoreSession(addr wajid.SignalAddress, session *Session) error
	HasSession(addr wajid.SignalAddress) (bool, error)

	LoadSignedPreKey(id uint32) (*SignedPreKey, error)
	LoadPreKey(id uint32) (*PreKey, error)
	RemovePreKey(id uint32) error

	IsTrustedIdentity(addr wajid.SignalAddress, identity [32]byte) (bool, error)
	SaveIdentity(addr wajid.SignalAddress, identity [32]byte) error

	LoadSenderKey(name SenderKeyName) (*SenderKeyState, error)
	StoreSenderKey(name SenderKeyName, state *SenderKeyState) error
}
