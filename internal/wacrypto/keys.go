// Package wacrypto contains the crypto primitives the Signal layer is built on:
// Curve25519 key agreement, Ed25519 signatures, HKDF-SHA256, HMAC-SHA256 and
// AES-256-CBC with PKCS#7 padding.
package wacrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is a Curve25519 key pair used for Diffie-Hellman agreement.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeyPair returns a fresh Curve25519 key pair with the private key
// clamped per RFC 7748.
func GenerateKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return nil, fmt.Errorf("wacrypto: generate key pair: %w", err)
	}
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("wacrypto: derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// DH computes the X25519 shared secret between a private and a public key.
func DH(priv, pub [32]byte) ([]byte, error) {
	secret, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("wacrypto: x25519: %w", err)
	}
	return secret, nil
}

// SigningKeyPair is an Ed25519 key pair used for signed pre-keys and
// sender-key message signatures.
type SigningKeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateSigningKeyPair returns a fresh Ed25519 key pair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("wacrypto: generate signing key pair: %w", err)
	}
	return &SigningKeyPair{Private: priv, Public: pub}, nil
}

// Sign signs msg with the private key.
func (kp *SigningKeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(kp.Private, msg)
}

// VerifySignature verifies sig over msg with an Ed25519 public key.
func VerifySignature(pub []byte, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("wacrypto: random: %w", err)
	}
	return b, nil
}
