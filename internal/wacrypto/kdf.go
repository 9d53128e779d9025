package wacrypto

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/hkdf"
)

// DeriveSecrets expands input key material into outLen bytes with HKDF-SHA256.
// A nil salt means 32 zero bytes, which is what the Signal key derivation
// schedule uses for session setup.
func DeriveSecrets(inputKeyMaterial, salt, info []byte, outLen int) ([]byte, error) {
	if salt == nil {
		salt = make([]byte, sha256.Size)
	}
	r := hkdf.New(sha256.New, inputKeyMaterial, salt, info)
	out := make([]byte, outLen)
	if _, err := r.Read(out); err != nil {
		return nil, fmt.Errorf("wacrypto: hkdf: %w", err)
	}
	return out, nil
}
