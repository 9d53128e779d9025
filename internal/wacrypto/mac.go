package wacrypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
)

// HMACSHA256 returns HMAC-SHA256(key, data...).
func HMACSHA256(key []byte, data ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	for _, d := range data {
		mac.Write(d)
	}
	return mac.Sum(nil)
}

// VerifyMAC checks that expected matches HMAC-SHA256(key, data) in constant
// time. Truncated MACs are compared against the same-length prefix.
func VerifyMAC(key, data, expected []byte) error {
	computed := HMACSHA256(key, data)
	if len(expected) == 0 || len(expected) > len(computed) {
		return fmt.Errorf("wacrypto: bad MAC length %d", len(expected))
	}
	if !hmac.Equal(computed[:len(expected)], expected) {
		return fmt.Errorf("wacrypto: MAC verification failed")
	}
	return nil
}
