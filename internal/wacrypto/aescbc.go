package wacrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// EncryptCBC encrypts plaintext with AES-256-CBC using PKCS#7 padding and an
// explicit IV. The Signal message-key schedule derives the IV alongside the
// cipher key, so unlike transport encryption the IV is not generated here.
func EncryptCBC(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aescbc: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("aescbc: invalid IV length %d", len(iv))
	}

	padded := PKCS7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return ct, nil
}

// DecryptCBC decrypts AES-256-CBC ciphertext with the given IV, removing
// PKCS#7 padding.
func DecryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aescbc: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("aescbc: ciphertext length %d not a multiple of block size", len(ciphertext))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("aescbc: invalid IV length %d", len(iv))
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return PKCS7Unpad(plaintext, aes.BlockSize)
}
