package signal

import (
	"fmt"

	"wamd/internal/wacrypto"
)

const (
	messageKeySeed = 0x01
	chainAdvance   = 0x02

	// MaxJump is how far ahead of the expected index a counter may be before
	// the message is rejected instead of fast-forwarded.
	MaxJump = 2000

	// maxSkippedTotal bounds skipped message keys across all receiver chains
	// of one session state.
	maxSkippedTotal = 5000
)

// ChainKey is one link of a symmetric ratchet: the current key material and
// the index of the next message key it will produce.
type ChainKey struct {
	Key   []byte `json:"key"`
	Index uint32 `json:"index"`
}

// MessageKeySeed derives the message-key seed at the current index.
func (ck ChainKey) MessageKeySeed() []byte {
	return wacrypto.HMACSHA256(ck.Key, []byte{messageKeySeed})
}

// Next advances the chain by one step.
func (ck ChainKey) Next() ChainKey {
	return ChainKey{
		Key:   wacrypto.HMACSHA256(ck.Key, []byte{chainAdvance}),
		Index: ck.Index + 1,
	}
}

// MessageKeys is the expanded key material for a single message.
type MessageKeys struct {
	CipherKey []byte `json:"cipherKey"`
	MacKey    []byte `json:"macKey"`
	IV        []byte `json:"iv"`
	Index     uint32 `json:"index"`
}

// DeriveMessageKeys expands a message-key seed into cipher key, MAC key and IV.
func DeriveMessageKeys(seed []byte, index uint32) (MessageKeys, error) {
	material, err := wacrypto.DeriveSecrets(seed, nil, []byte("WhisperMessageKeys"), 80)
	if err != nil {
		return MessageKeys{}, fmt.Errorf("derive message keys: %w", err)
	}
	return MessageKeys{
		CipherKey: material[:32],
		MacKey:    material[32:64],
		IV:        material[64:80],
		Index:     index,
	}, nil
}

// rootRatchet mixes a DH output into the root key, producing the next root
// key and a fresh chain key.
func rootRatchet(rootKey, dhOutput []byte) (newRoot, chainKey []byte, err error) {
	material, err := wacrypto.DeriveSecrets(dhOutput, rootKey, []byte("WhisperRatchet"), 64)
	if err != nil {
		return nil, nil, fmt.Errorf("root ratchet: %w", err)
	}
	return material[:32], material[32:], nil
}
