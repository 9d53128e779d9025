package wamessage

import (
	"crypto/rand"
	"fmt"
	"io"
)

// MarshalPadded serializes a container and appends the transport padding:
// 1-16 bytes, each equal to the pad length, so the receiver can strip it by
// reading the final byte.
func MarshalPadded(c *Container) ([]byte, error) {
	body, err := Marshal(c)
	if err != nil {
		return nil, err
	}
	var r [1]byte
	if _, err := io.ReadFull(rand.Reader, r[:]); err != nil {
		return nil, fmt.Errorf("wamessage: padding: %w", err)
	}
	pad := int(r[0]&0x0f) + 1
	padded := make([]byte, len(body)+pad)
	copy(padded, body)
	for i := len(body); i < len(padded); i++ {
		padded[i] = byte(pad)
	}
	return padded, nil
}

// UnmarshalPadded strips the transport padding and deserializes the container.
func UnmarshalPadded(data []byte) (*Container, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("wamessage: empty padded payload")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > 16 || pad > len(data) {
		return nil, fmt.Errorf("wamessage: invalid padding length %d", pad)
	}
	return Unmarshal(data[:len(data)-pad])
}
