package signal

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire framing: one version byte (high nibble = message version, low nibble =
// current version), a protobuf body, and for SignalMessage an 8-byte
// truncated HMAC, for SenderKeyMessage a 64-byte signature.
const (
	versionByte = byte(CurrentVersion<<4 | CurrentVersion)

	macLength       = 8
	signatureLength = 64
)

func checkVersion(b byte) error {
	if b>>4 != CurrentVersion {
		return fmt.Errorf("%w: message version %d", ErrUnsupportedType, b>>4)
	}
	return nil
}

// SignalMessage is an ongoing-session ciphertext (wire tag "msg").
type SignalMessage struct {
	RatchetKey      [32]byte
	Counter         uint32
	PreviousCounter uint32
	Ciphertext      []byte

	// Serialized is the full frame including version byte and MAC, kept for
	// MAC verification on receive.
	Serialized []byte
}

// body encodes the protobuf portion of the frame.
func (m *SignalMessage) body() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, m.RatchetKey[:])
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Counter))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.PreviousCounter))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Ciphertext)
	return b
}

// Seal finalizes the frame: version byte, body, then mac (already truncated).
func (m *SignalMessage) Seal(mac []byte) []byte {
	frame := append([]byte{versionByte}, m.body()...)
	m.Serialized = append(frame, mac...)
	return m.Serialized
}

// MacPortion returns the frame bytes covered by the MAC.
func (m *SignalMessage) MacPortion() []byte {
	if len(m.Serialized) < macLength {
		return nil
	}
	return m.Serialized[:len(m.Serialized)-macLength]
}

// Mac returns the truncated MAC carried by the frame.
func (m *SignalMessage) Mac() []byte {
	if len(m.Serialized) < macLength {
		return nil
	}
	return m.Serialized[len(m.Serialized)-macLength:]
}

// ParseSignalMessage parses a "msg" frame.
func ParseSignalMessage(data []byte) (*SignalMessage, error) {
	if len(data) < 1+macLength {
		return nil, fmt.Errorf("signal: message too short (%d bytes)", len(data))
	}
	if err := checkVersion(data[0]); err != nil {
		return nil, err
	}

	msg := &SignalMessage{Serialized: data}
	body := data[1 : len(data)-macLength]
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return nil, fmt.Errorf("signal: malformed message tag")
		}
		body = body[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 || len(v) != 32 {
				return nil, fmt.Errorf("%w: ratchet key", ErrInvalidKey)
			}
			copy(msg.RatchetKey[:], v)
			body = body[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return nil, fmt.Errorf("signal: malformed counter")
			}
			msg.Counter = uint32(v)
			body = body[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return nil, fmt.Errorf("signal: malformed previous counter")
			}
			msg.PreviousCounter = uint32(v)
			body = body[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return nil, fmt.Errorf("signal: malformed ciphertext")
			}
			msg.Ciphertext = append([]byte(nil), v...)
			body = body[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return nil, fmt.Errorf("signal: malformed message field %d", num)
			}
			body = body[n:]
		}
	}
	return msg, nil
}

// PreKeySignalMessage carries the bundle references needed to build the
// receiving session around an embedded SignalMessage (wire tag "pkmsg").
type PreKeySignalMessage struct {
	RegistrationID uint32
	PreKeyID       uint32
	HasPreKeyID    bool
	SignedPreKeyID uint32
	BaseKey        [32]byte
	IdentityKey    [32]byte
	Message        *SignalMessage
}

// Marshal encodes the full pkmsg frame.
func (m *PreKeySignalMessage) Marshal() []byte {
	var b []byte
	if m.HasPreKeyID {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.PreKeyID))
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, m.BaseKey[:])
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, m.IdentityKey[:])
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Message.Serialized)
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.RegistrationID))
	b = protowire.AppendTag(b, 6, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.SignedPreKeyID))
	return append([]byte{versionByte}, b...)
}

// ParsePreKeySignalMessage parses a "pkmsg" frame.
func ParsePreKeySignalMessage(data []byte) (*PreKeySignalMessage, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("signal: pre-key message too short")
	}
	if err := checkVersion(data[0]); err != nil {
		return nil, err
	}

	msg := &PreKeySignalMessage{}
	body := data[1:]
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return nil, fmt.Errorf("signal: malformed pre-key tag")
		}
		body = body[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return nil, fmt.Errorf("signal: malformed pre-key id")
			}
			msg.PreKeyID = uint32(v)
			msg.HasPreKeyID = true
			body = body[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 || len(v) != 32 {
				return nil, fmt.Errorf("%w: base key", ErrInvalidKey)
			}
			copy(msg.BaseKey[:], v)
			body = body[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 || len(v) != 32 {
				return nil, fmt.Errorf("%w: identity key", ErrInvalidKey)
			}
			copy(msg.IdentityKey[:], v)
			body = body[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return nil, fmt.Errorf("signal: malformed embedded message")
			}
			inner, err := ParseSignalMessage(append([]byte(nil), v...))
			if err != nil {
				return nil, fmt.Errorf("signal: embedded message: %w", err)
			}
			msg.Message = inner
			body = body[n:]
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return nil, fmt.Errorf("signal: malformed registration id")
			}
			msg.RegistrationID = uint32(v)
			body = body[n:]
		case num == 6 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return nil, fmt.Errorf("signal: malformed signed pre-key id")
			}
			msg.SignedPreKeyID = uint32(v)
			body = body[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return nil, fmt.Errorf("signal: malformed pre-key field %d", num)
			}
			body = body[n:]
		}
	}
	if msg.Message == nil {
		return nil, fmt.Errorf("signal: pre-key message missing embedded message")
	}
	return msg, nil
}

// SenderKeyMessage is a group ciphertext (wire tag "skmsg").
type SenderKeyMessage struct {
	KeyID      uint32
	Iteration  uint32
	Ciphertext []byte

	Serialized []byte
}

func (m *SenderKeyMessage) body() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.KeyID))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Iteration))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Ciphertext)
	return b
}

// Seal finalizes the frame with the sender's signature over version + body.
func (m *SenderKeyMessage) Seal(sign func([]byte) []byte) []byte {
	frame := append([]byte{versionByte}, m.body()...)
	m.Serialized = append(frame, sign(frame)...)
	return m.Serialized
}

// SignedPortion returns the frame bytes covered by the signature.
func (m *SenderKeyMessage) SignedPortion() []byte {
	if len(m.Serialized) < signatureLength {
		return nil
	}
	return m.Serialized[:len(m.Serialized)-signatureLength]
}

// Signature returns the trailing signature bytes.
func (m *SenderKeyMessage) Signature() []byte {
	if len(m.Serialized) < signatureLength {
		return nil
	}
	return m.Serialized[len(m.Serialized)-signatureLength:]
}

// ParseSenderKeyMessage parses an "skmsg" frame.
func ParseSenderKeyMessage(data []byte) (*SenderKeyMessage, error) {
	if len(data) < 1+signatureLength {
		return nil, fmt.Errorf("signal: sender key message too short (%d bytes)", len(data))
	}
	if err := checkVersion(data[0]); err != nil {
		return nil, err
	}

	msg := &SenderKeyMessage{Serialized: data}
	body := data[1 : len(data)-signatureLength]
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return nil, fmt.Errorf("signal: malformed sender key tag")
		}
		body = body[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return nil, fmt.Errorf("signal: malformed key id")
			}
			msg.KeyID = uint32(v)
			body = body[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return nil, fmt.Errorf("signal: malformed iteration")
			}
			msg.Iteration = uint32(v)
			body = body[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return nil, fmt.Errorf("signal: malformed ciphertext")
			}
			msg.Ciphertext = append([]byte(nil), v...)
			body = body[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return nil, fmt.Errorf("signal: malformed sender key field %d", num)
			}
			body = body[n:]
		}
	}
	return msg, nil
}

// DistributionMessage announces a sender key to the other group members.
type DistributionMessage struct {
	KeyID      uint32
	Iteration  uint32
	ChainKey   []byte
	SigningKey []byte // Ed25519 public key
}

// Marshal encodes the distribution message frame.
func (m *DistributionMessage) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.KeyID))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Iteration))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, m.ChainKey)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, m.SigningKey)
	return append([]byte{versionByte}, b...)
}

// ParseDistributionMessage parses a frame produced by Marshal.
func ParseDistributionMessage(data []byte) (*DistributionMessage, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("signal: distribution message too short")
	}
	if err := checkVersion(data[0]); err != nil {
		return nil, err
	}

	msg := &DistributionMessage{}
	body := data[1:]
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return nil, fmt.Errorf("signal: malformed distribution tag")
		}
		body = body[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return nil, fmt.Errorf("signal: malformed key id")
			}
			msg.KeyID = uint32(v)
			body = body[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return nil, fmt.Errorf("signal: malformed iteration")
			}
			msg.Iteration = uint32(v)
			body = body[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return nil, fmt.Errorf("signal: malformed chain key")
			}
			msg.ChainKey = append([]byte(nil), v...)
			body = body[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return nil, fmt.Errorf("signal: malformed signing key")
			}
			msg.SigningKey = append([]byte(nil), v...)
			body = body[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return nil, fmt.Errorf("signal: malformed distribution field %d", num)
			}
			body = body[n:]
		}
	}
	if len(msg.ChainKey) != 32 {
		return nil, fmt.Errorf("%w: distribution chain key", ErrInvalidKey)
	}
	return msg, nil
}
