package signal

import (
	"bytes"
	"encoding/json"
	"fmt"

	"wamd/internal/wacrypto"
)

// CurrentVersion is the ciphertext version emitted by this implementation.
const CurrentVersion = 3

// PendingPreKey records the bundle references a freshly built outgoing session
// must carry until the peer acknowledges it by sending back.
type PendingPreKey struct {
	PreKeyID       uint32   `json:"preKeyId,omitempty"`
	HasPreKeyID    bool     `json:"hasPreKeyId"`
	SignedPreKeyID uint32   `json:"signedPreKeyId"`
	BaseKey        [32]byte `json:"baseKey"`
}

// SenderChain is the sending half of the ratchet.
type SenderChain struct {
	RatchetKey wacrypto.KeyPair `json:"ratchetKey"`
	Chain      ChainKey         `json:"chain"`
}

// ReceiverChain tracks one remote ratchet key: its chain and the message keys
// skipped while waiting for out-of-order deliveries.
type ReceiverChain struct {
	SenderRatchetKey [32]byte               `json:"senderRatchetKey"`
	Chain            ChainKey               `json:"chain"`
	Skipped          map[uint32]MessageKeys `json:"skipped,omitempty"`
}

// SessionState is the double-ratchet state for one peer address. A Session
// holds several of these; only the first non-closed one encrypts.
type SessionState struct {
	Version         int             `json:"version"`
	RemoteIdentity  [32]byte        `json:"remoteIdentity"`
	RemoteBaseKey   [32]byte        `json:"remoteBaseKey"`
	RootKey         []byte          `json:"rootKey"`
	Sender          SenderChain     `json:"sender"`
	PreviousCounter uint32          `json:"previousCounter"`
	Receivers       []ReceiverChain `json:"receivers,omitempty"`
	Pending         *PendingPreKey  `json:"pending,omitempty"`
	Closed          bool            `json:"closed"`
}

// receiverChain returns the chain tracking the given remote ratchet key.
func (s *SessionState) receiverChain(ratchetKey [32]byte) *ReceiverChain {
	for i := range s.Receivers {
		if s.Receivers[i].SenderRatchetKey == ratchetKey {
			return &s.Receivers[i]
		}
	}
	return nil
}

// skippedTotal counts stored skipped keys across all receiver chains.
func (s *SessionState) skippedTotal() int {
	total := 0
	for i := range s.Receivers {
		total += len(s.Receivers[i].Skipped)
	}
	return total
}

// hasSenderChain reports whether the sending ratchet is initialized.
func (s *SessionState) hasSenderChain() bool {
	return len(s.Sender.Chain.Key) > 0
}

// currentRemoteRatchet returns the most recent remote ratchet key, falling
// back to the remote base key for sessions that have not received yet.
func (s *SessionState) currentRemoteRatchet() [32]byte {
	if n := len(s.Receivers); n > 0 {
		return s.Receivers[n-1].SenderRatchetKey
	}
	return s.RemoteBaseKey
}

// clone deep-copies the state so a decrypt attempt can run the full ratchet
// schedule and verify the MAC before anything is committed.
func (s *SessionState) clone() *SessionState {
	c := *s
	c.RootKey = append([]byte(nil), s.RootKey...)
	c.Sender.Chain.Key = append([]byte(nil), s.Sender.Chain.Key...)
	c.Receivers = make([]ReceiverChain, len(s.Receivers))
	for i, rc := range s.Receivers {
		cc := rc
		cc.Chain.Key = append([]byte(nil), rc.Chain.Key...)
		if rc.Skipped != nil {
			cc.Skipped = make(map[uint32]MessageKeys, len(rc.Skipped))
			for k, v := range rc.Skipped {
				cc.Skipped[k] = v
			}
		}
		c.Receivers[i] = cc
	}
	if s.Pending != nil {
		p := *s.Pending
		c.Pending = &p
	}
	return &c
}

// MaxArchivedStates bounds how many superseded states a session keeps around
// to decrypt late-arriving ciphertexts.
const MaxArchivedStates = 40

// Session is the ordered state list for one address, most recent first.
type Session struct {
	States []*SessionState `json:"states"`
}

// Current returns the state used for encryption: the first non-closed one.
func (s *Session) Current() *SessionState {
	for _, st := range s.States {
		if !st.Closed {
			return st
		}
	}
	return nil
}

// Promote prepends a state, evicting the oldest beyond MaxArchivedStates.
func (s *Session) Promote(state *SessionState) {
	s.States = append([]*SessionState{state}, s.States...)
	if len(s.States) > MaxArchivedStates {
		s.States = s.States[:MaxArchivedStates]
	}
}

// FindByBaseKey returns the state built from the given remote base key, if any.
func (s *Session) FindByBaseKey(baseKey [32]byte) *SessionState {
	for _, st := range s.States {
		if bytes.Equal(st.RemoteBaseKey[:], baseKey[:]) {
			return st
		}
	}
	return nil
}

// Serialize encodes the session for storage.
func (s *Session) Serialize() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("signal: serialize session: %w", err)
	}
	return data, nil
}

// DeserializeSession decodes a session produced by Serialize.
func DeserializeSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("signal: deserialize session: %w", err)
	}
	return &s, nil
}
