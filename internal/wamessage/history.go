package wamessage

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// HistorySyncType discriminates the flavors of a history sync payload.
type HistorySyncType int

const (
	HistorySyncBootstrap HistorySyncType = 0
	HistorySyncStatusV3  HistorySyncType = 1
	HistorySyncFull      HistorySyncType = 2
	HistorySyncRecent    HistorySyncType = 3
	HistorySyncPushName  HistorySyncType = 4
)

// HistoryConversation is one chat carried by a history sync.
type HistoryConversation struct {
	JID                 string
	Name                string
	UnreadCount         uint32
	Archived            bool
	EphemeralExpiration uint32
}

// HistoryStatus is one status update carried by an INITIAL_STATUS_V3 sync.
type HistoryStatus struct {
	Key       *MessageKey
	Message   *Container
	Timestamp uint64
}

// PushName maps a user JID to their self-chosen display name.
type PushName struct {
	JID  string
	Name string
}

// HistorySync is the parsed, inflated history payload.
type HistorySync struct {
	SyncType      HistorySyncType
	Conversations []HistoryConversation
	Statuses      []HistoryStatus
	PushNames     []PushName
}

// MarshalHistorySync serializes a history sync payload.
func MarshalHistorySync(h *HistorySync) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.SyncType))
	for _, conv := range h.Conversations {
		var cb []byte
		cb = appendStringField(cb, 1, conv.JID)
		cb = appendUintField(cb, 6, uint64(conv.UnreadCount))
		cb = appendUintField(cb, 9, uint64(conv.EphemeralExpiration))
		cb = appendStringField(cb, 12, conv.Name)
		cb = appendBoolField(cb, 17, conv.Archived)
		b = appendMessageField(b, 2, cb)
	}
	for _, status := range h.Statuses {
		var sb []byte
		if status.Key != nil {
			sb = appendMessageField(sb, 1, marshalMessageKey(status.Key))
		}
		if status.Message != nil {
			inner, err := Marshal(status.Message)
			if err == nil {
				sb = appendMessageField(sb, 2, inner)
			}
		}
		sb = appendUintField(sb, 3, status.Timestamp)
		b = appendMessageField(b, 3, sb)
	}
	for _, pn := range h.PushNames {
		var pb []byte
		pb = appendStringField(pb, 1, pn.JID)
		pb = appendStringField(pb, 2, pn.Name)
		b = appendMessageField(b, 7, pb)
	}
	return b
}

// UnmarshalHistorySync parses an inflated history payload.
func UnmarshalHistorySync(data []byte) (*HistorySync, error) {
	h := &HistorySync{}
	err := scanFields(data, func(num protowire.Number, typ protowire.Type, payload []byte, uval uint64) error {
		switch num {
		case 1:
			h.SyncType = HistorySyncType(uval)
		case 2:
			var conv HistoryConversation
			err := scanFields(payload, func(num protowire.Number, typ protowire.Type, payload []byte, uval uint64) error {
				switch num {
				case 1:
					conv.JID = string(payload)
				case 6:
					conv.UnreadCount = uint32(uval)
				case 9:
					conv.EphemeralExpiration = uint32(uval)
				case 12:
					conv.Name = string(payload)
				case 17:
					conv.Archived = uval != 0
				}
				return nil
			})
			if err != nil {
				return err
			}
			h.Conversations = append(h.Conversations, conv)
		case 3:
			var status HistoryStatus
			err := scanFields(payload, func(num protowire.Number, typ protowire.Type, payload []byte, uval uint64) error {
				switch num {
				case 1:
					key, err := unmarshalMessageKey(payload)
					if err != nil {
						return err
					}
					status.Key = key
				case 2:
					msg, err := Unmarshal(payload)
					if err != nil {
						return err
					}
					status.Message = msg
				case 3:
					status.Timestamp = uval
				}
				return nil
			})
			if err != nil {
				return err
			}
			h.Statuses = append(h.Statuses, status)
		case 7:
			var pn PushName
			err := scanFields(payload, func(num protowire.Number, typ protowire.Type, payload []byte, _ uint64) error {
				switch num {
				case 1:
					pn.JID = string(payload)
				case 2:
					pn.Name = string(payload)
				}
				return nil
			})
			if err != nil {
				return err
			}
			h.PushNames = append(h.PushNames, pn)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Inflate decompresses a zlib-deflated history blob.
func Inflate(compressed []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("wamessage: inflate: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("wamessage: inflate: %w", err)
	}
	return out, nil
}

// Deflate compresses a history payload. Tests use it to build history blobs.
func Deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("wamessage: deflate: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("wamessage: deflate: %w", err)
	}
	return buf.Bytes(), nil
}
