package wamessage

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Container field numbers on the wire.
const (
	fieldConversation          = 1
	fieldSenderKeyDistribution = 2
	fieldImage                 = 3
	fieldContact               = 4
	fieldLocation              = 5
	fieldExtendedText          = 6
	fieldDocument              = 7
	fieldAudio                 = 8
	fieldVideo                 = 9
	fieldCall                  = 10
	fieldProtocol              = 12
	fieldContactsArray         = 13
	fieldSendPayment           = 16
	fieldLiveLocation          = 18
	fieldRequestPayment        = 22
	fieldDeclinePayment        = 23
	fieldCancelPayment         = 24
	fieldTemplate              = 25
	fieldSticker               = 26
	fieldGroupInvite           = 28
	fieldTemplateReply         = 29
	fieldProduct               = 30
	fieldDeviceSent            = 31
	fieldList                  = 36
	fieldViewOnce              = 37
	fieldOrder                 = 38
	fieldListResponse          = 39
	fieldEphemeral             = 40
	fieldInvoice               = 41
	fieldButtons               = 42
	fieldButtonsResponse       = 43
	fieldInteractive           = 45
	fieldReaction              = 46
	fieldPoll                  = 49
	fieldPollUpdate            = 50
	fieldKeepInChat            = 51
)

// opaqueFields maps the long-tail variants to their container field numbers.
var opaqueFields = map[Kind]protowire.Number{
	KindContactsArray:   fieldContactsArray,
	KindCall:            fieldCall,
	KindSendPayment:     fieldSendPayment,
	KindRequestPayment:  fieldRequestPayment,
	KindDeclinePayment:  fieldDeclinePayment,
	KindCancelPayment:   fieldCancelPayment,
	KindTemplate:        fieldTemplate,
	KindGroupInvite:     fieldGroupInvite,
	KindTemplateReply:   fieldTemplateReply,
	KindProduct:         fieldProduct,
	KindList:            fieldList,
	KindOrder:           fieldOrder,
	KindListResponse:    fieldListResponse,
	KindInvoice:         fieldInvoice,
	KindButtons:         fieldButtons,
	KindButtonsResponse: fieldButtonsResponse,
	KindInteractive:     fieldInteractive,
	KindPoll:            fieldPoll,
	KindPollUpdate:      fieldPollUpdate,
	KindKeepInChat:      fieldKeepInChat,
}

var opaqueKinds = func() map[protowire.Number]Kind {
	m := make(map[protowire.Number]Kind, len(opaqueFields))
	for k, n := range opaqueFields {
		m[n] = k
	}
	return m
}()

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendUintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendDoubleField(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendMessageField(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

// scanFields walks a protobuf body, invoking visit per field. Unknown
// fields are skipped.
func scanFields(body []byte, visit func(num protowire.Number, typ protowire.Type, payload []byte, uval uint64) error) error {
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return fmt.Errorf("wamessage: malformed tag")
		}
		body = body[n:]
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return fmt.Errorf("wamessage: malformed bytes field %d", num)
			}
			if err := visit(num, typ, v, 0); err != nil {
				return err
			}
			body = body[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return fmt.Errorf("wamessage: malformed varint field %d", num)
			}
			if err := visit(num, typ, nil, v); err != nil {
				return err
			}
			body = body[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(body)
			if n < 0 {
				return fmt.Errorf("wamessage: malformed fixed64 field %d", num)
			}
			if err := visit(num, typ, nil, v); err != nil {
				return err
			}
			body = body[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return fmt.Errorf("wamessage: malformed field %d", num)
			}
			body = body[n:]
		}
	}
	return nil
}

// Marshal serializes a container.
func Marshal(c *Container) ([]byte, error) {
	if c == nil || c.Kind == KindEmpty {
		return nil, nil
	}
	var b []byte
	switch c.Kind {
	case KindText:
		b = appendStringField(b, fieldConversation, c.Text.Text)
	case KindExtendedText:
		b = appendMessageField(b, fieldExtendedText, marshalExtendedText(c.ExtendedText))
	case KindImage:
		body := marshalMediaKeys(&c.Image.MediaKeys)
		body = appendStringField(body, 10, c.Image.Caption)
		body = appendUintField(body, 11, uint64(c.Image.Width))
		body = appendUintField(body, 12, uint64(c.Image.Height))
		b = appendMessageField(b, fieldImage, body)
	case KindVideo:
		body := marshalMediaKeys(&c.Video.MediaKeys)
		body = appendStringField(body, 10, c.Video.Caption)
		body = appendUintField(body, 11, uint64(c.Video.Seconds))
		body = appendBoolField(body, 12, c.Video.GIF)
		b = appendMessageField(b, fieldVideo, body)
	case KindAudio:
		body := marshalMediaKeys(&c.Audio.MediaKeys)
		body = appendUintField(body, 10, uint64(c.Audio.Seconds))
		body = appendBoolField(body, 11, c.Audio.VoiceNote)
		b = appendMessageField(b, fieldAudio, body)
	case KindDocument:
		body := marshalMediaKeys(&c.Document.MediaKeys)
		body = appendStringField(body, 10, c.Document.Title)
		body = appendStringField(body, 11, c.Document.FileName)
		body = appendUintField(body, 12, uint64(c.Document.Pages))
		b = appendMessageField(b, fieldDocument, body)
	case KindSticker:
		body := marshalMediaKeys(&c.Sticker.MediaKeys)
		body = appendBoolField(body, 10, c.Sticker.Animated)
		b = appendMessageField(b, fieldSticker, body)
	case KindContact:
		var body []byte
		body = appendStringField(body, 1, c.Contact.DisplayName)
		body = appendStringField(body, 16, c.Contact.VCard)
		b = appendMessageField(b, fieldContact, body)
	case KindLocation:
		var body []byte
		body = appendDoubleField(body, 1, c.Location.Latitude)
		body = appendDoubleField(body, 2, c.Location.Longitude)
		body = appendStringField(body, 3, c.Location.Name)
		body = appendStringField(body, 4, c.Location.Address)
		b = appendMessageField(b, fieldLocation, body)
	case KindLiveLocation:
		var body []byte
		body = appendDoubleField(body, 1, c.LiveLocation.Latitude)
		body = appendDoubleField(body, 2, c.LiveLocation.Longitude)
		body = appendStringField(body, 5, c.LiveLocation.Caption)
		body = appendUintField(body, 6, uint64(c.LiveLocation.SequenceNumber))
		b = appendMessageField(b, fieldLiveLocation, body)
	case KindReaction:
		var body []byte
		if c.Reaction.Key != nil {
			body = appendMessageField(body, 1, marshalMessageKey(c.Reaction.Key))
		}
		body = appendStringField(body, 2, c.Reaction.Text)
		body = appendUintField(body, 3, uint64(c.Reaction.Timestamp))
		b = appendMessageField(b, fieldReaction, body)
	case KindProtocol:
		b = appendMessageField(b, fieldProtocol, marshalProtocol(c.Protocol))
	case KindDeviceSent:
		inner, err := Marshal(c.DeviceSent.Message)
		if err != nil {
			return nil, err
		}
		var body []byte
		body = appendStringField(body, 1, c.DeviceSent.DestinationJID)
		body = appendMessageField(body, 2, inner)
		b = appendMessageField(b, fieldDeviceSent, body)
	case KindSenderKeyDistribution:
		var body []byte
		body = appendStringField(body, 1, c.SenderKeyDistribution.GroupID)
		body = appendBytesField(body, 2, c.SenderKeyDistribution.Data)
		b = appendMessageField(b, fieldSenderKeyDistribution, body)
	case KindEphemeral, KindViewOnce:
		wrapper := c.Ephemeral
		num := protowire.Number(fieldEphemeral)
		if c.Kind == KindViewOnce {
			wrapper = c.ViewOnce
			num = fieldViewOnce
		}
		inner, err := Marshal(wrapper.Message)
		if err != nil {
			return nil, err
		}
		var body []byte
		body = appendMessageField(body, 1, inner)
		b = appendMessageField(b, num, body)
	default:
		num, ok := opaqueFields[c.Kind]
		if !ok || c.Opaque == nil {
			return nil, fmt.Errorf("wamessage: cannot marshal kind %d", c.Kind)
		}
		b = appendMessageField(b, num, c.Opaque.Body)
	}
	return b, nil
}

func marshalMediaKeys(m *MediaKeys) []byte {
	var b []byte
	b = appendStringField(b, 1, m.URL)
	b = appendStringField(b, 2, m.MimeType)
	b = appendBytesField(b, 3, m.FileSHA256)
	b = appendUintField(b, 4, m.FileLength)
	b = appendBytesField(b, 5, m.MediaKey)
	b = appendBytesField(b, 6, m.FileEncSHA256)
	b = appendStringField(b, 7, m.DirectPath)
	return b
}

func marshalExtendedText(m *ExtendedTextMessage) []byte {
	var b []byte
	b = appendStringField(b, 1, m.Text)
	b = appendStringField(b, 2, m.MatchedText)
	b = appendStringField(b, 5, m.Description)
	b = appendStringField(b, 6, m.Title)
	return b
}

func marshalMessageKey(k *MessageKey) []byte {
	var b []byte
	b = appendStringField(b, 1, k.ChatJID)
	b = appendBoolField(b, 2, k.FromMe)
	b = appendStringField(b, 3, k.ID)
	b = appendStringField(b, 4, k.Participant)
	b = appendStringField(b, 5, k.SenderJID)
	return b
}

func marshalProtocol(p *ProtocolMessage) []byte {
	var b []byte
	if p.Key != nil {
		b = appendMessageField(b, 1, marshalMessageKey(p.Key))
	}
	// Type is written even when zero (REVOKE) so the variant is explicit.
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Type))
	b = appendUintField(b, 4, uint64(p.EphemeralExpiration))
	if p.HistorySync != nil {
		b = appendMessageField(b, 6, marshalHistorySyncNotification(p.HistorySync))
	}
	if p.AppStateKeys != nil {
		var keys []byte
		for _, k := range p.AppStateKeys.Keys {
			var kb []byte
			kb = appendBytesField(kb, 1, k.KeyID)
			kb = appendBytesField(kb, 2, k.Data)
			keys = appendMessageField(keys, 1, kb)
		}
		b = appendMessageField(b, 7, keys)
	}
	return b
}

func marshalHistorySyncNotification(h *HistorySyncNotification) []byte {
	var b []byte
	b = appendBytesField(b, 1, h.FileSHA256)
	b = appendUintField(b, 2, h.FileLength)
	b = appendBytesField(b, 3, h.MediaKey)
	b = appendBytesField(b, 4, h.FileEncSHA256)
	b = appendStringField(b, 5, h.DirectPath)
	b = appendUintField(b, 6, uint64(h.SyncType))
	return b
}

// Unmarshal deserializes a container. An empty body yields an empty container.
func Unmarshal(data []byte) (*Container, error) {
	c := &Container{}
	err := scanFields(data, func(num protowire.Number, typ protowire.Type, payload []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldConversation:
			c.Kind = KindText
			c.Text = &TextMessage{Text: string(payload)}
		case fieldExtendedText:
			c.Kind = KindExtendedText
			c.ExtendedText = unmarshalExtendedText(payload)
		case fieldImage:
			msg := &ImageMessage{}
			err := scanMediaFields(payload, &msg.MediaKeys, func(num protowire.Number, payload []byte, uval uint64) {
				switch num {
				case 10:
					msg.Caption = string(payload)
				case 11:
					msg.Width = uint32(uval)
				case 12:
					msg.Height = uint32(uval)
				}
			})
			if err != nil {
				return err
			}
			c.Kind = KindImage
			c.Image = msg
		case fieldVideo:
			msg := &VideoMessage{}
			err := scanMediaFields(payload, &msg.MediaKeys, func(num protowire.Number, payload []byte, uval uint64) {
				switch num {
				case 10:
					msg.Caption = string(payload)
				case 11:
					msg.Seconds = uint32(uval)
				case 12:
					msg.GIF = uval != 0
				}
			})
			if err != nil {
				return err
			}
			c.Kind = KindVideo
			c.Video = msg
		case fieldAudio:
			msg := &AudioMessage{}
			err := scanMediaFields(payload, &msg.MediaKeys, func(num protowire.Number, payload []byte, uval uint64) {
				switch num {
				case 10:
					msg.Seconds = uint32(uval)
				case 11:
					msg.VoiceNote = uval != 0
				}
			})
			if err != nil {
				return err
			}
			c.Kind = KindAudio
			c.Audio = msg
		case fieldDocument:
			msg := &DocumentMessage{}
			err := scanMediaFields(payload, &msg.MediaKeys, func(num protowire.Number, payload []byte, uval uint64) {
				switch num {
				case 10:
					msg.Title = string(payload)
				case 11:
					msg.FileName = string(payload)
				case 12:
					msg.Pages = uint32(uval)
				}
			})
			if err != nil {
				return err
			}
			c.Kind = KindDocument
			c.Document = msg
		case fieldSticker:
			msg := &StickerMessage{}
			err := scanMediaFields(payload, &msg.MediaKeys, func(num protowire.Number, payload []byte, uval uint64) {
				if num == 10 {
					msg.Animated = uval != 0
				}
			})
			if err != nil {
				return err
			}
			c.Kind = KindSticker
			c.Sticker = msg
		case fieldContact:
			msg := &ContactMessage{}
			err := scanFields(payload, func(num protowire.Number, typ protowire.Type, payload []byte, _ uint64) error {
				switch num {
				case 1:
					msg.DisplayName = string(payload)
				case 16:
					msg.VCard = string(payload)
				}
				return nil
			})
			if err != nil {
				return err
			}
			c.Kind = KindContact
			c.Contact = msg
		case fieldLocation:
			msg := &LocationMessage{}
			err := scanFields(payload, func(num protowire.Number, typ protowire.Type, payload []byte, uval uint64) error {
				switch num {
				case 1:
					msg.Latitude = math.Float64frombits(uval)
				case 2:
					msg.Longitude = math.Float64frombits(uval)
				case 3:
					msg.Name = string(payload)
				case 4:
					msg.Address = string(payload)
				}
				return nil
			})
			if err != nil {
				return err
			}
			c.Kind = KindLocation
			c.Location = msg
		case fieldLiveLocation:
			msg := &LiveLocationMessage{}
			err := scanFields(payload, func(num protowire.Number, typ protowire.Type, payload []byte, uval uint64) error {
				switch num {
				case 1:
					msg.Latitude = math.Float64frombits(uval)
				case 2:
					msg.Longitude = math.Float64frombits(uval)
				case 5:
					msg.Caption = string(payload)
				case 6:
					msg.SequenceNumber = int64(uval)
				}
				return nil
			})
			if err != nil {
				return err
			}
			c.Kind = KindLiveLocation
			c.LiveLocation = msg
		case fieldReaction:
			msg := &ReactionMessage{}
			err := scanFields(payload, func(num protowire.Number, typ protowire.Type, payload []byte, uval uint64) error {
				switch num {
				case 1:
					key, err := unmarshalMessageKey(payload)
					if err != nil {
						return err
					}
					msg.Key = key
				case 2:
					msg.Text = string(payload)
				case 3:
					msg.Timestamp = int64(uval)
				}
				return nil
			})
			if err != nil {
				return err
			}
			c.Kind = KindReaction
			c.Reaction = msg
		case fieldProtocol:
			p, err := unmarshalProtocol(payload)
			if err != nil {
				return err
			}
			c.Kind = KindProtocol
			c.Protocol = p
		case fieldDeviceSent:
			msg := &DeviceSentMessage{}
			err := scanFields(payload, func(num protowire.Number, typ protowire.Type, payload []byte, _ uint64) error {
				switch num {
				case 1:
					msg.DestinationJID = string(payload)
				case 2:
					inner, err := Unmarshal(payload)
					if err != nil {
						return err
					}
					msg.Message = inner
				}
				return nil
			})
			if err != nil {
				return err
			}
			c.Kind = KindDeviceSent
			c.DeviceSent = msg
		case fieldSenderKeyDistribution:
			msg := &SenderKeyDistributionMessage{}
			err := scanFields(payload, func(num protowire.Number, typ protowire.Type, payload []byte, _ uint64) error {
				switch num {
				case 1:
					msg.GroupID = string(payload)
				case 2:
					msg.Data = append([]byte(nil), payload...)
				}
				return nil
			})
			if err != nil {
				return err
			}
			c.Kind = KindSenderKeyDistribution
			c.SenderKeyDistribution = msg
		case fieldEphemeral, fieldViewOnce:
			wrapper := &FutureProofMessage{}
			err := scanFields(payload, func(num protowire.Number, typ protowire.Type, payload []byte, _ uint64) error {
				if num == 1 {
					inner, err := Unmarshal(payload)
					if err != nil {
						return err
					}
					wrapper.Message = inner
				}
				return nil
			})
			if err != nil {
				return err
			}
			if num == fieldEphemeral {
				c.Kind = KindEphemeral
				c.Ephemeral = wrapper
			} else {
				c.Kind = KindViewOnce
				c.ViewOnce = wrapper
			}
		default:
			if kind, ok := opaqueKinds[num]; ok {
				c.Kind = kind
				c.Opaque = &OpaqueMessage{Kind: kind, Body: append([]byte(nil), payload...)}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// scanMediaFields handles the shared media fields (1-7) and hands variant
// fields (10+) to extra.
func scanMediaFields(body []byte, m *MediaKeys, extra func(num protowire.Number, payload []byte, uval uint64)) error {
	return scanFields(body, func(num protowire.Number, typ protowire.Type, payload []byte, uval uint64) error {
		switch num {
		case 1:
			m.URL = string(payload)
		case 2:
			m.MimeType = string(payload)
		case 3:
			m.FileSHA256 = append([]byte(nil), payload...)
		case 4:
			m.FileLength = uval
		case 5:
			m.MediaKey = append([]byte(nil), payload...)
		case 6:
			m.FileEncSHA256 = append([]byte(nil), payload...)
		case 7:
			m.DirectPath = string(payload)
		default:
			extra(num, payload, uval)
		}
		return nil
	})
}

func unmarshalExtendedText(body []byte) *ExtendedTextMessage {
	msg := &ExtendedTextMessage{}
	_ = scanFields(body, func(num protowire.Number, typ protowire.Type, payload []byte, _ uint64) error {
		switch num {
		case 1:
			msg.Text = string(payload)
		case 2:
			msg.MatchedText = string(payload)
		case 5:
			msg.Description = string(payload)
		case 6:
			msg.Title = string(payload)
		}
		return nil
	})
	return msg
}

func unmarshalMessageKey(body []byte) (*MessageKey, error) {
	key := &MessageKey{}
	err := scanFields(body, func(num protowire.Number, typ protowire.Type, payload []byte, uval uint64) error {
		switch num {
		case 1:
			key.ChatJID = string(payload)
		case 2:
			key.FromMe = uval != 0
		case 3:
			key.ID = string(payload)
		case 4:
			key.Participant = string(payload)
		case 5:
			key.SenderJID = string(payload)
		}
		return nil
	})
	return key, err
}

func unmarshalProtocol(body []byte) (*ProtocolMessage, error) {
	p := &ProtocolMessage{}
	err := scanFields(body, func(num protowire.Number, typ protowire.Type, payload []byte, uval uint64) error {
		switch num {
		case 1:
			key, err := unmarshalMessageKey(payload)
			if err != nil {
				return err
			}
			p.Key = key
		case 2:
			p.Type = ProtocolType(uval)
		case 4:
			p.EphemeralExpiration = uint32(uval)
		case 6:
			h := &HistorySyncNotification{}
			err := scanFields(payload, func(num protowire.Number, typ protowire.Type, payload []byte, uval uint64) error {
				switch num {
				case 1:
					h.FileSHA256 = append([]byte(nil), payload...)
				case 2:
					h.FileLength = uval
				case 3:
					h.MediaKey = append([]byte(nil), payload...)
				case 4:
					h.FileEncSHA256 = append([]byte(nil), payload...)
				case 5:
					h.DirectPath = string(payload)
				case 6:
					h.SyncType = HistorySyncType(uval)
				}
				return nil
			})
			if err != nil {
				return err
			}
			p.HistorySync = h
		case 7:
			share := &AppStateSyncKeyShare{}
			err := scanFields(payload, func(num protowire.Number, typ protowire.Type, payload []byte, _ uint64) error {
				if num != 1 {
					return nil
				}
				var key AppStateSyncKey
				err := scanFields(payload, func(num protowire.Number, typ protowire.Type, payload []byte, _ uint64) error {
					switch num {
					case 1:
						key.KeyID = append([]byte(nil), payload...)
					case 2:
						key.Data = append([]byte(nil), payload...)
					}
					return nil
				})
				if err != nil {
					return err
				}
				share.Keys = append(share.Keys, key)
				return nil
			})
			if err != nil {
				return err
			}
			p.AppStateKeys = share
		}
		return nil
	})
	return p, err
}
