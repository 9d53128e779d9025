// Package wamessage models the logical message layer: the tagged-union
// message container, message metadata, protocol messages and history sync
// payloads, plus their wire codec.
package wamessage

// Kind discriminates the populated variant of a Container.
type Kind int

const (
	KindEmpty Kind = iota
	KindText
	KindExtendedText
	KindImage
	KindVideo
	KindAudio
	KindDocument
	KindSticker
	KindContact
	KindContactsArray
	KindLocation
	KindLiveLocation
	KindReaction
	KindProtocol
	KindDeviceSent
	KindSenderKeyDistribution
	KindEphemeral
	KindViewOnce
	KindList
	KindListResponse
	KindButtons
	KindButtonsResponse
	KindTemplate
	KindTemplateReply
	KindGroupInvite
	KindProduct
	KindOrder
	KindInvoice
	KindSendPayment
	KindRequestPayment
	KindCancelPayment
	KindDeclinePayment
	KindPoll
	KindPollUpdate
	KindCall
	KindInteractive
	KindKeepInChat
)

// Category groups message kinds the way delivery rules need them.
type Category int

const (
	CategoryStandard Category = iota
	// CategoryServer covers protocol machinery that never shows in a chat.
	CategoryServer
)

// Container holds at most one message variant, discriminated by Kind.
// Ephemeral and view-once are wrappers around an inner container.
type Container struct {
	Kind Kind

	Text                  *TextMessage
	ExtendedText          *ExtendedTextMessage
	Image                 *ImageMessage
	Video                 *VideoMessage
	Audio                 *AudioMessage
	Document              *DocumentMessage
	Sticker               *StickerMessage
	Contact               *ContactMessage
	Location              *LocationMessage
	LiveLocation          *LiveLocationMessage
	Reaction              *ReactionMessage
	Protocol              *ProtocolMessage
	DeviceSent            *DeviceSentMessage
	SenderKeyDistribution *SenderKeyDistributionMessage
	Ephemeral             *FutureProofMessage
	ViewOnce              *FutureProofMessage

	// Opaque carries the serialized body of long-tail variants the core only
	// routes (lists, buttons, templates, payments, polls, calls, ...).
	Opaque *OpaqueMessage
}

// Empty is the sentinel returned by Content for an unpopulated container.
type Empty struct{}

// Content returns the populated variant, or Empty when none is.
func (c *Container) Content() any {
	switch c.Kind {
	case KindText:
		return c.Text
	case KindExtendedText:
		return c.ExtendedText
	case KindImage:
		return c.Image
	case KindVideo:
		return c.Video
	case KindAudio:
		return c.Audio
	case KindDocument:
		return c.Document
	case KindSticker:
		return c.Sticker
	case KindContact:
		return c.Contact
	case KindLocation:
		return c.Location
	case KindLiveLocation:
		return c.LiveLocation
	case KindReaction:
		return c.Reaction
	case KindProtocol:
		return c.Protocol
	case KindDeviceSent:
		return c.DeviceSent
	case KindSenderKeyDistribution:
		return c.SenderKeyDistribution
	case KindEphemeral:
		return c.Ephemeral
	case KindViewOnce:
		return c.ViewOnce
	case KindEmpty:
		return Empty{}
	default:
		if c.Opaque != nil {
			return c.Opaque
		}
		return Empty{}
	}
}

// DeepContent unboxes ephemeral and view-once wrappers and returns the inner
// variant.
func (c *Container) DeepContent() any {
	switch c.Kind {
	case KindEphemeral:
		if c.Ephemeral != nil && c.Ephemeral.Message != nil {
			return c.Ephemeral.Message.DeepContent()
		}
	case KindViewOnce:
		if c.ViewOnce != nil && c.ViewOnce.Message != nil {
			return c.ViewOnce.Message.DeepContent()
		}
	}
	return c.Content()
}

// Unboxed returns the inner container of a wrapper kind, or the container
// itself.
func (c *Container) Unboxed() *Container {
	switch c.Kind {
	case KindEphemeral:
		if c.Ephemeral != nil && c.Ephemeral.Message != nil {
			return c.Ephemeral.Message.Unboxed()
		}
	case KindViewOnce:
		if c.ViewOnce != nil && c.ViewOnce.Message != nil {
			return c.ViewOnce.Message.Unboxed()
		}
	}
	return c
}

// IsEmpty reports whether no variant is populated.
func (c *Container) IsEmpty() bool {
	return c == nil || c.Kind == KindEmpty
}

// Category classifies the container for chat bookkeeping.
func (c *Container) Category() Category {
	switch c.Kind {
	case KindProtocol, KindSenderKeyDistribution:
		return CategoryServer
	default:
		return CategoryStandard
	}
}

// OfText returns a container holding a plain text message.
func OfText(text string) *Container {
	return &Container{Kind: KindText, Text: &TextMessage{Text: text}}
}

// OfProtocol returns a container holding a protocol message.
func OfProtocol(p *ProtocolMessage) *Container {
	return &Container{Kind: KindProtocol, Protocol: p}
}

// OfDeviceSent wraps a message the way our own devices receive it.
func OfDeviceSent(destination string, inner *Container) *Container {
	return &Container{
		Kind:       KindDeviceSent,
		DeviceSent: &DeviceSentMessage{DestinationJID: destination, Message: inner},
	}
}

// OfSenderKeyDistribution returns a container carrying a sender key
// distribution payload for a group.
func OfSenderKeyDistribution(groupID string, data []byte) *Container {
	return &Container{
		Kind: KindSenderKeyDistribution,
		SenderKeyDistribution: &SenderKeyDistributionMessage{
			GroupID: groupID,
			Data:    data,
		},
	}
}
