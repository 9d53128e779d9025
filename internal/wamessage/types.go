package wamessage

// TextMessage is a plain conversation body.
type TextMessage struct {
	Text string
}

// ExtendedTextMessage is text with link-preview or context metadata.
type ExtendedTextMessage struct {
	Text        string
	MatchedText string
	Title       string
	Description string
}

// MediaKeys are the fields every downloadable media variant shares.
type MediaKeys struct {
	URL           string
	DirectPath    string
	MediaKey      []byte
	MimeType      string
	FileSHA256    []byte
	FileEncSHA256 []byte
	FileLength    uint64
}

// ImageMessage is a downloadable image.
type ImageMessage struct {
	MediaKeys
	Caption string
	Width   uint32
	Height  uint32
}

// VideoMessage is a downloadable video.
type VideoMessage struct {
	MediaKeys
	Caption string
	Seconds uint32
	GIF     bool
}

// AudioMessage is a downloadable audio clip or voice note.
type AudioMessage struct {
	MediaKeys
	Seconds   uint32
	VoiceNote bool
}

// DocumentMessage is a downloadable document.
type DocumentMessage struct {
	MediaKeys
	Title    string
	FileName string
	Pages    uint32
}

// StickerMessage is a downloadable sticker.
type StickerMessage struct {
	MediaKeys
	Animated bool
}

// ContactMessage is a shared contact card.
type ContactMessage struct {
	DisplayName string
	VCard       string
}

// LocationMessage is a static location pin.
type LocationMessage struct {
	Latitude  float64
	Longitude float64
	Name      string
	Address   string
}

// LiveLocationMessage is a live location share.
type LiveLocationMessage struct {
	Latitude       float64
	Longitude      float64
	SequenceNumber int64
	Caption        string
}

// ReactionMessage reacts to another message.
type ReactionMessage struct {
	Key       *MessageKey
	Text      string
	Timestamp int64
}

// DeviceSentMessage wraps an outgoing message for delivery to our own
// devices so they can mirror it.
type DeviceSentMessage struct {
	DestinationJID string
	Message        *Container
}

// SenderKeyDistributionMessage carries a serialized Signal sender-key
// distribution for a group.
type SenderKeyDistributionMessage struct {
	GroupID string
	Data    []byte
}

// FutureProofMessage wraps an inner container (ephemeral, view-once).
type FutureProofMessage struct {
	Message *Container
}

// OpaqueMessage carries a variant the messaging core routes but does not
// interpret: its original wire kind and serialized body.
type OpaqueMessage struct {
	Kind Kind
	Body []byte
}

// MessageKey identifies a message within a chat.
type MessageKey struct {
	ID          string
	ChatJID     string
	SenderJID   string
	FromMe      bool
	Participant string
}

// ProtocolType discriminates protocol message side effects. Values match
// the wire enum.
type ProtocolType int

const (
	ProtocolRevoke                  ProtocolType = 0
	ProtocolEphemeralSetting        ProtocolType = 3
	ProtocolHistorySyncNotification ProtocolType = 5
	ProtocolAppStateSyncKeyShare    ProtocolType = 6
)

// ProtocolMessage is server machinery embedded in the message stream.
type ProtocolMessage struct {
	Key                 *MessageKey
	Type                ProtocolType
	EphemeralExpiration uint32
	HistorySync         *HistorySyncNotification
	AppStateKeys        *AppStateSyncKeyShare
}

// HistorySyncNotification references a downloadable, deflated HistorySync blob.
type HistorySyncNotification struct {
	FileSHA256    []byte
	FileLength    uint64
	MediaKey      []byte
	FileEncSHA256 []byte
	DirectPath    string
	SyncType      HistorySyncType
}

// AppStateSyncKeyShare delivers new app-state sync keys.
type AppStateSyncKeyShare struct {
	Keys []AppStateSyncKey
}

// AppStateSyncKey is one shared app-state key.
type AppStateSyncKey struct {
	KeyID []byte
	Data  []byte
}
