// Package wajid implements WhatsApp JID parsing and formatting.
//
// A JID identifies a user, group, or broadcast list as user[:device]@server.
// The device part only appears on multi-device user JIDs.
package wajid

import (
	"fmt"
	"strconv"
	"strings"
)

// Server is the host part of a JID.
type Server string

const (
	// ServerUser is the legacy user server.
	ServerUser Server = "c.us"
	// ServerWhatsapp is the multi-device user server.
	ServerWhatsapp Server = "s.whatsapp.net"
	// ServerGroup hosts group JIDs.
	ServerGroup Server = "g.us"
	// ServerBroadcast hosts broadcast lists and the status account.
	ServerBroadcast Server = "broadcast"
)

// Type classifies a JID by what it addresses.
type Type int

const (
	TypeUser Type = iota
	TypeGroup
	TypeStatus
	TypeBroadcast
	TypeUnknown
)

// JID is a structured WhatsApp identity.
type JID struct {
	User   string
	Device uint32
	Server Server
}

// StatusAccount is the well-known JID that status updates are addressed to.
var StatusAccount = JID{User: "status", Server: ServerBroadcast}

// New returns a user JID on the multi-device server.
func New(user string) JID {
	return JID{User: user, Server: ServerWhatsapp}
}

// NewDevice returns a device JID for the given user and device ID.
func NewDevice(user string, device uint32) JID {
	return JID{User: user, Device: device, Server: ServerWhatsapp}
}

// NewGroup returns a group JID.
func NewGroup(id string) JID {
	return JID{User: id, Server: ServerGroup}
}

// Parse parses a JID of the form user[:device]@server.
func Parse(raw string) (JID, error) {
	at := strings.IndexByte(raw, '@')
	if at < 0 {
		return JID{}, fmt.Errorf("wajid: missing server in %q", raw)
	}
	local, server := raw[:at], Server(raw[at+1:])
	if server == "" {
		return JID{}, fmt.Errorf("wajid: empty server in %q", raw)
	}

	jid := JID{Server: server}
	if colon := strings.IndexByte(local, ':'); colon >= 0 {
		dev, err := strconv.ParseUint(local[colon+1:], 10, 32)
		if err != nil {
			return JID{}, fmt.Errorf("wajid: bad device in %q: %w", raw, err)
		}
		jid.User = local[:colon]
		jid.Device = uint32(dev)
	} else {
		jid.User = local
	}
	return jid, nil
}

// String formats the JID as user[:device]@server.
func (j JID) String() string {
	if j.Device != 0 {
		return j.User + ":" + strconv.FormatUint(uint64(j.Device), 10) + "@" + string(j.Server)
	}
	if j.User == "" {
		return string(j.Server)
	}
	return j.User + "@" + string(j.Server)
}

// Type returns what kind of entity the JID addresses.
func (j JID) Type() Type {
	switch j.Server {
	case ServerGroup:
		return TypeGroup
	case ServerBroadcast:
		if j.User == "status" {
			return TypeStatus
		}
		return TypeBroadcast
	case ServerUser, ServerWhatsapp:
		return TypeUser
	default:
		return TypeUnknown
	}
}

// IsZero reports whether the JID is unset.
func (j JID) IsZero() bool {
	return j.User == "" && j.Server == ""
}

// ToUserJID strips the device part.
func (j JID) ToUserJID() JID {
	return JID{User: j.User, Server: j.Server}
}

// SignalAddress is the (name, deviceID) pair that keys Signal session state.
type SignalAddress struct {
	Name     string
	DeviceID uint32
}

// String renders the address as name.deviceID, the form used for store keys.
func (a SignalAddress) String() string {
	return a.Name + "." + strconv.FormatUint(uint64(a.DeviceID), 10)
}

// ToSignalAddress maps the JID to the address used to key session state.
func (j JID) ToSignalAddress() SignalAddress {
	return SignalAddress{Name: j.User, DeviceID: j.Device}
}
