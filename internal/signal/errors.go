package signal

import "errors"

// Error kinds surfaced by the session and group ciphers. Callers match these
// with errors.Is; wrapped messages carry the address or key id involved.
var (
	ErrBadMac            = errors.New("signal: bad mac")
	ErrInvalidKey        = errors.New("signal: invalid key")
	ErrInvalidSignature  = errors.New("signal: invalid signature")
	ErrUntrustedIdentity = errors.New("signal: untrusted identity")
	ErrNoSuchPreKey      = errors.New("signal: no such pre-key")
	ErrNoSession         = errors.New("signal: no session")
	ErrNoSenderKey       = errors.New("signal: no sender key state")
	ErrDuplicateMessage  = errors.New("signal: duplicate message")
	ErrOutOfBounds       = errors.New("signal: counter too far ahead")
	ErrUnsupportedType   = errors.New("signal: unsupported message type")
)
