package relay

import (
	"encoding/hex"
	"errors"
	"unicode"
	"unicode/utf8"
)

// Kind classifies why a frame was dropped. None of them is fatal.
type Kind string

const (
	KindMalformed    Kind = "malformed"
	KindVerification Kind = "verification"
	KindUntrusted    Kind = "untrusted"
	KindDecrypt      Kind = "decrypt"
	KindReplay       Kind = "replay"
	KindRateLimited  Kind = "ratelimited"
)

var (
	ErrCryptoUnavailable = errors.New("relay: cryptographic self-test failed")
	ErrMissingKeys       = errors.New("relay: missing relay identity or keys")

	errBadSignature    = errors.New("vow signature invalid")
	errAddressMismatch = errors.New("sender is verified at a different transport address")
	errSenderMismatch  = errors.New("vow id does not match envelope sender")
	errReservedID      = errors.New("peer claims the relay's own id")
	errUnexpectedFrame = errors.New("unexpected frame type from peer")
	errNotVerified     = errors.New("sender is not verified")
	errReplayed        = errors.New("envelope nonce already seen")
	errRateLimited     = errors.New("transport address over frame rate")
)

// Error describes a dropped frame.
type Error struct {
	Kind  Kind
	Peer  []byte
	Addr  string
	Cause error
}

func (e *Error) Error() string {
	msg := "relay: dropped " + string(e.Kind) + " frame from " + e.Addr
	if len(e.Peer) > 0 {
		msg += " (peer " + label(e.Peer) + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

func dropErr(kind Kind, peer []byte, addr string, cause error) *Error {
	return &Error{Kind: kind, Peer: peer, Addr: addr, Cause: cause}
}

// label renders an opaque peer id for logs.
func label(id []byte) string {
	if utf8.Valid(id) {
		printable := true
		for _, r := range string(id) {
			if !unicode.IsPrint(r) {
				printable = false
				break
			}
		}
		if printable {
			return string(id)
		}
	}
	return hex.EncodeToString(id)
}
