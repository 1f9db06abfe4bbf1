// Package envelope implements the relay's wire unit and its sealing.
//
// An Envelope carries a single message sealed for exactly one recipient:
//
//	ephemeral X25519 key  -> EncapsulatedKey
//	X25519(eph, recipient) -> HKDF-SHA256 -> XChaCha20-Poly1305 key
//	AEAD(nonce, Message, ad = SenderID || Nonce || EncapsulatedKey)
//
// The Poly1305 tag is carried separately in AuthTag. Every Seal call draws a
// fresh ephemeral key, so no two envelopes share a key-encapsulation secret
// even when the same message is broadcast to many peers.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	NonceSize           = chacha20poly1305.NonceSizeX
	EncapsulatedKeySize = 32
	TagSize             = chacha20poly1305.Overhead
	MaxSenderIDSize     = 256
)

var (
	ErrMalformed = errors.New("envelope: malformed")
	ErrDecrypt   = errors.New("envelope: decrypt failed")
)

// Envelope is immutable once sealed.
type Envelope struct {
	SenderID        []byte `json:"sender_id"`
	Nonce           []byte `json:"nonce"`
	EncapsulatedKey []byte `json:"encapsulated_key"`
	Ciphertext      []byte `json:"ciphertext"`
	AuthTag         []byte `json:"auth_tag"`
}

// Validate checks field sizes.
func (e *Envelope) Validate() error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: nil envelope", ErrMalformed)
	case len(e.SenderID) == 0 || len(e.SenderID) > MaxSenderIDSize:
		return fmt.Errorf("%w: sender id length %d", ErrMalformed, len(e.SenderID))
	case len(e.Nonce) != NonceSize:
		return fmt.Errorf("%w: nonce length %d", ErrMalformed, len(e.Nonce))
	case len(e.EncapsulatedKey) != EncapsulatedKeySize:
		return fmt.Errorf("%w: encapsulated key length %d", ErrMalformed, len(e.EncapsulatedKey))
	case len(e.AuthTag) != TagSize:
		return fmt.Errorf("%w: auth tag length %d", ErrMalformed, len(e.AuthTag))
	}
	return nil
}

// ReplayKey identifies the envelope for replay detection.
func (e *Envelope) ReplayKey() string {
	return string(e.SenderID) + "\x00" + string(e.Nonce)
}

// Marshal encodes env for the wire.
func Marshal(env *Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Unmarshal decodes and validates an envelope.
func Unmarshal(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// DecryptError is returned by Open. The envelope should simply be dropped.
type DecryptError struct {
	Reason string
	Err    error
}

func (e *DecryptError) Error() string {
	if e.Err != nil {
		return "envelope: decrypt failed: " + e.Reason + ": " + e.Err.Error()
	}
	return "envelope: decrypt failed: " + e.Reason
}

func (e *DecryptError) Unwrap() error { return e.Err }

func (e *DecryptError) Is(target error) bool { return target == ErrDecrypt }

func decryptErr(reason string, err error) error {
	return &DecryptError{Reason: reason, Err: err}
}
