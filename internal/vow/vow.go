// Package vow authenticates peers.
//
// A vow is a signed identity claim. The relay hands each connecting peer a
// fresh single-use challenge; the peer signs its id, verification key, seal
// key and that challenge. Verify is a pure check of the signature; the
// ChallengeBook separately decides whether the challenge is still fresh.
package vow

import (
	"encoding/binary"

	"github.com/SWAI-Ltd/sovereign/internal/crypto"
)

const (
	ChallengeSize = 32
	MaxIDSize     = 256
)

var domain = []byte("sovereign/vow/v1")

// Vow is an identity claim presented by a peer.
type Vow struct {
	ClaimedID []byte        `json:"claimed_id"`
	PublicKey []byte        `json:"public_key"`
	Scheme    crypto.Scheme `json:"scheme"`
	SealKey   []byte        `json:"seal_key"`
	Signature []byte        `json:"signature"`
	Challenge []byte        `json:"challenge"`
}

// Message returns the canonical bytes covered by the vow signature.
func Message(v *Vow) []byte {
	n := len(domain) + len(v.ClaimedID) + len(v.Scheme) + len(v.PublicKey) + len(v.SealKey) + len(v.Challenge) + 12
	b := make([]byte, 0, n)
	b = append(b, domain...)
	for _, field := range [][]byte{v.ClaimedID, []byte(v.Scheme), v.PublicKey, v.SealKey, v.Challenge} {
		b = binary.BigEndian.AppendUint16(b, uint16(len(field)))
		b = append(b, field...)
	}
	return b
}

// Sign fills in v.Scheme, v.PublicKey and v.Signature using s.
func Sign(s crypto.Signer, v *Vow) error {
	v.Scheme = s.Scheme()
	v.PublicKey = s.PublicKey()
	sig, err := s.Sign(Message(v))
	if err != nil {
		return err
	}
	v.Signature = sig
	return nil
}

// Verifier checks vow signatures. It holds no state.
type Verifier struct{}

// Verify reports whether v carries a valid signature by v.PublicKey over its
// own claim and challenge. It fails closed on any malformed field.
func (Verifier) Verify(v *Vow) bool {
	if v == nil {
		return false
	}
	if len(v.ClaimedID) == 0 || len(v.ClaimedID) > MaxIDSize {
		return false
	}
	if len(v.Challenge) != ChallengeSize || len(v.SealKey) != crypto.PublicKeySize {
		return false
	}
	return crypto.VerifySignature(v.Scheme, v.PublicKey, Message(v), v.Signature)
}
