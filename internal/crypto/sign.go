package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

// Scheme names a vow signature algorithm.
type Scheme string

const (
	SchemeEd25519    Scheme = "ed25519"
	SchemeDilithium3 Scheme = "dilithium3"
)

// Signer produces vow signatures. Firmware or hardware-backed keys implement
// this outside the relay.
type Signer interface {
	Scheme() Scheme
	PublicKey() []byte
	Sign(msg []byte) ([]byte, error)
}

type ed25519Signer struct {
	priv ed25519.PrivateKey
}

// GenerateEd25519Signer returns a signer backed by a fresh Ed25519 key.
func GenerateEd25519Signer() (Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &ed25519Signer{priv: priv}, nil
}

// NewEd25519Signer wraps an existing Ed25519 private key.
func NewEd25519Signer(priv ed25519.PrivateKey) (Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrKeySize
	}
	return &ed25519Signer{priv: priv}, nil
}

func (s *ed25519Signer) Scheme() Scheme { return SchemeEd25519 }

func (s *ed25519Signer) PublicKey() []byte {
	return append([]byte(nil), s.priv.Public().(ed25519.PublicKey)...)
}

func (s *ed25519Signer) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, msg), nil
}

type dilithium3Signer struct {
	pub  *mode3.PublicKey
	priv *mode3.PrivateKey
}

// GenerateDilithium3Signer returns a post-quantum signer.
func GenerateDilithium3Signer(rnd io.Reader) (Signer, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	pub, priv, err := mode3.GenerateKey(rnd)
	if err != nil {
		return nil, err
	}
	return &dilithium3Signer{pub: pub, priv: priv}, nil
}

func (s *dilithium3Signer) Scheme() Scheme { return SchemeDilithium3 }

func (s *dilithium3Signer) PublicKey() []byte { return s.pub.Bytes() }

func (s *dilithium3Signer) Sign(msg []byte) ([]byte, error) {
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(s.priv, msg, sig)
	return sig, nil
}

// VerifySignature reports whether sig is a valid signature over msg by pub.
// Malformed keys and signatures yield false.
func VerifySignature(scheme Scheme, pub, msg, sig []byte) bool {
	switch scheme {
	case SchemeEd25519:
		if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
	case SchemeDilithium3:
		if len(pub) != mode3.PublicKeySize || len(sig) != mode3.SignatureSize {
			return false
		}
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(pub); err != nil {
			return false
		}
		return mode3.Verify(&pk, msg, sig)
	default:
		return false
	}
}

// ParseScheme validates a scheme name.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(s) {
	case SchemeEd25519, SchemeDilithium3:
		return Scheme(s), nil
	}
	return "", fmt.Errorf("crypto: unsupported signature scheme %q", s)
}
