package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	PublicKeySize  = 32
	PrivateKeySize = 32
)

var ErrKeySize = errors.New("crypto: invalid key size")

// KeyPair holds a Curve25519 key pair used for envelope key encapsulation.
type KeyPair struct {
	Public  *[PublicKeySize]byte
	Private *[PrivateKeySize]byte
}

// GenerateKeyPair creates a new X25519 key pair
func GenerateKeyPair() (*KeyPair, error) {
	public, private, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: public, Private: private}, nil
}

// KeyPairFromPrivate rebuilds a key pair from stored private key bytes.
func KeyPairFromPrivate(priv []byte) (*KeyPair, error) {
	if len(priv) != PrivateKeySize {
		return nil, ErrKeySize
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	kp := &KeyPair{Public: new([PublicKeySize]byte), Private: new([PrivateKeySize]byte)}
	copy(kp.Private[:], priv)
	copy(kp.Public[:], pub)
	return kp, nil
}

// PublicKeyFromBytes copies b into a fixed-size public key.
func PublicKeyFromBytes(b []byte) (*[PublicKeySize]byte, error) {
	if len(b) != PublicKeySize {
		return nil, ErrKeySize
	}
	var pub [PublicKeySize]byte
	copy(pub[:], b)
	return &pub, nil
}

// Fingerprint returns a short hex fingerprint of a public key, used as the
// default peer id and in logs.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:10])
}

// Wipe zeroes b. Best effort only.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
