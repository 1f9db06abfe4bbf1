package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/SWAI-Ltd/sovereign/internal/crypto"
)

var kdfInfo = []byte("sovereign/envelope/v1")

// Codec seals and opens envelopes. A Codec is safe for concurrent use; its
// nonce counter is shared by every Seal call made through it.
type Codec struct {
	rand    io.Reader
	counter atomic.Uint64
}

// NewCodec returns a codec drawing randomness from crypto/rand.
func NewCodec() *Codec {
	return &Codec{rand: rand.Reader}
}

// Seal encrypts msg for the holder of recipient's private key.
func (c *Codec) Seal(senderID []byte, msg Message, recipient *[crypto.PublicKeySize]byte) (*Envelope, error) {
	if len(senderID) == 0 || len(senderID) > MaxSenderIDSize {
		return nil, fmt.Errorf("%w: sender id length %d", ErrMalformed, len(senderID))
	}
	if recipient == nil {
		return nil, crypto.ErrKeySize
	}

	var eph [32]byte
	if _, err := io.ReadFull(c.rand, eph[:]); err != nil {
		return nil, err
	}
	defer crypto.Wipe(eph[:])

	ephPub, err := curve25519.X25519(eph[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(eph[:], recipient[:])
	if err != nil {
		return nil, fmt.Errorf("envelope: encapsulate: %w", err)
	}
	key, err := deriveKey(shared, ephPub, recipient[:])
	crypto.Wipe(shared)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(key)

	nonce, err := c.nextNonce()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	sender := append([]byte(nil), senderID...)
	sealed := aead.Seal(nil, nonce, MarshalMessage(msg), associatedData(sender, nonce, ephPub))
	split := len(sealed) - TagSize

	return &Envelope{
		SenderID:        sender,
		Nonce:           nonce,
		EncapsulatedKey: ephPub,
		Ciphertext:      sealed[:split:split],
		AuthTag:         sealed[split:],
	}, nil
}

// Open authenticates and decrypts env with the recipient's key pair. All
// failures are *DecryptError.
func (c *Codec) Open(env *Envelope, recipient *crypto.KeyPair) (Message, error) {
	if err := env.Validate(); err != nil {
		return Message{}, decryptErr("malformed envelope", err)
	}
	if recipient == nil || recipient.Private == nil || recipient.Public == nil {
		return Message{}, decryptErr("missing recipient key", crypto.ErrKeySize)
	}
	shared, err := curve25519.X25519(recipient.Private[:], env.EncapsulatedKey)
	if err != nil {
		return Message{}, decryptErr("decapsulation", err)
	}
	key, err := deriveKey(shared, env.EncapsulatedKey, recipient.Public[:])
	crypto.Wipe(shared)
	if err != nil {
		return Message{}, decryptErr("key derivation", err)
	}
	defer crypto.Wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return Message{}, decryptErr("cipher", err)
	}
	sealed := make([]byte, 0, len(env.Ciphertext)+TagSize)
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.AuthTag...)
	plain, err := aead.Open(nil, env.Nonce, sealed, associatedData(env.SenderID, env.Nonce, env.EncapsulatedKey))
	if err != nil {
		return Message{}, decryptErr("authentication", err)
	}
	msg, err := UnmarshalMessage(plain)
	crypto.Wipe(plain)
	if err != nil {
		return Message{}, decryptErr("plaintext", err)
	}
	return msg, nil
}

// nextNonce returns counter (8 bytes, big-endian) || 16 random bytes.
func (c *Codec) nextNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	binary.BigEndian.PutUint64(nonce[:8], c.counter.Add(1))
	if _, err := io.ReadFull(c.rand, nonce[8:]); err != nil {
		return nil, err
	}
	return nonce, nil
}

func deriveKey(shared, encapsulated, recipient []byte) ([]byte, error) {
	salt := make([]byte, 0, len(encapsulated)+len(recipient))
	salt = append(salt, encapsulated...)
	salt = append(salt, recipient...)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, kdfInfo), key); err != nil {
		return nil, err
	}
	return key, nil
}

func associatedData(senderID, nonce, encapsulated []byte) []byte {
	ad := make([]byte, 0, 2+len(senderID)+len(nonce)+len(encapsulated))
	ad = binary.BigEndian.AppendUint16(ad, uint16(len(senderID)))
	ad = append(ad, senderID...)
	ad = append(ad, nonce...)
	ad = append(ad, encapsulated...)
	return ad
}
