package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

// Keys is a node's long-lived identity: an id, the seal key pair and, for
// peers, the vow signer. A relay has no signer.
type Keys struct {
	ID     string
	Seal   *KeyPair
	Signer Signer
}

// keyFile is the on-disk form of Keys. Private material is hex encoded.
type keyFile struct {
	ID          string `json:"id"`
	SealPrivate string `json:"seal_private"`
	SignScheme  Scheme `json:"sign_scheme,omitempty"`
	SignPrivate string `json:"sign_private,omitempty"`
}

// SaveKeyFile writes k to path with 0600 permissions.
func SaveKeyFile(path string, k Keys) error {
	if k.Seal == nil || k.Seal.Private == nil {
		return ErrKeySize
	}
	kf := keyFile{ID: k.ID, SealPrivate: hex.EncodeToString(k.Seal.Private[:])}
	switch s := k.Signer.(type) {
	case nil:
	case *ed25519Signer:
		kf.SignScheme = SchemeEd25519
		kf.SignPrivate = hex.EncodeToString(s.priv.Seed())
	case *dilithium3Signer:
		kf.SignScheme = SchemeDilithium3
		kf.SignPrivate = hex.EncodeToString(s.priv.Bytes())
	default:
		return fmt.Errorf("crypto: signer %T cannot be persisted", k.Signer)
	}
	b, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// LoadKeyFile reads a key file written by SaveKeyFile. A missing id defaults
// to the seal key fingerprint.
func LoadKeyFile(path string) (Keys, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Keys{}, err
	}
	var kf keyFile
	if err := json.Unmarshal(b, &kf); err != nil {
		return Keys{}, fmt.Errorf("key file %s: %w", path, err)
	}
	priv, err := hex.DecodeString(kf.SealPrivate)
	if err != nil {
		return Keys{}, fmt.Errorf("key file %s: seal_private: %w", path, err)
	}
	defer Wipe(priv)
	kp, err := KeyPairFromPrivate(priv)
	if err != nil {
		return Keys{}, fmt.Errorf("key file %s: %w", path, err)
	}
	k := Keys{ID: kf.ID, Seal: kp}
	if k.ID == "" {
		k.ID = Fingerprint(kp.Public[:])
	}
	if kf.SignPrivate != "" {
		if k.Signer, err = decodeSigner(kf.SignScheme, kf.SignPrivate); err != nil {
			return Keys{}, fmt.Errorf("key file %s: %w", path, err)
		}
	}
	return k, nil
}

func decodeSigner(scheme Scheme, encoded string) (Signer, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("sign_private: %w", err)
	}
	switch scheme {
	case SchemeEd25519:
		if len(raw) != ed25519.SeedSize {
			return nil, ErrKeySize
		}
		return NewEd25519Signer(ed25519.NewKeyFromSeed(raw))
	case SchemeDilithium3:
		var sk mode3.PrivateKey
		if err := sk.UnmarshalBinary(raw); err != nil {
			return nil, err
		}
		return &dilithium3Signer{pub: sk.Public().(*mode3.PublicKey), priv: &sk}, nil
	default:
		_, err := ParseScheme(string(scheme))
		return nil, err
	}
}
