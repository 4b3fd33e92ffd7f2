package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// KeyPairFromSeed derives an Ed25519 keypair from a 32-byte seed.
func KeyPairFromSeed(seed []byte) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, nil, ErrInvalidSeedSize
	}
	privateKey := ed25519.NewKeyFromSeed(seed)
	publicKey := privateKey.Public().(ed25519.PublicKey)
	return privateKey, publicKey, nil
}

// KeySigner signs checkpoint digests with a fixed Ed25519 key.
type KeySigner struct {
	keyID string
	priv  ed25519.PrivateKey
}

func NewKeySigner(keyID string, priv ed25519.PrivateKey) *KeySigner {
	return &KeySigner{keyID: keyID, priv: priv}
}

func (s *KeySigner) KeyID() string {
	return s.keyID
}

func (s *KeySigner) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

func (s *KeySigner) SignEd25519(digest []byte) ([]byte, error) {
	return SignEd25519(s.priv, digest)
}

// LoadKeySigner reads an operator key file holding a 32-byte seed or a
// 64-byte private key, raw or prefixed with "hex:" / "base64:".
func LoadKeySigner(keyID, path string) (*KeySigner, error) {
	// #nosec G304 -- path is operator-configured.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data, err := decodeKeyBytes(raw)
	if err != nil {
		return nil, err
	}
	switch len(data) {
	case ed25519.PrivateKeySize:
		return NewKeySigner(keyID, ed25519.PrivateKey(data)), nil
	case ed25519.SeedSize:
		return NewKeySigner(keyID, ed25519.NewKeyFromSeed(data)), nil
	default:
		return nil, fmt.Errorf("unsupported private key length: %d", len(data))
	}
}

func decodeKeyBytes(raw []byte) ([]byte, error) {
	if len(raw) == ed25519.PrivateKeySize || len(raw) == ed25519.SeedSize {
		return raw, nil
	}
	trim := strings.TrimSpace(string(raw))
	switch {
	case trim == "":
		return nil, ErrEmptyKeyFile
	case strings.HasPrefix(trim, "base64:"):
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(trim, "base64:"))
	case strings.HasPrefix(trim, "hex:"):
		return hex.DecodeString(strings.TrimPrefix(trim, "hex:"))
	}
	if out, err := hex.DecodeString(trim); err == nil {
		return out, nil
	}
	if out, err := base64.StdEncoding.DecodeString(trim); err == nil {
		return out, nil
	}
	return nil, fmt.Errorf("unrecognized key encoding")
}
