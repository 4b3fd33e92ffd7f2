package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const digestPrefix = "sha256:"

// DigestBytes returns the raw SHA-256 digest bytes.
func DigestBytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// DigestWithPrefix returns the SHA-256 digest as "sha256:<hex>".
func DigestWithPrefix(data []byte) string {
	sum := sha256.Sum256(data)
	return digestPrefix + hex.EncodeToString(sum[:])
}

// CanonicalDigest canonicalizes v and returns both the canonical bytes and
// their prefixed digest.
func CanonicalDigest(v any) ([]byte, string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return nil, "", err
	}
	return canonical, DigestWithPrefix(canonical), nil
}

// ParseDigest strips the "sha256:" prefix and decodes the hex body.
func ParseDigest(digest string) ([]byte, bool) {
	if !strings.HasPrefix(digest, digestPrefix) {
		return nil, false
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(digest, digestPrefix))
	if err != nil || len(raw) != sha256.Size {
		return nil, false
	}
	return raw, true
}

func SignEd25519(privateKey ed25519.PrivateKey, digest []byte) ([]byte, error) {
	if len(digest) != sha256.Size {
		return nil, ErrInvalidDigestLen
	}
	return ed25519.Sign(privateKey, digest), nil
}

func VerifyEd25519(publicKey ed25519.PublicKey, digest, sig []byte) (bool, error) {
	if len(digest) != sha256.Size {
		return false, ErrInvalidDigestLen
	}
	return ed25519.Verify(publicKey, digest, sig), nil
}
