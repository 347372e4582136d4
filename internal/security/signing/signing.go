// Package signing provides the Ed25519 and SHA-256 primitives used to
// authenticate asset descriptors and outbound signals.
//
// All functions are stateless and safe for concurrent use. Verification
// failures are reported as false, never as a panic or error.
package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Hash is a SHA-256 digest.
type Hash [sha256.Size]byte

// String returns the lowercase hex form of the digest.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Signature is a raw Ed25519 signature.
type Signature []byte

// String returns the standard base64 form of the signature.
func (s Signature) String() string {
	return EncodeSignature(s)
}

// Digest returns the SHA-256 digest of payload.
func Digest(payload []byte) Hash {
	return sha256.Sum256(payload)
}

// ParseHash parses a hex encoded digest.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("hash length %d, want %d", len(b), len(h))
	}
	copy(h[:], b)
	return h, nil
}

// Sign signs payload with key. A malformed key yields a nil signature, which
// never verifies.
func Sign(payload []byte, key ed25519.PrivateKey) Signature {
	if len(key) != ed25519.PrivateKeySize {
		return nil
	}
	return ed25519.Sign(key, payload)
}

// Verify reports whether sig is a valid signature of payload by key.
func Verify(payload []byte, sig Signature, key ed25519.PublicKey) bool {
	if len(key) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(key, payload, sig)
}

// EncodeSignature returns the standard base64 form of sig.
func EncodeSignature(sig Signature) string {
	return base64.StdEncoding.EncodeToString(sig)
}

// DecodeSignature parses a base64 signature.
func DecodeSignature(s string) (Signature, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	return Signature(b), nil
}

// Canonical returns the RFC 8785 canonical JSON encoding of v.
func Canonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}
