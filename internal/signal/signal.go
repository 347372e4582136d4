// Package signal scores interactions against asset trigger conditions and
// emits signed, high-confidence signals.
package signal

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"boundary-deception/internal/security/signing"
)

// Threshold is the minimum confidence of an admissible signal.
const Threshold = 0.9

// ambiguousScore is assigned when a constrained trigger dimension is missing
// from the interaction or does not match it.
const ambiguousScore = 0.5

// Signal is an immutable, signed record of a high-confidence interaction.
type Signal struct {
	SignalID        string            `json:"signal_id"`
	InteractionID   string            `json:"interaction_id"`
	AssetID         string            `json:"asset_id"`
	InteractionType string            `json:"interaction_type"`
	ObservedAt      time.Time         `json:"observed_at"`
	ConfidenceScore float64           `json:"confidence_score"`
	Source          string            `json:"source,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`

	ContentHash string `json:"content_hash,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

// Common errors for signal validation.
var (
	ErrBelowThreshold = errors.New("signal: confidence below threshold")
	ErrHashMismatch   = errors.New("signal: content hash mismatch")
	ErrBadSignature   = errors.New("signal: signature verification failed")
)

// canonical returns the signed byte form: the signal without hash and signature.
func (s Signal) canonical() ([]byte, error) {
	s.ContentHash = ""
	s.Signature = ""
	return signing.Canonical(s)
}

// Seal computes the content hash and signature of s.
func (s *Signal) Seal(key ed25519.PrivateKey) error {
	payload, err := s.canonical()
	if err != nil {
		return err
	}
	sig := signing.Sign(payload, key)
	if sig == nil {
		return errors.New("signal: invalid signing key")
	}
	s.ContentHash = signing.Digest(payload).String()
	s.Signature = sig.String()
	return nil
}

// Validate checks that s is admissible: confidence at or above Threshold,
// content hash intact and signature valid under key.
func Validate(s Signal, key ed25519.PublicKey) error {
	if s.ConfidenceScore < Threshold {
		return fmt.Errorf("%w: %.2f", ErrBelowThreshold, s.ConfidenceScore)
	}
	payload, err := s.canonical()
	if err != nil {
		return err
	}
	if signing.Digest(payload).String() != s.ContentHash {
		return ErrHashMismatch
	}
	sig, err := signing.DecodeSignature(s.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !signing.Verify(payload, sig, key) {
		return ErrBadSignature
	}
	return nil
}
