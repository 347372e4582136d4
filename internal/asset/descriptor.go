package asset

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"boundary-deception/internal/faults"
	"boundary-deception/internal/security/signing"
)

// Descriptor is the signed declaration of one deception asset.
type Descriptor struct {
	AssetID           string            `yaml:"asset_id" json:"asset_id" validate:"required,max=128,asset_id"`
	AssetType         Type              `yaml:"asset_type" json:"asset_type"`
	Scope             Scope             `yaml:"deployment_scope" json:"deployment_scope" validate:"required,oneof=network host identity"`
	Visibility        Visibility        `yaml:"visibility" json:"visibility" validate:"required,oneof=low medium high"`
	Footprint         Footprint         `yaml:"footprint" json:"footprint"`
	TriggerConditions TriggerConditions `yaml:"trigger_conditions" json:"trigger_conditions"`
	TeardownProcedure TeardownProcedure `yaml:"teardown_procedure" json:"teardown_procedure"`
	MaxLifetime       *Duration         `yaml:"max_lifetime,omitempty" json:"max_lifetime,omitempty"`
	Metadata          Metadata          `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	SignatureHash string `yaml:"signature_hash,omitempty" json:"signature_hash,omitempty"`
	Signature     string `yaml:"signature,omitempty" json:"signature,omitempty"`
}

// Footprint is the network, host or identity surface an asset claims.
type Footprint struct {
	Address   string   `yaml:"address,omitempty" json:"address,omitempty" validate:"omitempty,ip"`
	Ports     []int    `yaml:"ports,omitempty" json:"ports,omitempty" validate:"omitempty,dive,min=1,max=65535"`
	Protocol  Protocol `yaml:"protocol,omitempty" json:"protocol,omitempty" validate:"omitempty,oneof=tcp dtls ssh"`
	Path      string   `yaml:"path,omitempty" json:"path,omitempty" validate:"max=1024"`
	Principal string   `yaml:"principal,omitempty" json:"principal,omitempty" validate:"max=256"`
}

// TriggerConditions declares which interactions count as a hit.
type TriggerConditions struct {
	InteractionTypes []string `yaml:"interaction_types" json:"interaction_types" validate:"required,min=1,dive,required,max=128"`
	Ports            []int    `yaml:"ports,omitempty" json:"ports,omitempty" validate:"omitempty,dive,min=1,max=65535"`
	Paths            []string `yaml:"paths,omitempty" json:"paths,omitempty"`
	Principals       []string `yaml:"principals,omitempty" json:"principals,omitempty"`
	MinConfidence    float64  `yaml:"min_confidence,omitempty" json:"min_confidence,omitempty" validate:"omitempty,min=0.9,max=1"`
}

// Matches reports whether interactionType is in the trigger vocabulary.
func (tc TriggerConditions) Matches(interactionType string) bool {
	for _, it := range tc.InteractionTypes {
		if it == interactionType {
			return true
		}
	}
	return false
}

// TeardownProcedure is the ordered list of steps that removes an asset.
type TeardownProcedure struct {
	Steps []Step `yaml:"steps" json:"steps" validate:"required,min=1,dive"`
}

// Step is one teardown action.
type Step struct {
	Action     Action            `yaml:"action" json:"action" validate:"required,teardown_action"`
	Parameters map[string]string `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// Metadata carries descriptive, non-behavioral fields.
type Metadata struct {
	Description string   `yaml:"description,omitempty" json:"description,omitempty" validate:"max=2048"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// HasLifetime reports whether the asset expires on its own.
func (d *Descriptor) HasLifetime() bool {
	return d.MaxLifetime != nil && d.MaxLifetime.Duration > 0
}

// Canonical returns the canonical byte form of d with the signature fields
// omitted. This is the payload that is hashed and signed.
func (d *Descriptor) Canonical() ([]byte, error) {
	body := *d
	body.Signature = ""
	body.SignatureHash = ""
	return signing.Canonical(body)
}

// Sign computes signature_hash and signature for d with key.
func (d *Descriptor) Sign(key ed25519.PrivateKey) error {
	payload, err := d.Canonical()
	if err != nil {
		return fmt.Errorf("canonical form: %w", err)
	}
	sig := signing.Sign(payload, key)
	if sig == nil {
		return errors.New("invalid signing key")
	}
	d.SignatureHash = signing.Digest(payload).String()
	d.Signature = sig.String()
	return nil
}

// Verify checks the signature_hash and signature of d against key.
// Any mismatch or malformed field yields an InvalidSignature error.
func (d *Descriptor) Verify(key ed25519.PublicKey) error {
	const op = "asset.Verify"

	payload, err := d.Canonical()
	if err != nil {
		return faults.New(faults.KindInvalidSignature, op, d.AssetID, err)
	}
	if d.SignatureHash == "" || d.Signature == "" {
		return faults.Newf(faults.KindInvalidSignature, op, d.AssetID, "descriptor is unsigned")
	}
	if signing.Digest(payload).String() != strings.ToLower(d.SignatureHash) {
		return faults.Newf(faults.KindInvalidSignature, op, d.AssetID, "signature_hash does not match content")
	}
	sig, err := signing.DecodeSignature(d.Signature)
	if err != nil {
		return faults.New(faults.KindInvalidSignature, op, d.AssetID, err)
	}
	if !signing.Verify(payload, sig, key) {
		return faults.Newf(faults.KindInvalidSignature, op, d.AssetID, "signature verification failed")
	}
	return nil
}

// Parse decodes a descriptor. Unknown fields are rejected. The file name
// selects JSON for ".json" and YAML otherwise.
func Parse(name string, data []byte) (*Descriptor, error) {
	var d Descriptor
	if strings.EqualFold(filepath.Ext(name), ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&d); err != nil {
			return nil, faults.New(faults.KindSchemaInvalid, "asset.Parse", "", err)
		}
		return &d, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty descriptor")
		}
		return nil, faults.New(faults.KindSchemaInvalid, "asset.Parse", "", err)
	}
	return &d, nil
}

// Marshal encodes d as YAML.
func Marshal(d *Descriptor) ([]byte, error) {
	return yaml.Marshal(d)
}

// IsDescriptorFile reports whether name has a descriptor file extension.
func IsDescriptorFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}
