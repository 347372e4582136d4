// Package asset defines deception asset descriptors, their closed variant
// sets, schema validation and signing.
package asset

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Type is the closed set of deployable asset kinds.
type Type string

const (
	TypeDecoyHost      Type = "decoy_host"
	TypeDecoyService   Type = "decoy_service"
	TypeCredentialLure Type = "credential_lure"
	TypeFilesystemLure Type = "filesystem_lure"
)

// AllowedTypes lists every deployable asset type.
var AllowedTypes = []Type{TypeDecoyHost, TypeDecoyService, TypeCredentialLure, TypeFilesystemLure}

// forbiddenTypes are capabilities that would touch production traffic.
// They are rejected like any unknown type but logged as scope-creep attempts.
var forbiddenTypes = map[Type]bool{
	"traffic_interceptor": true,
	"proxy_service":       true,
	"production_mirror":   true,
}

// Valid reports whether t is in the allow-list.
func (t Type) Valid() bool {
	switch t {
	case TypeDecoyHost, TypeDecoyService, TypeCredentialLure, TypeFilesystemLure:
		return true
	default:
		return false
	}
}

// Forbidden reports whether t is a known production-touching capability.
func (t Type) Forbidden() bool {
	return forbiddenTypes[t]
}

// IsLure reports whether t is deployed as a file rather than a listener.
func (t Type) IsLure() bool {
	return t == TypeCredentialLure || t == TypeFilesystemLure
}

// Scope is where an asset is deployed.
type Scope string

const (
	ScopeNetwork  Scope = "network"
	ScopeHost     Scope = "host"
	ScopeIdentity Scope = "identity"
)

// Visibility is how discoverable an asset is meant to be.
type Visibility string

const (
	VisibilityLow    Visibility = "low"
	VisibilityMedium Visibility = "medium"
	VisibilityHigh   Visibility = "high"
)

// Protocol selects the sandbox runtime of a decoy host or service.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolDTLS Protocol = "dtls"
	ProtocolSSH  Protocol = "ssh"
)

// Action is the closed set of teardown step actions.
type Action string

const (
	ActionStopService      Action = "stop_service"
	ActionRemoveListener   Action = "remove_listener"
	ActionDeleteFile       Action = "delete_file"
	ActionRemoveCredential Action = "remove_credential"
)

// Valid reports whether a is a known teardown action.
func (a Action) Valid() bool {
	switch a {
	case ActionStopService, ActionRemoveListener, ActionDeleteFile, ActionRemoveCredential:
		return true
	default:
		return false
	}
}

// Duration is a time.Duration that decodes from "90s"-style strings or from
// integer seconds, and encodes as a duration string.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		var secs int64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		d.Duration = time.Duration(secs) * time.Second
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var secs int64
	if err := json.Unmarshal(b, &secs); err == nil {
		d.Duration = time.Duration(secs) * time.Second
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("invalid duration: %s", b)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
