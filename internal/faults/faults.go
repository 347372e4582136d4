// Package faults defines the error taxonomy shared by the deception components.
package faults

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure.
type Kind string

const (
	KindSchemaInvalid            Kind = "SchemaInvalid"
	KindInvalidSignature         Kind = "InvalidSignature"
	KindDisallowedAssetType      Kind = "DisallowedAssetType"
	KindProductionOverlap        Kind = "ProductionOverlap"
	KindDeploymentConflict       Kind = "DeploymentConflict"
	KindSafetyInvariantViolation Kind = "SafetyInvariantViolation"
	KindLowConfidenceInteraction Kind = "LowConfidenceInteraction"
	KindUnmappedInteraction      Kind = "UnmappedInteraction"
	KindTeardownStepFailed       Kind = "TeardownStepFailed"
	KindProvisionFailed          Kind = "ProvisionFailed"
)

// Sentinel errors, one per Kind.
var (
	ErrSchemaInvalid            = errors.New("descriptor schema invalid")
	ErrInvalidSignature         = errors.New("invalid signature")
	ErrDisallowedAssetType      = errors.New("disallowed asset type")
	ErrProductionOverlap        = errors.New("production overlap")
	ErrDeploymentConflict       = errors.New("deployment conflict")
	ErrSafetyInvariantViolation = errors.New("safety invariant violation")
	ErrLowConfidenceInteraction = errors.New("low confidence interaction")
	ErrUnmappedInteraction      = errors.New("unmapped interaction")
	ErrTeardownStepFailed       = errors.New("teardown step failed")
	ErrProvisionFailed          = errors.New("provision failed")
)

var sentinels = map[Kind]error{
	KindSchemaInvalid:            ErrSchemaInvalid,
	KindInvalidSignature:         ErrInvalidSignature,
	KindDisallowedAssetType:      ErrDisallowedAssetType,
	KindProductionOverlap:        ErrProductionOverlap,
	KindDeploymentConflict:       ErrDeploymentConflict,
	KindSafetyInvariantViolation: ErrSafetyInvariantViolation,
	KindLowConfidenceInteraction: ErrLowConfidenceInteraction,
	KindUnmappedInteraction:      ErrUnmappedInteraction,
	KindTeardownStepFailed:       ErrTeardownStepFailed,
	KindProvisionFailed:          ErrProvisionFailed,
}

// Sentinel returns the sentinel error for k, or nil for an unknown kind.
func (k Kind) Sentinel() error {
	return sentinels[k]
}

// Error wraps a failure with its kind and the asset it concerns.
type Error struct {
	Kind    Kind
	Op      string // Operation that failed (e.g., "registry.Load", "deploy.Deploy")
	AssetID string
	Err     error
}

// Error returns the error message.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.AssetID != "" {
		msg += fmt.Sprintf(" (asset %s)", e.AssetID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of this error's kind.
func (e *Error) Is(target error) bool {
	s := sentinels[e.Kind]
	return s != nil && target == s
}

// New creates an Error of the given kind.
func New(kind Kind, op, assetID string, err error) *Error {
	return &Error{Kind: kind, Op: op, AssetID: assetID, Err: err}
}

// Newf creates an Error of the given kind with a formatted cause.
func Newf(kind Kind, op, assetID, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, AssetID: assetID, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, or "" when err carries no kind.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	for k, s := range sentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return ""
}

// IsSafetyViolation checks if the error is a safety invariant violation.
func IsSafetyViolation(err error) bool {
	return errors.Is(err, ErrSafetyInvariantViolation)
}

// IsConflict checks if the error is an informational deployment conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDeploymentConflict)
}
