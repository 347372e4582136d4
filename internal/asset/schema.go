package asset

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"boundary-deception/internal/faults"
)

// assetIDPattern restricts asset ids to lowercase slugs so that they are safe
// as file names, Kafka keys and Redis key segments.
var assetIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Schema validates descriptors against the fixed descriptor schema.
type Schema struct {
	validate *validator.Validate
}

// NewSchema creates a new Schema.
func NewSchema() *Schema {
	v := validator.New()

	v.RegisterValidation("asset_id", func(fl validator.FieldLevel) bool {
		return assetIDPattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("teardown_action", func(fl validator.FieldLevel) bool {
		return Action(fl.Field().String()).Valid()
	})

	return &Schema{validate: v}
}

// Validate checks structural and per-type constraints. The asset type itself
// is checked against the allow-list separately; an unknown type is not a
// schema error.
func (s *Schema) Validate(d *Descriptor) error {
	const op = "asset.Validate"

	if d == nil {
		return faults.Newf(faults.KindSchemaInvalid, op, "", "nil descriptor")
	}
	if d.AssetType == "" {
		return faults.Newf(faults.KindSchemaInvalid, op, d.AssetID, "asset_type is required")
	}
	if err := s.validate.Struct(d); err != nil {
		return faults.New(faults.KindSchemaInvalid, op, d.AssetID, fmt.Errorf("validation failed: %w", err))
	}
	if d.MaxLifetime != nil && d.MaxLifetime.Duration < 0 {
		return faults.Newf(faults.KindSchemaInvalid, op, d.AssetID, "max_lifetime must not be negative")
	}

	if err := validateFootprint(d); err != nil {
		return faults.New(faults.KindSchemaInvalid, op, d.AssetID, err)
	}
	for i, step := range d.TeardownProcedure.Steps {
		if !SupportsAction(d.AssetType, step.Action) {
			return faults.Newf(faults.KindSchemaInvalid, op, d.AssetID,
				"teardown step %d: action %s does not apply to %s", i+1, step.Action, d.AssetType)
		}
	}
	return nil
}

// SupportsAction reports whether a teardown action applies to assets of type t.
func SupportsAction(t Type, a Action) bool {
	switch t {
	case TypeDecoyHost, TypeDecoyService:
		return a == ActionStopService || a == ActionRemoveListener
	case TypeCredentialLure:
		return a == ActionRemoveCredential || a == ActionDeleteFile
	case TypeFilesystemLure:
		return a == ActionDeleteFile
	default:
		return false
	}
}

func validateFootprint(d *Descriptor) error {
	fp := d.Footprint
	switch d.AssetType {
	case TypeDecoyHost, TypeDecoyService:
		if fp.Protocol == "" {
			return fmt.Errorf("footprint.protocol is required for %s", d.AssetType)
		}
		if len(fp.Ports) == 0 {
			return fmt.Errorf("footprint.ports is required for %s", d.AssetType)
		}
	case TypeCredentialLure:
		if fp.Principal == "" {
			return fmt.Errorf("footprint.principal is required for %s", d.AssetType)
		}
		if err := validateLurePath(fp.Path); err != nil {
			return err
		}
	case TypeFilesystemLure:
		if err := validateLurePath(fp.Path); err != nil {
			return err
		}
	default:
		// Disallowed types are reported by the allow-list check.
	}
	return nil
}

// validateLurePath requires a relative path that stays inside the lure root.
func validateLurePath(p string) error {
	if p == "" {
		return fmt.Errorf("footprint.path is required for lures")
	}
	if filepath.IsAbs(p) {
		return fmt.Errorf("footprint.path must be relative to the lure root")
	}
	clean := filepath.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("footprint.path escapes the lure root")
	}
	return nil
}
