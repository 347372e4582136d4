package faults

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// Pattern to match file paths (Linux and Windows)
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+)|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`)

	ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	// Key material and collaborator credentials
	secretPattern = regexp.MustCompile(`(?i)(private[_ ]key|password=|secret=|token=|api[_-]?key=|sasl)`)
)

// ProductionMode determines whether client-facing messages are sanitized.
var ProductionMode = false

// SetProductionMode sets the production mode flag.
func SetProductionMode(production bool) {
	ProductionMode = production
}

// SanitizeString removes paths, addresses and key material hints from s.
// Outside production mode s is returned unchanged.
func SanitizeString(s string) string {
	if !ProductionMode {
		return s
	}

	s = filePathPattern.ReplaceAllStringFunc(s, func(match string) string {
		return filepath.Base(match)
	})

	s = ipPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := strings.Split(match, ".")
		if len(parts) == 4 {
			return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
		}
		return "x.x.x.x"
	})

	if secretPattern.MatchString(s) {
		s = "internal configuration error"
	}

	if strings.Contains(s, "goroutine") || strings.Count(s, "\n") > 3 {
		s = "internal server error - operation failed"
	}

	return s
}

// SanitizeError returns err with a sanitized message in production mode.
func SanitizeError(err error) error {
	if err == nil {
		return nil
	}
	if !ProductionMode {
		return err
	}
	return errors.New(SanitizeString(err.Error()))
}

// SafeMessage returns a client-safe message for err. Taxonomy errors keep
// their kind and asset id; everything else is sanitized.
func SafeMessage(err error) string {
	if err == nil {
		return ""
	}

	var fe *Error
	if errors.As(err, &fe) {
		if !ProductionMode {
			return fe.Error()
		}
		if fe.AssetID != "" {
			return fmt.Sprintf("%s (asset %s)", fe.Kind, fe.AssetID)
		}
		return string(fe.Kind)
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, safe := range []string{"not found", "invalid request", "method not allowed"} {
		if strings.Contains(lower, safe) {
			return msg
		}
	}
	return SanitizeString(msg)
}
