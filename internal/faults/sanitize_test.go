package faults

import (
	"errors"
	"strings"
	"testing"
)

func TestSanitizeError_ProductionMode(t *testing.T) {
	originalMode := ProductionMode
	ProductionMode = true
	defer func() { ProductionMode = originalMode }()

	tests := []struct {
		name        string
		input       error
		contains    string
		notContains string
	}{
		{
			name:        "file path removal",
			input:       errors.New("failed to open /etc/deception/assets/decoy.yaml"),
			contains:    "decoy.yaml",
			notContains: "/etc/deception",
		},
		{
			name:        "IP address masking",
			input:       errors.New("scanner unreachable at 10.20.30.40:9000"),
			contains:    "10.20.x.x",
			notContains: "10.20.30.40",
		},
		{
			name:        "key material",
			input:       errors.New("cannot parse private key"),
			contains:    "internal configuration error",
			notContains: "private key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeError(tt.input).Error()
			if !strings.Contains(got, tt.contains) {
				t.Errorf("expected %q to contain %q", got, tt.contains)
			}
			if strings.Contains(got, tt.notContains) {
				t.Errorf("expected %q to not contain %q", got, tt.notContains)
			}
		})
	}

	if SanitizeError(nil) != nil {
		t.Error("expected nil for nil error")
	}
}

func TestSanitizeError_DevelopmentMode(t *testing.T) {
	originalMode := ProductionMode
	ProductionMode = false
	defer func() { ProductionMode = originalMode }()

	input := errors.New("failed to open /etc/deception/assets/decoy.yaml")
	if got := SanitizeError(input); got.Error() != input.Error() {
		t.Errorf("development mode changed message: %q", got)
	}
}

func TestSafeMessage(t *testing.T) {
	originalMode := ProductionMode
	ProductionMode = true
	defer func() { ProductionMode = originalMode }()

	err := New(KindSafetyInvariantViolation, "deploy", "decoy-1", errors.New("overlap at /srv/prod"))
	if got := SafeMessage(err); got != "SafetyInvariantViolation (asset decoy-1)" {
		t.Errorf("SafeMessage = %q", got)
	}

	if got := SafeMessage(errors.New("asset not found")); got != "asset not found" {
		t.Errorf("SafeMessage passthrough = %q", got)
	}

	if SafeMessage(nil) != "" {
		t.Error("expected empty message for nil")
	}
}
