package asset

import (
	"errors"
	"testing"
	"time"

	"boundary-deception/internal/faults"
	"boundary-deception/internal/security/signing"
)

const sampleYAML = `
asset_id: decoy-ssh-01
asset_type: decoy_service
deployment_scope: network
visibility: medium
footprint:
  address: 10.50.0.10
  ports: [2222]
  protocol: ssh
trigger_conditions:
  interaction_types: [ssh_login_attempt, port_probe]
  ports: [2222]
teardown_procedure:
  steps:
    - action: remove_listener
    - action: stop_service
max_lifetime: 24h
metadata:
  description: fake jump host
  tags: [dmz]
`

func TestParse_YAML(t *testing.T) {
	d, err := Parse("decoy.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.AssetID != "decoy-ssh-01" {
		t.Errorf("AssetID = %q", d.AssetID)
	}
	if d.AssetType != TypeDecoyService {
		t.Errorf("AssetType = %q", d.AssetType)
	}
	if !d.HasLifetime() || d.MaxLifetime.Duration != 24*time.Hour {
		t.Errorf("MaxLifetime = %v", d.MaxLifetime)
	}
	if len(d.TeardownProcedure.Steps) != 2 || d.TeardownProcedure.Steps[0].Action != ActionRemoveListener {
		t.Errorf("Steps = %+v", d.TeardownProcedure.Steps)
	}
}

func TestParse_Strict(t *testing.T) {
	_, err := Parse("decoy.yml", []byte(sampleYAML+"\nforward_to: 10.0.0.1\n"))
	if !errors.Is(err, faults.ErrSchemaInvalid) {
		t.Errorf("expected SchemaInvalid for unknown field, got %v", err)
	}

	_, err = Parse("decoy.json", []byte(`{"asset_id":"a","proxy":true}`))
	if !errors.Is(err, faults.ErrSchemaInvalid) {
		t.Errorf("expected SchemaInvalid for unknown JSON field, got %v", err)
	}

	_, err = Parse("empty.yaml", nil)
	if !errors.Is(err, faults.ErrSchemaInvalid) {
		t.Errorf("expected SchemaInvalid for empty file, got %v", err)
	}
}

func TestDuration_IntegerSeconds(t *testing.T) {
	d, err := Parse("x.yaml", []byte("max_lifetime: 60\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.MaxLifetime.Duration != 60*time.Second {
		t.Errorf("MaxLifetime = %v, want 60s", d.MaxLifetime.Duration)
	}

	j, err := Parse("x.json", []byte(`{"max_lifetime":"90s"}`))
	if err != nil {
		t.Fatalf("Parse json: %v", err)
	}
	if j.MaxLifetime.Duration != 90*time.Second {
		t.Errorf("MaxLifetime = %v, want 90s", j.MaxLifetime.Duration)
	}
}

func TestSignVerify(t *testing.T) {
	pub, priv, _ := signing.GenerateKeyPair()
	d, _ := Parse("decoy.yaml", []byte(sampleYAML))

	if err := d.Verify(pub); !errors.Is(err, faults.ErrInvalidSignature) {
		t.Errorf("unsigned descriptor: expected InvalidSignature, got %v", err)
	}

	if err := d.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := d.Verify(pub); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// Signatures survive a YAML round trip.
	out, err := Marshal(d)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	again, err := Parse("again.yaml", out)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := again.Verify(pub); err != nil {
		t.Errorf("Verify after round trip: %v", err)
	}
}

func TestVerify_Tampered(t *testing.T) {
	pub, priv, _ := signing.GenerateKeyPair()
	otherPub, _, _ := signing.GenerateKeyPair()

	tests := []struct {
		name   string
		mutate func(d *Descriptor)
		key    func() []byte
	}{
		{"content changed", func(d *Descriptor) { d.Footprint.Ports = []int{22} }, nil},
		{"hash rewritten", func(d *Descriptor) {
			d.Visibility = VisibilityHigh
			payload, _ := d.Canonical()
			d.SignatureHash = signing.Digest(payload).String()
		}, nil},
		{"garbage signature", func(d *Descriptor) { d.Signature = "!!!" }, nil},
		{"wrong key", func(d *Descriptor) {}, func() []byte { return otherPub }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := Parse("decoy.yaml", []byte(sampleYAML))
			if err := d.Sign(priv); err != nil {
				t.Fatal(err)
			}
			tt.mutate(d)
			key := pub
			if tt.key != nil {
				key = tt.key()
			}
			if err := d.Verify(key); !errors.Is(err, faults.ErrInvalidSignature) {
				t.Errorf("expected InvalidSignature, got %v", err)
			}
		})
	}
}

func TestCanonical_ExcludesSignature(t *testing.T) {
	_, priv, _ := signing.GenerateKeyPair()
	d, _ := Parse("decoy.yaml", []byte(sampleYAML))
	before, _ := d.Canonical()
	if err := d.Sign(priv); err != nil {
		t.Fatal(err)
	}
	after, _ := d.Canonical()
	if string(before) != string(after) {
		t.Error("canonical form changed after signing")
	}
}

func TestType(t *testing.T) {
	for _, typ := range AllowedTypes {
		if !typ.Valid() {
			t.Errorf("%s should be valid", typ)
		}
		if typ.Forbidden() {
			t.Errorf("%s should not be forbidden", typ)
		}
	}
	for _, typ := range []Type{"traffic_interceptor", "proxy_service", "production_mirror"} {
		if typ.Valid() {
			t.Errorf("%s should not be valid", typ)
		}
		if !typ.Forbidden() {
			t.Errorf("%s should be forbidden", typ)
		}
	}
	if Type("honeypot_farm").Valid() || Type("honeypot_farm").Forbidden() {
		t.Error("unknown type should be neither valid nor forbidden")
	}
}

func TestTriggerConditions_Matches(t *testing.T) {
	tc := TriggerConditions{InteractionTypes: []string{"credential_lure_touched"}}
	if !tc.Matches("credential_lure_touched") {
		t.Error("expected match")
	}
	if tc.Matches("port_probe") {
		t.Error("unexpected match")
	}
}
