package signing

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	payload := []byte(`{"asset_id":"decoy-ssh-01"}`)
	sig := Sign(payload, priv)
	if !Verify(payload, sig, pub) {
		t.Fatal("expected signature to verify")
	}

	tampered := append([]byte(nil), payload...)
	tampered[3] ^= 0x01
	if Verify(tampered, sig, pub) {
		t.Error("tampered payload verified")
	}
}

func TestVerify_MalformedInputs(t *testing.T) {
	pub, priv, _ := GenerateKeyPair()
	payload := []byte("payload")
	sig := Sign(payload, priv)

	tests := []struct {
		name string
		sig  Signature
		key  ed25519.PublicKey
	}{
		{"nil signature", nil, pub},
		{"short signature", sig[:10], pub},
		{"nil key", sig, nil},
		{"short key", sig, pub[:5]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Verify(payload, tt.sig, tt.key) {
				t.Error("expected verification failure")
			}
		})
	}
}

func TestSign_MalformedKey(t *testing.T) {
	if sig := Sign([]byte("x"), ed25519.PrivateKey{1, 2, 3}); sig != nil {
		t.Errorf("expected nil signature, got %d bytes", len(sig))
	}
}

func TestDigest(t *testing.T) {
	// SHA-256 of the empty string.
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := Digest(nil).String(); got != want {
		t.Errorf("Digest(nil) = %s, want %s", got, want)
	}

	h, err := ParseHash(want)
	if err != nil {
		t.Fatalf("ParseHash: %v", err)
	}
	if h != Digest(nil) {
		t.Error("ParseHash did not round trip")
	}

	if _, err := ParseHash("abcd"); err == nil {
		t.Error("expected error for short hash")
	}
}

func TestSignatureEncoding(t *testing.T) {
	_, priv, _ := GenerateKeyPair()
	sig := Sign([]byte("x"), priv)

	decoded, err := DecodeSignature(sig.String())
	if err != nil {
		t.Fatalf("DecodeSignature: %v", err)
	}
	if !bytes.Equal(decoded, sig) {
		t.Error("signature encoding did not round trip")
	}

	if _, err := DecodeSignature("not base64!"); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestCanonical_KeyOrder(t *testing.T) {
	a, err := Canonical(map[string]interface{}{"b": 1, "a": "x"})
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	if string(a) != `{"a":"x","b":1}` {
		t.Errorf("Canonical = %s", a)
	}
}

func TestLoadKeys_Encodings(t *testing.T) {
	pub, priv, _ := GenerateKeyPair()
	dir := t.TempDir()

	pubPEM := filepath.Join(dir, "pub.pem")
	privPEM := filepath.Join(dir, "priv.pem")
	if err := WriteKeyPair(privPEM, pubPEM, pub, priv); err != nil {
		t.Fatalf("WriteKeyPair: %v", err)
	}

	write := func(name string, data []byte) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, data, 0o600); err != nil {
			t.Fatal(err)
		}
		return p
	}

	pubFiles := []string{
		pubPEM,
		write("pub.hex", []byte(hex.EncodeToString(pub)+"\n")),
		write("pub.b64", []byte(base64.StdEncoding.EncodeToString(pub))),
		write("pub.raw", pub),
	}
	for _, p := range pubFiles {
		got, err := LoadPublicKey(p)
		if err != nil {
			t.Errorf("LoadPublicKey(%s): %v", filepath.Base(p), err)
			continue
		}
		if !got.Equal(pub) {
			t.Errorf("LoadPublicKey(%s) returned a different key", filepath.Base(p))
		}
	}

	privFiles := []string{
		privPEM,
		write("seed.hex", []byte(hex.EncodeToString(priv.Seed()))),
		write("priv.b64", []byte(base64.StdEncoding.EncodeToString(priv))),
		write("priv.raw", priv),
	}
	for _, p := range privFiles {
		got, err := LoadPrivateKey(p)
		if err != nil {
			t.Errorf("LoadPrivateKey(%s): %v", filepath.Base(p), err)
			continue
		}
		if !got.Equal(priv) {
			t.Errorf("LoadPrivateKey(%s) returned a different key", filepath.Base(p))
		}
	}

	if _, err := LoadPublicKey(write("bad", []byte("nope"))); err == nil {
		t.Error("expected error for garbage key")
	}
	if _, err := LoadPublicKey(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}
