package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"boundary-deception/internal/asset"
	"boundary-deception/internal/control"
	"boundary-deception/internal/security/audit"
)

const descriptorYAML = `
asset_id: decoy-ssh-01
asset_type: decoy_service
deployment_scope: network
visibility: medium
footprint:
  address: 10.50.0.10
  ports: [2222]
  protocol: ssh
trigger_conditions:
  interaction_types: [ssh_login_attempt]
teardown_procedure:
  steps:
    - action: remove_listener
    - action: stop_service
max_lifetime: 24h
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"deception-ctl"}, args...))
	return out.String(), err
}

func TestSignAndVerify(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "ops.key")
	pub := filepath.Join(dir, "ops.pub")
	desc := filepath.Join(dir, "decoy.yaml")
	if err := os.WriteFile(desc, []byte(descriptorYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := run(t, "keygen", "--private", priv, "--public", pub); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if _, err := run(t, "keygen", "--private", priv, "--public", pub); err == nil {
		t.Error("keygen should refuse to overwrite without --force")
	}

	out, err := run(t, "sign", "--key", priv, desc)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !strings.Contains(out, "decoy-ssh-01") {
		t.Errorf("sign output = %q", out)
	}

	data, _ := os.ReadFile(desc)
	d, err := asset.Parse("decoy.yaml", data)
	if err != nil {
		t.Fatalf("signed descriptor does not parse: %v", err)
	}
	if d.Signature == "" || len(d.SignatureHash) != 64 {
		t.Errorf("signature fields = %q / %q", d.Signature, d.SignatureHash)
	}

	if out, err := run(t, "verify", "--key", pub, desc); err != nil {
		t.Fatalf("verify: %v (%s)", err, out)
	}

	tampered := strings.Replace(string(data), "10.50.0.10", "10.50.0.11", 1)
	if err := os.WriteFile(desc, []byte(tampered), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err = run(t, "verify", "--key", pub, desc)
	if err == nil {
		t.Fatal("verify should fail for a tampered descriptor")
	}
	if !strings.Contains(out, "FAIL") {
		t.Errorf("verify output = %q", out)
	}
}

func TestValidateMappings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playbooks.yaml")
	body := "mappings:\n  ssh_login_attempt: pb-isolate-host\n  file_lure_accessed: pb-credential-reset\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "validate-mappings", path)
	if err != nil {
		t.Fatalf("validate-mappings: %v", err)
	}
	if !strings.Contains(out, "pb-isolate-host") || !strings.Contains(out, "file_lure_accessed") {
		t.Errorf("output = %q", out)
	}
}

func TestTeardownCommand(t *testing.T) {
	var got control.TeardownRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/teardown" || r.Header.Get("X-API-Key") != "k1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"rollback_id":"rb-1","status":"Completed"}`))
	}))
	defer srv.Close()

	out, err := run(t, "teardown", "--asset", "decoy-ssh-01", "--operator", "alice",
		"--control-url", srv.URL, "--api-key", "k1")
	if err != nil {
		t.Fatalf("teardown: %v (%s)", err, out)
	}
	if got.AssetID != "decoy-ssh-01" || got.Operator != "alice" {
		t.Errorf("request = %+v", got)
	}
	if !strings.Contains(out, "rb-1") {
		t.Errorf("output = %q", out)
	}

	if _, err := run(t, "teardown", "--asset", "x", "--operator", "alice", "--control-url", srv.URL); err == nil {
		t.Error("unauthorized response should fail the command")
	}
}

func TestHealthCommand(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(status.Load()))
		w.Write([]byte(`{"status":"degraded","message":"safe_halt: 1 assets in SafeHalt awaiting intervention"}`))
	}))
	defer srv.Close()

	out, err := run(t, "health", "--visibility-url", srv.URL+"/")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !strings.Contains(out, `"status": "degraded"`) {
		t.Errorf("output = %q", out)
	}

	status.Store(http.StatusServiceUnavailable)
	if _, err := run(t, "health", "--visibility-url", srv.URL); err == nil {
		t.Error("503 should fail the command")
	}
}

func TestJournalCommands(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/deploy-refusals":
			w.Write([]byte(`{"items":[{"asset_id":"decoy-web-07","kind":"SafetyInvariantViolation"}],"count":1}`))
		case "/v1/dropped-signals":
			w.Write([]byte(`{"items":[{"signal_id":"sig-7","asset_id":"decoy-ssh-01"}],"count":1}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	tests := []struct {
		command string
		want    string
	}{
		{"refusals", "decoy-web-07"},
		{"dropped-signals", "sig-7"},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			out, err := run(t, tt.command, "--visibility-url", srv.URL)
			if err != nil {
				t.Fatalf("%s: %v", tt.command, err)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("output = %q, want %s", out, tt.want)
			}
		})
	}
}

func TestAuditCommands(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audit")
	trail, err := audit.NewLogger(audit.Config{Dir: dir, MaxFileSize: 1 << 20, FlushInterval: time.Hour}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, ev := range []audit.Event{
		{Type: audit.EventOperatorTeardown, Actor: "alice", Target: "decoy-ssh-01", Success: true, Message: "operator teardown"},
		{Type: audit.EventSafeHaltResolved, Actor: "bob", Target: "decoy-ssh-02", Success: true, Message: "SafeHalt resolved"},
	} {
		if err := trail.Log(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	trail.Close()

	out, err := run(t, "audit", "verify", "--dir", dir)
	if err != nil {
		t.Fatalf("audit verify: %v\n%s", err, out)
	}
	if !strings.Contains(out, "OK") || !strings.Contains(out, "2 entries") {
		t.Errorf("verify output = %q", out)
	}

	out, err = run(t, "audit", "show", "--dir", dir, "--actor", "alice", "--json")
	if err != nil {
		t.Fatalf("audit show: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], `"target":"decoy-ssh-01"`) {
		t.Errorf("show output = %q", out)
	}

	out, err = run(t, "audit", "show", "--dir", dir)
	if err != nil || !strings.Contains(out, "operator.safe_halt_resolved") {
		t.Errorf("table output = %q, err = %v", out, err)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "audit-*.log"))
	data, _ := os.ReadFile(files[0])
	data = bytes.Replace(data, []byte("alice"), []byte("carol"), 1)
	if err := os.WriteFile(files[0], data, 0o600); err != nil {
		t.Fatal(err)
	}
	out, err = run(t, "audit", "verify", "--dir", dir)
	if err == nil || !strings.Contains(out, "FAIL") {
		t.Errorf("tampered trail passed verification: %q", out)
	}
}
