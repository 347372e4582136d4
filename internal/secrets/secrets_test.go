package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		ref        string
		wantScheme string
		wantKey    string
	}{
		{"plain-value", SchemeLiteral, "plain-value"},
		{"env:KAFKA_PASSWORD", SchemeEnv, "KAFKA_PASSWORD"},
		{"file:redis_password", SchemeFile, "redis_password"},
		{"file:/run/secrets/x", SchemeFile, "/run/secrets/x"},
		{"vault:deception/kafka#password", SchemeVault, "deception/kafka#password"},
		{"https://example.com", SchemeLiteral, "https://example.com"},
		{"tcp:1234", SchemeLiteral, "tcp:1234"},
		{":leading", SchemeLiteral, ":leading"},
		{"", SchemeLiteral, ""},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			scheme, key := ParseRef(tt.ref)
			if scheme != tt.wantScheme || key != tt.wantKey {
				t.Errorf("ParseRef(%q) = (%q, %q), want (%q, %q)", tt.ref, scheme, key, tt.wantScheme, tt.wantKey)
			}
			if IsRef(tt.ref) != (tt.wantScheme != SchemeLiteral) {
				t.Errorf("IsRef(%q) = %v", tt.ref, IsRef(tt.ref))
			}
		})
	}
}

func TestNormalizeEnvKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"kafka.sasl-password", "DECEPTION_KAFKA_SASL_PASSWORD"},
		{"redis/password", "DECEPTION_REDIS_PASSWORD"},
		{"DECEPTION_API_KEY", "DECEPTION_API_KEY"},
		{"api_key", "DECEPTION_API_KEY"},
	}
	for _, tt := range tests {
		if got := normalizeEnvKey(tt.in); got != tt.want {
			t.Errorf("normalizeEnvKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEnvProvider(t *testing.T) {
	ctx := context.Background()
	p := NewEnvProvider(nil)

	t.Setenv("DECEPTION_KAFKA_SASL_PASSWORD", "prefixed")
	t.Setenv("PLAIN_SECRET", "bare")
	t.Setenv("EMPTY_SECRET", "")

	s, err := p.Get(ctx, "kafka.sasl-password")
	if err != nil || s.Value != "prefixed" {
		t.Fatalf("Get prefixed = %v, %v", s, err)
	}

	s, err = p.Get(ctx, "PLAIN_SECRET")
	if err != nil || s.Value != "bare" {
		t.Fatalf("Get bare = %v, %v", s, err)
	}
	if s.Metadata["variable"] != "PLAIN_SECRET" {
		t.Errorf("variable = %q", s.Metadata["variable"])
	}

	if _, err := p.Get(ctx, "EMPTY_SECRET"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("empty value: err = %v, want ErrSecretNotFound", err)
	}
	if _, err := p.Get(ctx, "NOPE_NOT_SET"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("missing: err = %v, want ErrSecretNotFound", err)
	}
}

func TestFileProvider(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "redis_password"), []byte("s3cret\r\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "subdir"), 0o700); err != nil {
		t.Fatal(err)
	}
	abs := filepath.Join(t.TempDir(), "abs")
	if err := os.WriteFile(abs, []byte("absolute\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	p := NewFileProvider(dir, nil)

	tests := []struct {
		name     string
		key      string
		want     string
		wantErr  bool
		notFound bool
	}{
		{name: "relative", key: "redis_password", want: "s3cret"},
		{name: "absolute", key: abs, want: "absolute"},
		{name: "missing", key: "nothing", wantErr: true, notFound: true},
		{name: "directory", key: "subdir", wantErr: true},
		{name: "traversal", key: "../etc/passwd", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := p.Get(ctx, tt.key)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", s.Value)
				}
				if tt.notFound && !errors.Is(err, ErrSecretNotFound) {
					t.Errorf("err = %v, want ErrSecretNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s.Value != tt.want {
				t.Errorf("Value = %q, want %q", s.Value, tt.want)
			}
		})
	}

	if err := p.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
	if err := NewFileProvider(abs, nil).HealthCheck(ctx); err == nil {
		t.Error("HealthCheck on a regular file should fail")
	}
}

func TestFileProvider_Oversized(t *testing.T) {
	dir := t.TempDir()
	big := make([]byte, maxSecretFileSize+1)
	if err := os.WriteFile(filepath.Join(dir, "big"), big, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileProvider(dir, nil).Get(context.Background(), "big"); err == nil {
		t.Error("expected error for oversized secret file")
	}
}

// countingProvider counts Get calls.
type countingProvider struct {
	name   string
	values map[string]string
	calls  int
}

func (c *countingProvider) Name() string { return c.name }

func (c *countingProvider) Get(_ context.Context, key string) (*Secret, error) {
	c.calls++
	v, ok := c.values[key]
	if !ok {
		return nil, ErrSecretNotFound
	}
	return &Secret{Value: v}, nil
}

func (c *countingProvider) Close() error                      { return nil }
func (c *countingProvider) HealthCheck(context.Context) error { return nil }

func TestManager_Resolve(t *testing.T) {
	ctx := context.Background()
	fake := &countingProvider{name: SchemeFile, values: map[string]string{"api_key": "k-1"}}
	m := NewManagerWithProviders(time.Minute, nil, fake)

	got, err := m.Resolve(ctx, "literal-value")
	if err != nil || got != "literal-value" {
		t.Fatalf("literal = %q, %v", got, err)
	}

	for range 3 {
		got, err = m.Resolve(ctx, "file:api_key")
		if err != nil || got != "k-1" {
			t.Fatalf("file ref = %q, %v", got, err)
		}
	}
	if fake.calls != 1 {
		t.Errorf("provider calls = %d, want 1 (cached)", fake.calls)
	}

	if _, err := m.Resolve(ctx, "file:missing"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("missing: err = %v", err)
	}
	if _, err := m.Resolve(ctx, "vault:kafka#password"); !errors.Is(err, ErrNoProvider) {
		t.Errorf("unconfigured vault: err = %v", err)
	}
	if _, err := m.Resolve(ctx, "file:"); err == nil {
		t.Error("empty reference should fail")
	}
}

func TestManager_CacheExpiry(t *testing.T) {
	ctx := context.Background()
	fake := &countingProvider{name: SchemeEnv, values: map[string]string{"k": "v"}}
	m := NewManagerWithProviders(time.Minute, nil, fake)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	if _, err := m.Get(ctx, SchemeEnv, "k"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(30 * time.Second)
	if _, err := m.Get(ctx, SchemeEnv, "k"); err != nil {
		t.Fatal(err)
	}
	if fake.calls != 1 {
		t.Fatalf("calls = %d before expiry, want 1", fake.calls)
	}

	now = now.Add(time.Minute)
	if _, err := m.Get(ctx, SchemeEnv, "k"); err != nil {
		t.Fatal(err)
	}
	if fake.calls != 2 {
		t.Errorf("calls = %d after expiry, want 2", fake.calls)
	}

	m.ClearCache()
	if _, err := m.Get(ctx, SchemeEnv, "k"); err != nil {
		t.Fatal(err)
	}
	if fake.calls != 3 {
		t.Errorf("calls = %d after ClearCache, want 3", fake.calls)
	}
}

func newVaultServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sys/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v1/kv/data/deception/kafka", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != token {
			http.Error(w, `{"errors":["permission denied"]}`, http.StatusForbidden)
			return
		}
		resp := map[string]any{
			"data": map[string]any{
				"data": map[string]any{"password": "from-vault", "value": "default-field"},
				"metadata": map[string]any{
					"version":         3,
					"custom_metadata": map[string]string{"owner": "deception"},
				},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestVaultProvider(t *testing.T) {
	ctx := context.Background()
	srv := newVaultServer(t, "root-token")

	vp, err := NewVaultProvider(VaultConfig{
		Address: srv.URL + "/",
		Token:   "root-token",
		Mount:   "kv",
		Path:    "/deception/",
	}, nil)
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}
	defer vp.Close()

	s, err := vp.Get(ctx, "kafka#password")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Value != "from-vault" || s.Version != 3 || s.Metadata["owner"] != "deception" {
		t.Errorf("secret = %+v", s)
	}

	s, err = vp.Get(ctx, "kafka")
	if err != nil || s.Value != "default-field" {
		t.Errorf("default field = %v, %v", s, err)
	}

	if _, err := vp.Get(ctx, "kafka#nope"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("missing field: err = %v", err)
	}
	if _, err := vp.Get(ctx, "redis"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("missing path: err = %v", err)
	}
}

func TestVaultProvider_BadToken(t *testing.T) {
	srv := newVaultServer(t, "root-token")
	vp, err := NewVaultProvider(VaultConfig{Address: srv.URL, Token: "wrong", Mount: "kv", Path: "deception"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := vp.Get(context.Background(), "kafka#password"); err == nil || errors.Is(err, ErrSecretNotFound) {
		t.Errorf("err = %v, want a permission error", err)
	}
}

func TestNewVaultProvider_Validation(t *testing.T) {
	t.Setenv("DECEPTION_VAULT_TOKEN", "")
	t.Setenv("VAULT_TOKEN", "")

	if _, err := NewVaultProvider(VaultConfig{}, nil); err == nil {
		t.Error("missing address should fail")
	}
	if _, err := NewVaultProvider(VaultConfig{Address: "http://127.0.0.1:1"}, nil); err == nil {
		t.Error("missing token should fail")
	}

	sealed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer sealed.Close()
	if _, err := NewVaultProvider(VaultConfig{Address: sealed.URL, Token: "t"}, nil); err == nil {
		t.Error("sealed vault should fail the health check")
	}
}

func TestNewManager(t *testing.T) {
	t.Setenv("DECEPTION_VAULT_TOKEN", "root-token")
	srv := newVaultServer(t, "root-token")

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "api_key"), []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DECEPTION_REDIS_PASSWORD", "from-env")

	cfg := DefaultConfig()
	cfg.FileDir = dir
	cfg.Vault.Enabled = true
	cfg.Vault.Address = srv.URL
	cfg.Vault.Mount = "kv"
	cfg.Vault.Path = "deception"

	m := NewManager(cfg, nil)
	defer m.Close()

	ctx := context.Background()
	for ref, want := range map[string]string{
		"env:redis.password":   "from-env",
		"file:api_key":         "from-file",
		"vault:kafka#password": "from-vault",
	} {
		got, err := m.Resolve(ctx, ref)
		if err != nil || got != want {
			t.Errorf("Resolve(%q) = %q, %v; want %q", ref, got, err, want)
		}
	}

	if err := m.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}

func TestNewManager_VaultUnavailable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FileDir = ""
	cfg.Vault.Enabled = true

	m := NewManager(cfg, nil)
	if _, err := m.Resolve(context.Background(), "vault:kafka#password"); !errors.Is(err, ErrNoProvider) {
		t.Errorf("err = %v, want ErrNoProvider", err)
	}
	if _, err := m.Resolve(context.Background(), "file:x"); !errors.Is(err, ErrNoProvider) {
		t.Errorf("file without FileDir: err = %v, want ErrNoProvider", err)
	}
}
