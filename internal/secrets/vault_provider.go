package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// VaultConfig configures the HashiCorp Vault KV v2 provider.
type VaultConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	// Token is usually left empty and supplied via DECEPTION_VAULT_TOKEN
	// or VAULT_TOKEN.
	Token string `yaml:"token,omitempty"`
	// Mount is the KV v2 mount point, "secret" by default.
	Mount string `yaml:"mount"`
	// Path is prefixed to every vault: reference.
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

// VaultProvider reads secrets from a Vault KV v2 engine. A key has the form
// "path/to/secret#field"; the field defaults to "value".
type VaultProvider struct {
	address    string
	token      string
	mount      string
	basePath   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewVaultProvider creates the provider and verifies Vault is reachable.
func NewVaultProvider(cfg VaultConfig, logger *slog.Logger) (*VaultProvider, error) {
	if cfg.Address == "" {
		return nil, errors.New("vault address is required")
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("DECEPTION_VAULT_TOKEN")
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("VAULT_TOKEN")
	}
	if cfg.Token == "" {
		return nil, errors.New("vault token is required")
	}
	if cfg.Mount == "" {
		cfg.Mount = "secret"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	vp := &VaultProvider{
		address:    strings.TrimSuffix(cfg.Address, "/"),
		token:      cfg.Token,
		mount:      strings.Trim(cfg.Mount, "/"),
		basePath:   strings.Trim(cfg.Path, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := vp.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("vault health check failed: %w", err)
	}
	return vp, nil
}

// Name returns the provider scheme.
func (v *VaultProvider) Name() string {
	return SchemeVault
}

// Get reads one field of a KV v2 secret.
func (v *VaultProvider) Get(ctx context.Context, key string) (*Secret, error) {
	path, field, _ := strings.Cut(key, "#")
	if field == "" {
		field = "value"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.address+v.secretPath(path), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Vault-Token", v.token)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrSecretNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("vault returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out vaultReadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode vault response: %w", err)
	}

	value, ok := out.Data.Data[field].(string)
	if !ok {
		return nil, fmt.Errorf("vault secret %q has no string field %q: %w", path, field, ErrSecretNotFound)
	}

	return &Secret{
		Value:    value,
		Version:  out.Data.Metadata.Version,
		Metadata: out.Data.Metadata.CustomMetadata,
	}, nil
}

// Close releases idle connections.
func (v *VaultProvider) Close() error {
	v.httpClient.CloseIdleConnections()
	return nil
}

// HealthCheck queries /v1/sys/health. Active, standby and performance
// standby nodes all count as healthy.
func (v *VaultProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.address+"/v1/sys/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case 200, 429, 472, 473:
		return nil
	default:
		return fmt.Errorf("vault unhealthy: status %d", resp.StatusCode)
	}
}

func (v *VaultProvider) secretPath(path string) string {
	path = strings.Trim(path, "/")
	if v.basePath != "" {
		path = v.basePath + "/" + path
	}
	return fmt.Sprintf("/v1/%s/data/%s", v.mount, path)
}

type vaultReadResponse struct {
	Data struct {
		Data     map[string]any `json:"data"`
		Metadata struct {
			Version        int               `json:"version"`
			CreatedTime    string            `json:"created_time"`
			CustomMetadata map[string]string `json:"custom_metadata"`
		} `json:"metadata"`
	} `json:"data"`
}
