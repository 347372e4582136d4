// Package secrets resolves credential references found in the service
// configuration. A configured value of the form "env:NAME", "file:NAME" or
// "vault:PATH#FIELD" is replaced by the secret it names; any other value is
// taken literally.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	// ErrSecretNotFound is returned when a provider has no value for a key.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrNoProvider is returned when a reference names a provider that is
	// not configured.
	ErrNoProvider = errors.New("no secret provider configured")
)

// Reference schemes.
const (
	SchemeLiteral = "literal"
	SchemeEnv     = "env"
	SchemeFile    = "file"
	SchemeVault   = "vault"
)

// Secret represents a retrieved secret with metadata.
type Secret struct {
	Value     string
	Version   int
	Metadata  map[string]string
	ExpiresAt *time.Time
}

// Provider is a read-only source of secrets.
type Provider interface {
	// Name returns the reference scheme the provider serves.
	Name() string

	// Get retrieves a secret by key.
	Get(ctx context.Context, key string) (*Secret, error)

	// Close releases provider resources.
	Close() error

	// HealthCheck verifies the provider is accessible.
	HealthCheck(ctx context.Context) error
}

// Config holds configuration for the secrets manager.
type Config struct {
	// FileDir is the base directory for relative file: references.
	FileDir  string        `yaml:"file_dir"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Vault    VaultConfig   `yaml:"vault"`
}

// DefaultConfig returns default secrets manager configuration.
func DefaultConfig() Config {
	return Config{
		FileDir:  "/run/secrets",
		CacheTTL: 5 * time.Minute,
		Vault: VaultConfig{
			Mount:   "secret",
			Timeout: 10 * time.Second,
		},
	}
}

// Manager routes references to providers and caches results.
type Manager struct {
	providers map[string]Provider
	cache     map[string]*cachedSecret
	cacheMu   sync.RWMutex
	cacheTTL  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

type cachedSecret struct {
	secret    *Secret
	fetchedAt time.Time
}

// NewManager creates a manager with the environment provider always enabled,
// the file provider when FileDir is set and the Vault provider when enabled.
// A Vault provider that fails its health check is skipped with a warning;
// references to it then fail with ErrNoProvider.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := NewManagerWithProviders(cfg.CacheTTL, logger, NewEnvProvider(logger))

	if cfg.FileDir != "" {
		m.providers[SchemeFile] = NewFileProvider(cfg.FileDir, logger)
	}

	if cfg.Vault.Enabled {
		vp, err := NewVaultProvider(cfg.Vault, logger)
		if err != nil {
			logger.Warn("vault secret provider unavailable", "error", err)
		} else {
			m.providers[SchemeVault] = vp
			logger.Info("vault secret provider initialized", "address", cfg.Vault.Address)
		}
	}

	return m
}

// NewManagerWithProviders creates a manager over an explicit provider set.
func NewManagerWithProviders(cacheTTL time.Duration, logger *slog.Logger, providers ...Provider) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		providers: make(map[string]Provider, len(providers)),
		cache:     make(map[string]*cachedSecret),
		cacheTTL:  cacheTTL,
		now:       time.Now,
		logger:    logger,
	}
	for _, p := range providers {
		m.providers[p.Name()] = p
	}
	return m
}

// ParseRef splits a reference into scheme and key. Values without a known
// scheme prefix are literal.
func ParseRef(ref string) (scheme, key string) {
	if i := strings.IndexByte(ref, ':'); i > 0 {
		switch s := ref[:i]; s {
		case SchemeEnv, SchemeFile, SchemeVault:
			return s, ref[i+1:]
		}
	}
	return SchemeLiteral, ref
}

// IsRef reports whether value is a reference rather than a literal.
func IsRef(value string) bool {
	scheme, _ := ParseRef(value)
	return scheme != SchemeLiteral
}

// Resolve returns the secret named by ref, or ref itself when it is literal.
func (m *Manager) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, key := ParseRef(ref)
	if scheme == SchemeLiteral {
		return ref, nil
	}
	if key == "" {
		return "", fmt.Errorf("empty %s secret reference", scheme)
	}
	return m.Get(ctx, scheme, key)
}

// Get retrieves key from the provider serving scheme.
func (m *Manager) Get(ctx context.Context, scheme, key string) (string, error) {
	cacheKey := scheme + ":" + key
	if cached := m.getFromCache(cacheKey); cached != nil {
		return cached.Value, nil
	}

	provider, ok := m.providers[scheme]
	if !ok {
		return "", fmt.Errorf("secret %s:%s: %w", scheme, key, ErrNoProvider)
	}

	secret, err := provider.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("secret %s:%s: %w", scheme, key, err)
	}

	m.cacheSecret(cacheKey, secret)
	m.logger.Debug("secret resolved", "provider", provider.Name(), "key", key)
	return secret.Value, nil
}

// Close shuts down all providers and clears the cache.
func (m *Manager) Close() error {
	m.ClearCache()

	var errs []error
	for _, p := range m.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// HealthCheck verifies all providers are accessible.
func (m *Manager) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, p := range m.providers {
		if err := p.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// ClearCache drops all cached secrets.
func (m *Manager) ClearCache() {
	m.cacheMu.Lock()
	m.cache = make(map[string]*cachedSecret)
	m.cacheMu.Unlock()
}

func (m *Manager) getFromCache(key string) *Secret {
	if m.cacheTTL <= 0 {
		return nil
	}

	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()

	cached, exists := m.cache[key]
	if !exists {
		return nil
	}
	now := m.now()
	if now.Sub(cached.fetchedAt) > m.cacheTTL {
		return nil
	}
	if cached.secret.ExpiresAt != nil && now.After(*cached.secret.ExpiresAt) {
		return nil
	}
	return cached.secret
}

func (m *Manager) cacheSecret(key string, secret *Secret) {
	if m.cacheTTL <= 0 {
		return
	}
	m.cacheMu.Lock()
	m.cache[key] = &cachedSecret{secret: secret, fetchedAt: m.now()}
	m.cacheMu.Unlock()
}
