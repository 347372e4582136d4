// Package config handles configuration loading for the deception service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"boundary-deception/internal/dedup"
	"boundary-deception/internal/deploy"
	"boundary-deception/internal/dispatch"
	"boundary-deception/internal/kafka"
	"boundary-deception/internal/registry"
	"boundary-deception/internal/sandbox"
	"boundary-deception/internal/secrets"
	"boundary-deception/internal/security/audit"
	"boundary-deception/internal/security/watchdog"
	"boundary-deception/internal/storage"
	"boundary-deception/internal/storage/s3"
	"boundary-deception/internal/teardown"
	"boundary-deception/internal/topology"
)

// DefaultPath is read when DECEPTION_CONFIG_PATH is unset.
const DefaultPath = "configs/deception.yaml"

// Config holds the complete application configuration.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Auth            AuthConfig            `yaml:"auth"`
	RateLimit       RateLimitConfig       `yaml:"rate_limit"`
	SecurityHeaders SecurityHeadersConfig `yaml:"security_headers"`
	Logging         LoggingConfig         `yaml:"logging"`
	Metrics         MetricsConfig         `yaml:"metrics"`

	Registry registry.Config `yaml:"registry"`
	Signing  SigningConfig   `yaml:"signing"`
	Topology TopologyConfig  `yaml:"topology"`
	Deploy   deploy.Config   `yaml:"deploy"`
	Sandbox  sandbox.Config  `yaml:"sandbox"`
	Signal   SignalConfig    `yaml:"signal"`
	Dispatch dispatch.Config `yaml:"dispatch"`
	Bridge   BridgeConfig    `yaml:"bridge"`
	Response ResponseConfig  `yaml:"response"`
	Teardown teardown.Config `yaml:"teardown"`

	Kafka   *kafka.Config  `yaml:"kafka"`
	Redis   dedup.Config   `yaml:"redis"`
	Storage storage.Config `yaml:"storage"`
	Archive *s3.Config     `yaml:"archive"`

	Secrets  secrets.Config  `yaml:"secrets"`
	Audit    audit.Config    `yaml:"audit"`
	Watchdog watchdog.Config `yaml:"watchdog"`
}

// ServerConfig holds the two HTTP listeners. The visibility listener is
// read-only; the control listener accepts interaction reports and operator
// actions.
type ServerConfig struct {
	VisibilityAddr  string        `yaml:"visibility_addr"`
	ControlAddr     string        `yaml:"control_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	TLSCertFile     string        `yaml:"tls_cert_file,omitempty"`
	TLSKeyFile      string        `yaml:"tls_key_file,omitempty"`
}

// AuthConfig holds control listener authentication.
type AuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeys      []string `yaml:"api_keys"`
}

// RateLimitConfig holds per-client token bucket settings.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	IdleTTL           time.Duration `yaml:"idle_ttl"`       // Drop limiters unused this long
	CleanupPeriod     time.Duration `yaml:"cleanup_period"` // How often to sweep idle limiters
	ExemptPaths       []string      `yaml:"exempt_paths"`
	TrustProxy        bool          `yaml:"trust_proxy"` // Trust X-Forwarded-For header
}

// SecurityHeadersConfig holds the response headers set on both listeners.
type SecurityHeadersConfig struct {
	Enabled               bool              `yaml:"enabled"`
	HSTSMaxAge            int               `yaml:"hsts_max_age"` // Seconds; 0 disables HSTS
	HSTSIncludeSubdomains bool              `yaml:"hsts_include_subdomains"`
	ContentSecurityPolicy string            `yaml:"content_security_policy"`
	FrameOptions          string            `yaml:"frame_options"`
	ReferrerPolicy        string            `yaml:"referrer_policy"`
	CustomHeaders         map[string]string `yaml:"custom_headers,omitempty"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint on the visibility listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SigningConfig locates the signal signing key pair. The verifying key is
// derived from the signing key when SignalPublicKeyPath is empty.
type SigningConfig struct {
	SignalPrivateKeyPath string `yaml:"signal_private_key_path"`
	SignalPublicKeyPath  string `yaml:"signal_public_key_path,omitempty"`
}

// TopologyConfig selects the production-overlap scanners.
type TopologyConfig struct {
	// Mode is static, remote or both.
	Mode    string                `yaml:"mode"`
	Timeout time.Duration         `yaml:"timeout"`
	Static  topology.StaticConfig `yaml:"static"`
	Remote  topology.ClientConfig `yaml:"remote"`
}

// SignalConfig holds signal engine settings.
type SignalConfig struct {
	StorePerAsset int           `yaml:"store_per_asset"`
	DedupTTL      time.Duration `yaml:"dedup_ttl"`
}

// BridgeConfig holds correlation bridge settings.
type BridgeConfig struct {
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// ResponseConfig holds response mapper settings.
type ResponseConfig struct {
	MappingsPath    string        `yaml:"mappings_path"`
	TriggerTimeout  time.Duration `yaml:"trigger_timeout"`
	JournalCapacity int           `yaml:"journal_capacity"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			VisibilityAddr:  ":8080",
			ControlAddr:     "127.0.0.1:8081",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     2 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Auth: AuthConfig{
			Enabled:      true,
			APIKeyHeader: "X-API-Key",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 50,
			Burst:             100,
			IdleTTL:           10 * time.Minute,
			CleanupPeriod:     5 * time.Minute,
			ExemptPaths:       []string{"/health"},
		},
		SecurityHeaders: SecurityHeadersConfig{
			Enabled:               true,
			HSTSMaxAge:            31536000,
			HSTSIncludeSubdomains: true,
			ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
			FrameOptions:          "DENY",
			ReferrerPolicy:        "no-referrer",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Registry: registry.DefaultConfig(),
		Signing: SigningConfig{
			SignalPrivateKeyPath: "/etc/deception/keys/signal.key",
		},
		Topology: TopologyConfig{
			Mode:    "static",
			Timeout: 5 * time.Second,
			Static:  topology.DefaultStaticConfig(),
			Remote:  topology.DefaultClientConfig(),
		},
		Deploy:  deploy.DefaultConfig(),
		Sandbox: sandbox.DefaultConfig(),
		Signal: SignalConfig{
			StorePerAsset: 1000,
			DedupTTL:      24 * time.Hour,
		},
		Dispatch: dispatch.DefaultConfig(),
		Bridge: BridgeConfig{
			PublishTimeout: 5 * time.Second,
		},
		Response: ResponseConfig{
			MappingsPath:    "configs/playbooks.yaml",
			TriggerTimeout:  5 * time.Second,
			JournalCapacity: 5000,
		},
		Teardown: teardown.DefaultConfig(),
		Kafka:    kafka.DefaultConfig(),
		Redis:    dedup.DefaultConfig(),
		Storage:  storage.DefaultConfig(),
		Archive:  s3.DefaultConfig(),
		Secrets:  secrets.DefaultConfig(),
		Audit:    audit.DefaultConfig(),
		Watchdog: watchdog.DefaultConfig(),
	}
}

// Load reads the file at DECEPTION_CONFIG_PATH (or DefaultPath) over the
// defaults and applies environment overrides. A missing file is not an error.
func Load() (*Config, error) {
	path := os.Getenv("DECEPTION_CONFIG_PATH")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if c.Kafka == nil {
		c.Kafka = kafka.DefaultConfig()
	}
	if c.Archive == nil {
		c.Archive = s3.DefaultConfig()
	}

	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	list := func(key string, dst *[]string) {
		if v := os.Getenv(key); v != "" {
			*dst = splitAndTrim(v, ",")
		}
	}

	str("DECEPTION_VISIBILITY_ADDR", &c.Server.VisibilityAddr)
	str("DECEPTION_CONTROL_ADDR", &c.Server.ControlAddr)
	str("DECEPTION_LOG_LEVEL", &c.Logging.Level)
	str("DECEPTION_LOG_FORMAT", &c.Logging.Format)

	if key := os.Getenv("DECEPTION_API_KEY"); key != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, key)
	}
	boolean("DECEPTION_AUTH_ENABLED", &c.Auth.Enabled)
	boolean("DECEPTION_RATELIMIT_ENABLED", &c.RateLimit.Enabled)

	str("DECEPTION_ASSET_DIR", &c.Registry.Dir)
	str("DECEPTION_DESCRIPTOR_KEY", &c.Registry.PublicKeyPath)
	str("DECEPTION_SIGNAL_KEY", &c.Signing.SignalPrivateKeyPath)
	str("DECEPTION_SIGNAL_PUBLIC_KEY", &c.Signing.SignalPublicKeyPath)
	str("DECEPTION_TOPOLOGY_MODE", &c.Topology.Mode)
	str("DECEPTION_TOPOLOGY_URL", &c.Topology.Remote.BaseURL)
	str("DECEPTION_PLAYBOOK_MAPPINGS_PATH", &c.Response.MappingsPath)
	str("DECEPTION_LURE_ROOT", &c.Sandbox.LureRoot)
	if scope := os.Getenv("DECEPTION_SAFE_HALT_SCOPE"); scope != "" {
		c.Deploy.SafeHaltScope = deploy.SafeHaltScope(scope)
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Kafka.Enabled = true
	}
	boolean("DECEPTION_KAFKA_ENABLED", &c.Kafka.Enabled)
	str("KAFKA_SASL_USERNAME", &c.Kafka.SASLUsername)
	str("KAFKA_SASL_PASSWORD", &c.Kafka.SASLPassword)

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}
	str("REDIS_PASSWORD", &c.Redis.Password)

	boolean("DECEPTION_STORAGE_ENABLED", &c.Storage.Enabled)
	list("CLICKHOUSE_HOSTS", &c.Storage.ClickHouse.Hosts)
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}
	str("CLICKHOUSE_DATABASE", &c.Storage.ClickHouse.Database)
	str("CLICKHOUSE_USER", &c.Storage.ClickHouse.Username)
	str("CLICKHOUSE_PASSWORD", &c.Storage.ClickHouse.Password)

	boolean("DECEPTION_ARCHIVE_ENABLED", &c.Archive.Enabled)
	str("DECEPTION_ARCHIVE_BUCKET", &c.Archive.Bucket)
	str("AWS_REGION", &c.Archive.Region)
	str("DECEPTION_ARCHIVE_ENDPOINT", &c.Archive.Endpoint)

	boolean("DECEPTION_AUDIT_ENABLED", &c.Audit.Enabled)
	str("DECEPTION_AUDIT_DIR", &c.Audit.Dir)
	str("DECEPTION_SECRETS_DIR", &c.Secrets.FileDir)
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		c.Secrets.Vault.Address = addr
		c.Secrets.Vault.Enabled = true
	}
	boolean("DECEPTION_WATCHDOG_ENABLED", &c.Watchdog.Enabled)
	if err := c.Watchdog.ApplyEnv(os.Getenv); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// splitAndTrim splits s by sep, trims each part and drops empty parts.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate checks cross-field constraints. Sub-configurations that carry
// their own Validate are checked only when enabled.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.VisibilityAddr == "" || c.Server.ControlAddr == "" {
		fail("server: visibility_addr and control_addr are required")
	}
	if c.Server.VisibilityAddr == c.Server.ControlAddr {
		fail("server: visibility and control listeners must use different addresses")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		fail("server: tls_cert_file and tls_key_file must be set together")
	}
	if c.Server.MaxBodyBytes <= 0 {
		fail("server: max_body_bytes must be positive")
	}

	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		fail("auth: enabled without api keys (set DECEPTION_API_KEY)")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst < 1) {
		fail("rate_limit: requests_per_second and burst must be positive")
	}

	if c.Registry.Dir == "" || c.Registry.PublicKeyPath == "" {
		fail("registry: dir and public_key_path are required")
	}
	if c.Signing.SignalPrivateKeyPath == "" {
		fail("signing: signal_private_key_path is required")
	}
	switch c.Topology.Mode {
	case "static", "both":
		if _, err := topology.NewStaticScanner(c.Topology.Static); err != nil {
			fail("topology: %v", err)
		}
	case "remote":
	default:
		fail("topology: mode must be static, remote or both, got %q", c.Topology.Mode)
	}
	if (c.Topology.Mode == "remote" || c.Topology.Mode == "both") && c.Topology.Remote.BaseURL == "" {
		fail("topology: remote.base_url is required for mode %s", c.Topology.Mode)
	}
	if !c.Deploy.SafeHaltScope.Valid() {
		fail("deploy: safe_halt_scope must be asset or platform, got %q", c.Deploy.SafeHaltScope)
	}

	if c.Dispatch.Shards < 1 || c.Dispatch.ShardSize < 1 {
		fail("dispatch: shards and shard_size must be positive")
	}
	if c.Teardown.StepTimeout <= 0 || c.Teardown.SweepInterval <= 0 {
		fail("teardown: step_timeout and sweep_interval must be positive")
	}

	if c.Kafka.Enabled {
		if err := c.Kafka.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		fail("redis: addr is required when enabled")
	}
	if c.Storage.Enabled && len(c.Storage.ClickHouse.Hosts) == 0 {
		fail("storage: at least one clickhouse host is required when enabled")
	}
	if c.Archive.Enabled {
		if err := c.Archive.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Audit.Enabled && c.Audit.Dir == "" {
		fail("audit: dir is required when enabled")
	}
	if c.Watchdog.DiskThreshold <= 0 || c.Watchdog.DiskThreshold > 1 {
		fail("watchdog: disk_threshold must be in (0, 1]")
	}

	return errors.Join(errs...)
}
