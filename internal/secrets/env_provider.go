package secrets

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// EnvPrefix is prepended to normalized keys before the bare name is tried.
const EnvPrefix = "DECEPTION_"

// EnvProvider retrieves secrets from environment variables.
type EnvProvider struct {
	lookup func(string) (string, bool)
	logger *slog.Logger
}

// NewEnvProvider creates an environment variable provider.
func NewEnvProvider(logger *slog.Logger) *EnvProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &EnvProvider{lookup: os.LookupEnv, logger: logger}
}

// Name returns the provider scheme.
func (e *EnvProvider) Name() string {
	return SchemeEnv
}

// Get looks up DECEPTION_<KEY> and then KEY. Empty values count as unset.
func (e *EnvProvider) Get(_ context.Context, key string) (*Secret, error) {
	for _, name := range []string{normalizeEnvKey(key), key} {
		if v, ok := e.lookup(name); ok && v != "" {
			return &Secret{
				Value:    v,
				Version:  1,
				Metadata: map[string]string{"source": "environment", "variable": name},
			}, nil
		}
	}
	return nil, ErrSecretNotFound
}

// Close is a no-op.
func (e *EnvProvider) Close() error {
	return nil
}

// HealthCheck always succeeds.
func (e *EnvProvider) HealthCheck(context.Context) error {
	return nil
}

// normalizeEnvKey maps "kafka.sasl-password" to "DECEPTION_KAFKA_SASL_PASSWORD".
func normalizeEnvKey(key string) string {
	key = strings.ToUpper(key)
	key = strings.NewReplacer(".", "_", "/", "_", "-", "_").Replace(key)
	if strings.HasPrefix(key, EnvPrefix) {
		return key
	}
	return EnvPrefix + key
}
