package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"boundary-deception/internal/secrets"
)

func TestResolveSecrets(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "clickhouse"), []byte("ch-pass\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DECEPTION_CONTROL_KEY", "key-from-env")
	t.Setenv("DECEPTION_KAFKA_PASSWORD", "kafka-pass")

	cfg := validConfig()
	cfg.Kafka.Enabled = true
	cfg.Storage.Enabled = true
	cfg.Redis.Enabled = true
	cfg.Auth.APIKeys = []string{"literal-key", "env:control.key"}
	cfg.Kafka.SASLPassword = "env:kafka_password"
	cfg.Storage.ClickHouse.Password = "file:clickhouse"
	cfg.Redis.Password = "plain"
	cfg.Archive.SecretAccessKey = ""

	m := secrets.NewManagerWithProviders(time.Minute, nil,
		secrets.NewEnvProvider(nil),
		secrets.NewFileProvider(dir, nil),
	)
	if err := cfg.ResolveSecrets(context.Background(), m); err != nil {
		t.Fatalf("ResolveSecrets: %v", err)
	}

	if got := strings.Join(cfg.Auth.APIKeys, ","); got != "literal-key,key-from-env" {
		t.Errorf("APIKeys = %s", got)
	}
	if cfg.Kafka.SASLPassword != "kafka-pass" {
		t.Errorf("SASLPassword = %q", cfg.Kafka.SASLPassword)
	}
	if cfg.Storage.ClickHouse.Password != "ch-pass" {
		t.Errorf("ClickHouse password = %q", cfg.Storage.ClickHouse.Password)
	}
	if cfg.Redis.Password != "plain" || cfg.Archive.SecretAccessKey != "" {
		t.Errorf("literals changed: redis=%q s3=%q", cfg.Redis.Password, cfg.Archive.SecretAccessKey)
	}
}

func TestResolveSecrets_SkipsDisabledSections(t *testing.T) {
	cfg := validConfig()
	cfg.Redis.Enabled = false
	cfg.Redis.Password = "env:DEFINITELY_UNSET_SECRET"

	m := secrets.NewManagerWithProviders(0, nil, secrets.NewEnvProvider(nil))
	if err := cfg.ResolveSecrets(context.Background(), m); err != nil {
		t.Fatalf("ResolveSecrets: %v", err)
	}
	if cfg.Redis.Password != "env:DEFINITELY_UNSET_SECRET" {
		t.Errorf("disabled section was resolved: %q", cfg.Redis.Password)
	}
}

func TestResolveSecrets_Errors(t *testing.T) {
	cfg := validConfig()
	cfg.Redis.Enabled = true
	cfg.Archive.Enabled = true
	cfg.Redis.Password = "env:DEFINITELY_UNSET_SECRET"
	cfg.Archive.AccessKeyID = "vault:aws#access_key"

	m := secrets.NewManagerWithProviders(0, nil, secrets.NewEnvProvider(nil))
	err := cfg.ResolveSecrets(context.Background(), m)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, secrets.ErrSecretNotFound) || !errors.Is(err, secrets.ErrNoProvider) {
		t.Errorf("err = %v, want both not-found and no-provider", err)
	}
	for _, field := range []string{"redis.password", "archive.access_key_id"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error does not name %s: %v", field, err)
		}
	}
}
