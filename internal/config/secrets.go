package config

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"boundary-deception/internal/secrets"
)

// Resolver resolves env:, file: and vault: references.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ResolveSecrets replaces every credential field that holds a secret
// reference with the value it names. Literal values are left untouched and
// sections that are disabled are skipped.
func (c *Config) ResolveSecrets(ctx context.Context, r Resolver) error {
	var errs []error
	resolve := func(field string, dst *string) {
		if !secrets.IsRef(*dst) {
			return
		}
		v, err := r.Resolve(ctx, *dst)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		*dst = v
	}

	for i := range c.Auth.APIKeys {
		resolve("auth.api_keys["+strconv.Itoa(i)+"]", &c.Auth.APIKeys[i])
	}
	if c.Topology.Mode != "static" {
		resolve("topology.remote.api_key", &c.Topology.Remote.APIKey)
	}
	if c.Kafka != nil && c.Kafka.Enabled {
		resolve("kafka.sasl_password", &c.Kafka.SASLPassword)
	}
	if c.Redis.Enabled {
		resolve("redis.password", &c.Redis.Password)
	}
	if c.Storage.Enabled {
		resolve("storage.clickhouse.password", &c.Storage.ClickHouse.Password)
	}
	if c.Archive != nil && c.Archive.Enabled {
		resolve("archive.access_key_id", &c.Archive.AccessKeyID)
		resolve("archive.secret_access_key", &c.Archive.SecretAccessKey)
		resolve("archive.session_token", &c.Archive.SessionToken)
	}

	return errors.Join(errs...)
}
