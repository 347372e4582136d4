// Package dedup provides a Redis-backed interaction deduper shared across
// deception-core replicas.
package dedup

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration.
type Config struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`           // Redis server address (host:port)
	Password     string        `yaml:"password"`       // Password for authentication
	DB           int           `yaml:"db"`             // Database number
	KeyPrefix    string        `yaml:"key_prefix"`     // Prefix of every dedup key
	TTL          time.Duration `yaml:"ttl"`            // Retention of seen interaction ids
	DialTimeout  time.Duration `yaml:"dial_timeout"`   // Connection timeout
	ReadTimeout  time.Duration `yaml:"read_timeout"`   // Read timeout
	WriteTimeout time.Duration `yaml:"write_timeout"`  // Write timeout
	PoolSize     int           `yaml:"pool_size"`      // Connection pool size
	MinIdleConns int           `yaml:"min_idle_conns"` // Minimum idle connections
	MaxRetries   int           `yaml:"max_retries"`    // Maximum retry attempts
	TLSEnabled   bool          `yaml:"tls_enabled"`    // Enable TLS
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		Addr:         "localhost:6379",
		DB:           0,
		KeyPrefix:    "deception:interaction:",
		TTL:          24 * time.Hour,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}
}

// Client is the subset of Redis the deduper needs.
type Client interface {
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// GoRedisClient wraps the go-redis client to implement Client.
type GoRedisClient struct {
	client *redis.Client
}

// NewGoRedisClient creates a Redis client from configuration and pings it.
func NewGoRedisClient(cfg Config) (*GoRedisClient, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &GoRedisClient{client: client}, nil
}

// SetNX stores value under key only if key is absent.
func (g *GoRedisClient) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return g.client.SetNX(ctx, key, value, ttl).Result()
}

func (g *GoRedisClient) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (g *GoRedisClient) Close() error {
	return g.client.Close()
}

// RedisDeduper remembers interaction keys in Redis.
type RedisDeduper struct {
	client Client
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper over client.
func NewRedisDeduper(client Client, prefix string, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

// FirstSeen reports whether key was absent, recording it atomically.
func (d *RedisDeduper) FirstSeen(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, []byte(time.Now().UTC().Format(time.RFC3339)), d.ttl)
	if err != nil {
		return false, fmt.Errorf("dedup %s: %w", key, err)
	}
	return ok, nil
}

// Ping reports whether Redis is reachable. While it is not, FirstSeen fails
// and interactions are discarded without emitting signals.
func (d *RedisDeduper) Ping(ctx context.Context) error {
	if err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (d *RedisDeduper) Close() error {
	return d.client.Close()
}
