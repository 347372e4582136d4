package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig holds TTL settings for the archive tables. Zero keeps the
// migration default.
type RetentionConfig struct {
	SignalsTTL     time.Duration `yaml:"signals_ttl"`
	TransitionsTTL time.Duration `yaml:"transitions_ttl"`
	RollbacksTTL   time.Duration `yaml:"rollbacks_ttl"`
	QuarantineTTL  time.Duration `yaml:"quarantine_ttl"`
}

// DefaultRetentionConfig returns the default retention periods.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		SignalsTTL:     365 * 24 * time.Hour,
		TransitionsTTL: 365 * 24 * time.Hour,
		RollbacksTTL:   3 * 365 * 24 * time.Hour,
		QuarantineTTL:  90 * 24 * time.Hour,
	}
}

type tablePolicy struct {
	table  string
	column string
	ttl    time.Duration
}

func (c RetentionConfig) policies() []tablePolicy {
	return []tablePolicy{
		{SignalTable.Name, "observed_at", c.SignalsTTL},
		{TransitionTable.Name, "updated_at", c.TransitionsTTL},
		{"rollback_outcomes", "started_at", c.RollbacksTTL},
		{"descriptor_quarantine", "quarantined_at", c.QuarantineTTL},
	}
}

func ttlStatement(p tablePolicy) (string, int) {
	days := int(p.ttl.Hours() / 24)
	if days < 1 {
		days = 1
	}
	return fmt.Sprintf(
		"ALTER TABLE %s MODIFY TTL toDateTime(%s) + INTERVAL %d DAY DELETE",
		sanitizeTableName(p.table), sanitizeTableName(p.column), days,
	), days
}

// RetentionManager applies data retention policies.
type RetentionManager struct {
	client *ClickHouseClient
	config RetentionConfig
}

// NewRetentionManager creates a new retention manager.
func NewRetentionManager(client *ClickHouseClient, config RetentionConfig) *RetentionManager {
	return &RetentionManager{client: client, config: config}
}

// ApplyTTLs updates table TTLs to the configured periods. It runs after
// migrations; a failing table is logged and skipped.
func (r *RetentionManager) ApplyTTLs(ctx context.Context) error {
	for _, p := range r.config.policies() {
		if p.ttl <= 0 {
			continue
		}

		query, days := ttlStatement(p)
		if err := r.client.Exec(ctx, query); err != nil {
			slog.Warn("failed to apply TTL policy",
				"table", p.table,
				"ttl_days", days,
				"error", err,
			)
			continue
		}

		slog.Info("applied retention policy",
			"table", p.table,
			"ttl_days", days,
		)
	}
	return nil
}

// sanitizeTableName keeps only identifier characters.
func sanitizeTableName(name string) string {
	var result []byte
	for _, b := range []byte(name) {
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') ||
			(b >= '0' && b <= '9') || b == '_' {
			result = append(result, b)
		}
	}
	return string(result)
}
