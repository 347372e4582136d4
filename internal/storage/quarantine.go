package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"boundary-deception/internal/registry"
)

// QuarantineWriter records descriptors the registry refused to load.
type QuarantineWriter struct {
	client *ClickHouseClient
	clock  func() time.Time
}

// NewQuarantineWriter creates a new QuarantineWriter.
func NewQuarantineWriter(client *ClickHouseClient) *QuarantineWriter {
	return &QuarantineWriter{client: client, clock: time.Now}
}

// WriteRejections stores one row per rejection.
func (qw *QuarantineWriter) WriteRejections(ctx context.Context, rejections []registry.Rejection) error {
	if len(rejections) == 0 {
		return nil
	}

	batch, err := qw.client.PrepareBatch(ctx, `
		INSERT INTO descriptor_quarantine (
			quarantine_id, quarantined_at, file, asset_id, reason, detail
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare quarantine batch: %w", err)
	}

	now := qw.clock().UTC()
	for _, rej := range rejections {
		err := batch.Append(
			uuid.New(),
			now,
			rej.File,
			rej.AssetID,
			string(rej.Reason),
			rej.Detail,
		)
		if err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append quarantine entry: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return WrapInsertError("descriptor_quarantine", err, 0)
	}
	return nil
}

// CountByReason returns quarantined descriptor counts grouped by reason.
func (qw *QuarantineWriter) CountByReason(ctx context.Context) (map[string]uint64, error) {
	rows, err := qw.client.Query(ctx, "SELECT reason, count() FROM descriptor_quarantine GROUP BY reason")
	if err != nil {
		return nil, fmt.Errorf("failed to query quarantine: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]uint64)
	for rows.Next() {
		var reason string
		var n uint64
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("failed to scan quarantine count: %w", err)
		}
		counts[reason] = n
	}
	return counts, rows.Err()
}
