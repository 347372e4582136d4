package storage

import (
	"context"
	"fmt"
	"log/slog"

	"boundary-deception/internal/deploy"
	"boundary-deception/internal/signal"
	"boundary-deception/internal/teardown"
)

// SignalTable archives emitted signals.
var SignalTable = Table[signal.Signal]{
	Name: "signals",
	Columns: []string{
		"signal_id", "interaction_id", "asset_id", "interaction_type",
		"observed_at", "confidence_score", "source", "metadata",
		"content_hash", "signature",
	},
	Row: func(s signal.Signal) []any {
		md := s.Metadata
		if md == nil {
			md = map[string]string{}
		}
		return []any{
			s.SignalID, s.InteractionID, s.AssetID, s.InteractionType,
			s.ObservedAt, s.ConfidenceScore, s.Source, md,
			s.ContentHash, s.Signature,
		}
	},
}

// TransitionTable archives every deployment record change.
var TransitionTable = Table[deploy.Record]{
	Name: "deployment_transitions",
	Columns: []string{
		"asset_id", "generation", "status", "deployed_at", "expires_at",
		"endpoint", "halt_reason", "resolved_by", "updated_at",
	},
	Row: func(r deploy.Record) []any {
		return []any{
			r.AssetID, uint32(r.Generation), string(r.Status), r.DeployedAt, r.ExpiresAt,
			r.Endpoint, r.HaltReason, r.ResolvedBy, r.UpdatedAt,
		}
	},
}

const rollbackInsert = `INSERT INTO rollback_outcomes (
	rollback_id, trigger, incident_id, requested_by, started_at, completed_at,
	status, asset_id, final_status, steps_completed, failed_step,
	failed_action, error, skipped
)`

// Archive is the ClickHouse sink for signals, deployment transitions,
// rollbacks and quarantined descriptors.
type Archive struct {
	client      *ClickHouseClient
	signals     *BatchWriter[signal.Signal]
	transitions *BatchWriter[deploy.Record]
	quarantine  *QuarantineWriter
	logger      *slog.Logger
}

// NewArchive creates an Archive over client.
func NewArchive(client *ClickHouseClient, cfg BatchWriterConfig, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{
		client:      client,
		signals:     NewBatchWriter(client, SignalTable, cfg, logger),
		transitions: NewBatchWriter(client, TransitionTable, cfg, logger),
		quarantine:  NewQuarantineWriter(client),
		logger:      logger,
	}
}

// ArchiveSignal queues s for insertion.
func (a *Archive) ArchiveSignal(s signal.Signal) error {
	return a.signals.Write(s)
}

// ObserveRecord queues a deployment record change. It is registered as a
// ledger observer.
func (a *Archive) ObserveRecord(r deploy.Record) {
	if err := a.transitions.Write(r); err != nil {
		a.logger.Warn("deployment transition not archived",
			"asset_id", r.AssetID,
			"status", r.Status,
			"error", err,
		)
	}
}

// ArchiveRollback writes one row per asset outcome of r.
func (a *Archive) ArchiveRollback(ctx context.Context, r teardown.RollbackRecord) error {
	if len(r.Outcomes) == 0 {
		return nil
	}

	batch, err := a.client.PrepareBatch(ctx, rollbackInsert)
	if err != nil {
		return fmt.Errorf("failed to prepare rollback batch: %w", err)
	}
	for _, o := range r.Outcomes {
		err := batch.Append(
			r.RollbackID, string(r.Trigger), r.IncidentID, r.RequestedBy, r.StartedAt, r.CompletedAt,
			string(r.Status), o.AssetID, string(o.FinalStatus), uint16(o.StepsCompleted), uint16(o.FailedStep),
			o.FailedAction, o.Error, o.Skipped,
		)
		if err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append rollback outcome: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return WrapInsertError("rollback_outcomes", err, 0)
	}
	return nil
}

// Quarantine returns the descriptor quarantine writer.
func (a *Archive) Quarantine() *QuarantineWriter {
	return a.quarantine
}

// Metrics returns the batch writer statistics by table.
func (a *Archive) Metrics() map[string]BatchWriterMetrics {
	return map[string]BatchWriterMetrics{
		SignalTable.Name:     a.signals.Metrics(),
		TransitionTable.Name: a.transitions.Metrics(),
	}
}

// Close flushes pending rows and closes the connection.
func (a *Archive) Close() error {
	var firstErr error
	for _, closeFn := range []func() error{a.signals.Close, a.transitions.Close, a.client.Close} {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
