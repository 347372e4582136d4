// Package teardown removes deployed assets and drives the rollback state
// machine Deployed → TearingDown → Removed, with SafeHalt as the terminal
// state of a failed teardown.
package teardown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"boundary-deception/internal/asset"
	"boundary-deception/internal/deploy"
	"boundary-deception/internal/faults"
	"boundary-deception/internal/lockmap"
	"boundary-deception/internal/metrics"
	"boundary-deception/internal/sandbox"
)

// Config holds teardown engine settings.
type Config struct {
	StepTimeout     time.Duration `yaml:"step_timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	EmergencyWorker int           `yaml:"emergency_workers"`
	ArchiveTimeout  time.Duration `yaml:"archive_timeout"`
	JournalSize     int           `yaml:"journal_size"`
}

// DefaultConfig returns the default teardown configuration.
func DefaultConfig() Config {
	return Config{
		StepTimeout:     10 * time.Second,
		SweepInterval:   15 * time.Second,
		EmergencyWorker: 8,
		ArchiveTimeout:  30 * time.Second,
		JournalSize:     1000,
	}
}

// AssetSource looks up verified descriptors.
type AssetSource interface {
	Get(assetID string) (*asset.Descriptor, bool)
}

// RuntimeSource holds the runtimes of deployed assets.
type RuntimeSource interface {
	Runtime(assetID string) (sandbox.Runtime, bool)
	Release(assetID string)
}

// Archiver persists finished rollback records.
type Archiver interface {
	ArchiveRollback(ctx context.Context, r RollbackRecord) error
}

// ErrOperatorRequired is returned when a human-initiated action has no operator.
var ErrOperatorRequired = errors.New("teardown: operator identity is required")

// Engine tears assets down.
type Engine struct {
	ledger    *deploy.Ledger
	locks     *lockmap.Arena
	assets    AssetSource
	runtimes  RuntimeSource
	archivers []Archiver
	config    Config
	clock     func() time.Time
	logger    *slog.Logger
	journal   *journal
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithArchiver adds a rollback archive.
func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archivers = append(e.archivers, a) }
}

// NewEngine creates a teardown engine. locks must be the arena shared with
// the deployment and signal engines.
func NewEngine(ledger *deploy.Ledger, locks *lockmap.Arena, assets AssetSource, runtimes RuntimeSource, cfg Config, opts ...Option) *Engine {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultConfig().StepTimeout
	}
	if cfg.EmergencyWorker <= 0 {
		cfg.EmergencyWorker = 1
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = DefaultConfig().ArchiveTimeout
	}
	e := &Engine{
		ledger:   ledger,
		locks:    locks,
		assets:   assets,
		runtimes: runtimes,
		config:   cfg,
		clock:    time.Now,
		logger:   slog.Default(),
		journal:  newJournal(cfg.JournalSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Teardown removes one asset on operator request. It returns nil, nil when
// the asset is already being torn down, removed or halted.
func (e *Engine) Teardown(ctx context.Context, assetID, operator string) (*RollbackRecord, error) {
	const op = "teardown.Teardown"

	if operator == "" {
		return nil, ErrOperatorRequired
	}
	rec, ok := e.ledger.Get(assetID)
	if !ok {
		return nil, fmt.Errorf("%s: %w: %s", op, deploy.ErrRecordNotFound, assetID)
	}
	if rec.Status != deploy.StatusDeployed {
		e.logger.Info("teardown requested for asset not in Deployed, nothing to do",
			"asset_id", assetID, "status", rec.Status, "operator", operator)
		return nil, nil
	}

	r := e.run(ctx, TriggerManual, []string{assetID}, "", operator, nil)
	if r.Status == StatusFailed {
		return &r, faults.Newf(faults.KindTeardownStepFailed, op, assetID, "asset entered SafeHalt: %s", r.Outcomes[0].Error)
	}
	if r.Outcomes[0].Skipped {
		return nil, nil
	}
	return &r, nil
}

// Sweep tears down every Deployed asset whose lifetime has ended. It
// returns nil when nothing had expired.
func (e *Engine) Sweep(ctx context.Context) *RollbackRecord {
	now := e.clock()
	var expired []string
	for _, rec := range e.ledger.WithStatus(deploy.StatusDeployed) {
		if rec.Expired(now) {
			expired = append(expired, rec.AssetID)
		}
	}
	if len(expired) == 0 {
		return nil
	}

	stillExpired := func(rec deploy.Record) bool { return rec.Expired(e.clock()) }
	r := e.run(ctx, TriggerTimeout, expired, "", "", stillExpired)
	return &r
}

// Run sweeps on the configured interval until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	interval := e.config.SweepInterval
	if interval <= 0 {
		interval = DefaultConfig().SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("teardown sweeper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("teardown sweeper stopped")
			return
		case <-ticker.C:
			if r := e.Sweep(ctx); r != nil {
				e.logger.Info("expired assets swept",
					"rollback_id", r.RollbackID,
					"assets", len(r.AssetIDs),
					"status", r.Status,
				)
			}
		}
	}
}

// Emergency tears down assetIDs, or every Deployed asset when assetIDs is
// empty, under one rollback record. A failing asset does not stop the others.
func (e *Engine) Emergency(ctx context.Context, incidentID string, assetIDs []string, requestedBy string) (RollbackRecord, error) {
	const op = "teardown.Emergency"

	if len(assetIDs) == 0 {
		for _, rec := range e.ledger.WithStatus(deploy.StatusDeployed) {
			assetIDs = append(assetIDs, rec.AssetID)
		}
	}
	assetIDs = dedupe(assetIDs)

	r := e.run(ctx, TriggerEmergencyPlaybook, assetIDs, incidentID, requestedBy, nil)
	if r.Status == StatusFailed {
		return r, faults.Newf(faults.KindTeardownStepFailed, op, "",
			"incident %s: assets in SafeHalt: %v", incidentID, r.FailedAssets())
	}
	return r, nil
}

// ResolveSafeHalt moves a halted asset to Removed after an operator has
// cleaned it up by hand. Nothing calls it automatically.
func (e *Engine) ResolveSafeHalt(assetID, operator, note string) (deploy.Record, error) {
	if operator == "" {
		return deploy.Record{}, ErrOperatorRequired
	}

	unlock := e.locks.Lock(assetID)
	defer unlock()

	rec, err := e.ledger.Transition(assetID, deploy.StatusSafeHalt, deploy.StatusRemoved, e.clock().UTC(), func(r *deploy.Record) {
		r.ResolvedBy = operator
		if note != "" {
			r.HaltReason = r.HaltReason + " (resolved: " + note + ")"
		}
	})
	if err != nil {
		return deploy.Record{}, fmt.Errorf("resolve safe halt %s: %w", assetID, err)
	}
	e.runtimes.Release(assetID)
	metrics.SetSafeHaltAssets(len(e.ledger.WithStatus(deploy.StatusSafeHalt)))

	e.logger.Warn("SafeHalt resolved by operator",
		"asset_id", assetID,
		"operator", operator,
		"note", note,
	)
	return rec, nil
}

// Rollback returns the rollback record with id.
func (e *Engine) Rollback(id string) (RollbackRecord, bool) {
	return e.journal.get(id)
}

// Rollbacks returns the journaled rollback records, oldest first.
func (e *Engine) Rollbacks() []RollbackRecord {
	return e.journal.list()
}

// run executes one rollback over assetIDs. guard, if not nil, is re-checked
// under the asset lock before teardown begins.
func (e *Engine) run(ctx context.Context, trigger Trigger, assetIDs []string, incidentID, requestedBy string, guard func(deploy.Record) bool) RollbackRecord {
	r := RollbackRecord{
		RollbackID:  uuid.New().String(),
		AssetIDs:    assetIDs,
		Trigger:     trigger,
		IncidentID:  incidentID,
		RequestedBy: requestedBy,
		StartedAt:   e.clock().UTC(),
		Status:      StatusInProgress,
		Outcomes:    make([]AssetOutcome, len(assetIDs)),
	}
	e.journal.put(r)

	e.logger.Info("rollback started",
		"rollback_id", r.RollbackID,
		"trigger", trigger,
		"incident_id", incidentID,
		"assets", assetIDs,
	)

	if len(assetIDs) == 1 {
		r.Outcomes[0] = e.teardownAsset(ctx, r.RollbackID, trigger, assetIDs[0], guard)
	} else {
		var g errgroup.Group
		g.SetLimit(e.config.EmergencyWorker)
		for i, id := range assetIDs {
			g.Go(func() error {
				r.Outcomes[i] = e.teardownAsset(ctx, r.RollbackID, trigger, id, guard)
				return nil
			})
		}
		_ = g.Wait()
	}

	done := e.clock().UTC()
	r.CompletedAt = &done
	r.Status = StatusCompleted
	if len(r.FailedAssets()) > 0 {
		r.Status = StatusFailed
	}
	e.journal.put(r)
	metrics.SetSafeHaltAssets(len(e.ledger.WithStatus(deploy.StatusSafeHalt)))

	level := slog.LevelInfo
	if r.Status == StatusFailed {
		level = slog.LevelError
	}
	e.logger.Log(ctx, level, "rollback finished",
		"rollback_id", r.RollbackID,
		"trigger", trigger,
		"status", r.Status,
		"failed_assets", r.FailedAssets(),
	)

	e.archive(ctx, r)
	return r
}

// teardownAsset runs the teardown procedure of one asset under its lock.
func (e *Engine) teardownAsset(ctx context.Context, rollbackID string, trigger Trigger, assetID string, guard func(deploy.Record) bool) AssetOutcome {
	out := AssetOutcome{AssetID: assetID}

	unlock := e.locks.Lock(assetID)
	defer unlock()

	rec, ok := e.ledger.Get(assetID)
	if !ok {
		out.Skipped = true
		out.Error = deploy.ErrRecordNotFound.Error()
		return out
	}
	if rec.Status != deploy.StatusDeployed || (guard != nil && !guard(rec)) {
		out.Skipped = true
		out.FinalStatus = rec.Status
		return out
	}

	if _, err := e.ledger.Transition(assetID, deploy.StatusDeployed, deploy.StatusTearingDown, e.clock().UTC(), nil); err != nil {
		out.Skipped = true
		out.Error = err.Error()
		return out
	}

	// From here the teardown runs to completion or SafeHalt; caller
	// cancellation does not interrupt it.
	stepCtx := context.WithoutCancel(ctx)

	d, hasDescriptor := e.assets.Get(assetID)
	rt, hasRuntime := e.runtimes.Runtime(assetID)
	if !hasDescriptor || !hasRuntime {
		return e.halt(out, trigger, rollbackID, 0, "", errors.New("descriptor or runtime unavailable"))
	}

	for i, step := range d.TeardownProcedure.Steps {
		if err := e.execStep(stepCtx, rt, step.Action); err != nil {
			return e.halt(out, trigger, rollbackID, i+1, string(step.Action), err)
		}
		out.StepsCompleted++
		e.logger.Debug("teardown step completed",
			"rollback_id", rollbackID,
			"asset_id", assetID,
			"step", i+1,
			"action", step.Action,
		)
	}

	if _, err := e.ledger.Transition(assetID, deploy.StatusTearingDown, deploy.StatusRemoved, e.clock().UTC(), nil); err != nil {
		return e.halt(out, trigger, rollbackID, 0, "", err)
	}
	e.runtimes.Release(assetID)

	out.FinalStatus = deploy.StatusRemoved
	metrics.ObserveTeardown(string(trigger), string(deploy.StatusRemoved))
	e.logger.Info("asset removed",
		"rollback_id", rollbackID,
		"asset_id", assetID,
		"trigger", trigger,
		"steps", out.StepsCompleted,
	)
	return out
}

// execStep runs one action with the per-step timeout. A runtime that ignores
// its context still cannot hold the teardown past the timeout.
func (e *Engine) execStep(ctx context.Context, rt sandbox.Runtime, action asset.Action) error {
	ctx, cancel := context.WithTimeout(ctx, e.config.StepTimeout)
	defer cancel()

	start := time.Now()
	errc := make(chan error, 1)
	go func() { errc <- rt.Execute(ctx, action) }()

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		err = fmt.Errorf("step %s timed out after %s", action, e.config.StepTimeout)
	}
	metrics.ObserveTeardownStep(time.Since(start))
	return err
}

// halt moves the asset to SafeHalt. The asset stays there until an operator
// resolves it.
func (e *Engine) halt(out AssetOutcome, trigger Trigger, rollbackID string, step int, action string, cause error) AssetOutcome {
	reason := cause.Error()
	if step > 0 {
		reason = fmt.Sprintf("step %d (%s) failed: %v", step, action, cause)
	}

	if _, err := e.ledger.Transition(out.AssetID, deploy.StatusTearingDown, deploy.StatusSafeHalt, e.clock().UTC(), func(r *deploy.Record) {
		r.HaltReason = reason
	}); err != nil {
		e.logger.Error("failed to record SafeHalt", "asset_id", out.AssetID, "error", err)
	}

	out.FinalStatus = deploy.StatusSafeHalt
	out.FailedStep = step
	out.FailedAction = action
	out.Error = reason

	metrics.ObserveTeardown(string(trigger), string(deploy.StatusSafeHalt))
	e.logger.Error("teardown failed, asset in SafeHalt",
		"rollback_id", rollbackID,
		"asset_id", out.AssetID,
		"trigger", trigger,
		"reason", faults.KindTeardownStepFailed,
		"error", reason,
	)
	return out
}

func (e *Engine) archive(ctx context.Context, r RollbackRecord) {
	if len(e.archivers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.ArchiveTimeout)
	defer cancel()

	for _, a := range e.archivers {
		if err := a.ArchiveRollback(ctx, r); err != nil {
			e.logger.Warn("failed to archive rollback record",
				"rollback_id", r.RollbackID,
				"error", err,
			)
		}
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
