// Package deploy turns verified asset descriptors into running, sandboxed
// deployments and keeps their records.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"boundary-deception/internal/asset"
	"boundary-deception/internal/faults"
	"boundary-deception/internal/lockmap"
	"boundary-deception/internal/metrics"
	"boundary-deception/internal/sandbox"
	"boundary-deception/internal/topology"
)

// SafeHaltScope selects how far a SafeHalt blocks new deployments.
type SafeHaltScope string

const (
	// SafeHaltAsset blocks only the halted asset id.
	SafeHaltAsset SafeHaltScope = "asset"
	// SafeHaltPlatform blocks every new deployment while any asset is halted.
	SafeHaltPlatform SafeHaltScope = "platform"
)

// Valid reports whether s is a known scope.
func (s SafeHaltScope) Valid() bool {
	return s == SafeHaltAsset || s == SafeHaltPlatform
}

// Config holds deployment engine settings.
type Config struct {
	SafeHaltScope  SafeHaltScope `yaml:"safe_halt_scope"`
	OverlapTimeout time.Duration `yaml:"overlap_timeout"`
}

// DefaultConfig returns the default deployment configuration.
func DefaultConfig() Config {
	return Config{
		SafeHaltScope:  SafeHaltAsset,
		OverlapTimeout: 5 * time.Second,
	}
}

// Provisioner builds runtimes for descriptors.
type Provisioner interface {
	Provision(d *asset.Descriptor) (sandbox.Runtime, error)
}

// Binder is implemented by provisioners that place runtimes somewhere other
// than the descriptor's footprint, such as a configured bind host. The
// overlap check runs against the footprint Binder returns.
type Binder interface {
	EffectiveFootprint(d *asset.Descriptor) asset.Footprint
}

// maxRefusals bounds the refusal journal.
const maxRefusals = 512

// Refusal records a deployment the engine declined or failed to start.
type Refusal struct {
	AssetID string      `json:"asset_id"`
	Kind    faults.Kind `json:"kind"`
	Detail  string      `json:"detail"`
	At      time.Time   `json:"at"`
}

// Engine deploys verified assets.
type Engine struct {
	ledger      *Ledger
	locks       *lockmap.Arena
	guard       *topology.Guard
	provisioner Provisioner
	scope       SafeHaltScope
	clock       func() time.Time
	logger      *slog.Logger

	mu       sync.RWMutex
	runtimes map[string]sandbox.Runtime

	refusalMu sync.RWMutex
	refusals  []Refusal
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

// WithSafeHaltScope sets the SafeHalt blast radius.
func WithSafeHaltScope(scope SafeHaltScope) Option {
	return func(e *Engine) { e.scope = scope }
}

// NewEngine creates a deployment engine. locks must be the arena shared
// with the signal and teardown engines.
func NewEngine(ledger *Ledger, locks *lockmap.Arena, guard *topology.Guard, provisioner Provisioner, opts ...Option) *Engine {
	e := &Engine{
		ledger:      ledger,
		locks:       locks,
		guard:       guard,
		provisioner: provisioner,
		scope:       SafeHaltAsset,
		clock:       time.Now,
		logger:      slog.Default(),
		runtimes:    make(map[string]sandbox.Runtime),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Deploy brings d up and returns its record. If a live record already exists
// for d's asset id, it is returned unchanged and nothing is started.
// Every refusal and start failure is also kept in the refusal journal.
func (e *Engine) Deploy(ctx context.Context, d *asset.Descriptor) (Record, error) {
	const op = "deploy.Deploy"

	unlock := e.locks.Lock(d.AssetID)
	defer unlock()

	prev, exists := e.ledger.Get(d.AssetID)
	if exists && prev.Status.Live() {
		e.logger.Info("asset already deployed",
			"asset_id", d.AssetID,
			"status", prev.Status,
			"reason", faults.KindDeploymentConflict,
		)
		metrics.ObserveDeployment("existing")
		return prev, nil
	}

	if !d.AssetType.Valid() {
		return Record{}, e.refuse(faults.Newf(faults.KindSafetyInvariantViolation, op, d.AssetID,
			"asset_type %q is not deployable", d.AssetType))
	}

	if e.scope == SafeHaltPlatform && e.ledger.HasSafeHalt() {
		return Record{}, e.refuse(faults.Newf(faults.KindSafetyInvariantViolation, op, d.AssetID,
			"platform is in SafeHalt; resolve halted assets before deploying"))
	}

	fp := d.Footprint
	if b, ok := e.provisioner.(Binder); ok {
		fp = b.EffectiveFootprint(d)
	}
	if err := e.guard.Check(ctx, d.AssetID, fp); err != nil {
		e.logger.Error("deployment refused: production overlap",
			"asset_id", d.AssetID,
			"address", fp.Address,
			"error", err,
		)
		return Record{}, e.refuse(faults.New(faults.KindSafetyInvariantViolation, op, d.AssetID, err))
	}

	rt, err := e.provisioner.Provision(d)
	if err != nil {
		if kind := faults.KindOf(err); kind != "" {
			// The runtime itself refused, e.g. a lure path outside the root.
			return Record{}, e.refuse(faults.New(kind, op, d.AssetID, err))
		}
		return Record{}, e.fail(faults.New(faults.KindProvisionFailed, op, d.AssetID, fmt.Errorf("provision: %w", err)))
	}
	if err := rt.Start(ctx); err != nil {
		return Record{}, e.fail(faults.New(faults.KindProvisionFailed, op, d.AssetID, fmt.Errorf("start: %w", err)))
	}

	now := e.clock().UTC()
	rec := Record{
		AssetID:    d.AssetID,
		Generation: prev.Generation + 1,
		DeployedAt: now,
		Status:     StatusDeployed,
		Endpoint:   rt.Endpoint(),
		UpdatedAt:  now,
	}
	if d.HasLifetime() {
		expires := now.Add(d.MaxLifetime.Duration)
		rec.ExpiresAt = &expires
	}

	if err := e.ledger.create(rec); err != nil {
		stopRuntime(ctx, rt)
		return Record{}, e.fail(faults.New(faults.KindProvisionFailed, op, d.AssetID, err))
	}

	e.mu.Lock()
	e.runtimes[d.AssetID] = rt
	e.mu.Unlock()

	metrics.ObserveDeployment("deployed")
	e.logger.Info("asset deployed",
		"asset_id", d.AssetID,
		"asset_type", d.AssetType,
		"endpoint", rec.Endpoint,
		"generation", rec.Generation,
		"expires_at", rec.ExpiresAt,
	)
	return rec, nil
}

func (e *Engine) refuse(err *faults.Error) error {
	metrics.ObserveDeployment("refused")
	e.journal(err)
	return err
}

func (e *Engine) fail(err *faults.Error) error {
	metrics.ObserveDeployment("failed")
	e.journal(err)
	return err
}

func (e *Engine) journal(err *faults.Error) {
	detail := err.Error()
	if err.Err != nil {
		detail = err.Err.Error()
	}
	r := Refusal{
		AssetID: err.AssetID,
		Kind:    err.Kind,
		Detail:  detail,
		At:      e.clock().UTC(),
	}

	e.refusalMu.Lock()
	e.refusals = append(e.refusals, r)
	if n := len(e.refusals); n > maxRefusals {
		e.refusals = append(e.refusals[:0:0], e.refusals[n-maxRefusals:]...)
	}
	e.refusalMu.Unlock()
}

// Refusals returns the journaled refusals, oldest first.
func (e *Engine) Refusals() []Refusal {
	e.refusalMu.RLock()
	defer e.refusalMu.RUnlock()
	out := make([]Refusal, len(e.refusals))
	copy(out, e.refusals)
	return out
}

// DeployAll deploys each descriptor and collects per-asset failures.
func (e *Engine) DeployAll(ctx context.Context, ds []*asset.Descriptor) ([]Record, map[string]error) {
	var records []Record
	failed := make(map[string]error)
	for _, d := range ds {
		rec, err := e.Deploy(ctx, d)
		if err != nil {
			failed[d.AssetID] = err
			e.logger.Error("deployment failed", "asset_id", d.AssetID, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, failed
}

// Runtime returns the live runtime of assetID.
func (e *Engine) Runtime(assetID string) (sandbox.Runtime, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rt, ok := e.runtimes[assetID]
	return rt, ok
}

// Release forgets the runtime of assetID once its teardown completed.
func (e *Engine) Release(assetID string) {
	e.mu.Lock()
	delete(e.runtimes, assetID)
	e.mu.Unlock()
}

// RuntimeIDs returns the asset ids with a held runtime.
func (e *Engine) RuntimeIDs() []string {
	e.mu.RLock()
	ids := make([]string, 0, len(e.runtimes))
	for id := range e.runtimes {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Ledger returns the record ledger.
func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

// stopRuntime undoes a start whose record could not be stored.
func stopRuntime(ctx context.Context, rt sandbox.Runtime) {
	for _, a := range []asset.Action{asset.ActionRemoveListener, asset.ActionRemoveCredential, asset.ActionDeleteFile} {
		_ = rt.Execute(ctx, a)
	}
}
