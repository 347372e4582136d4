// Package visibility is the read-only analyst view of deployed assets,
// their signals, triggered playbooks and rollbacks. Nothing in this package
// can change deployment state.
package visibility

import (
	"crypto/ed25519"
	"time"

	"boundary-deception/internal/asset"
	"boundary-deception/internal/deploy"
	"boundary-deception/internal/dispatch"
	"boundary-deception/internal/registry"
	"boundary-deception/internal/response"
	"boundary-deception/internal/security/watchdog"
	"boundary-deception/internal/signal"
	"boundary-deception/internal/teardown"
)

// Health summarizes an asset's lifecycle position.
type Health string

const (
	HealthHealthy              Health = "Healthy"
	HealthWarning              Health = "Warning"
	HealthCritical             Health = "Critical"
	HealthExpired              Health = "Expired"
	HealthInactive             Health = "Inactive"
	HealthRequiresIntervention Health = "RequiresIntervention"
)

// Reader interfaces over the owning components.
type (
	DeploymentReader interface {
		List() []deploy.Record
		Get(assetID string) (deploy.Record, bool)
	}
	AssetReader interface {
		Get(assetID string) (*asset.Descriptor, bool)
		Rejections() []registry.Rejection
	}
	SignalReader interface {
		ForAsset(assetID string) []signal.Signal
	}
	PlaybookReader interface {
		TriggeredPlaybooks(assetID string) []response.Event
		NoActions() []response.Event
	}
	RollbackReader interface {
		Rollbacks() []teardown.RollbackRecord
	}
	RefusalReader interface {
		Refusals() []deploy.Refusal
	}
	DropReader interface {
		Drops() []dispatch.Drop
	}
)

// DeploymentView is one deployed asset as shown to analysts.
type DeploymentView struct {
	AssetID         string     `json:"asset_id"`
	AssetType       string     `json:"asset_type,omitempty"`
	DeploymentScope string     `json:"deployment_scope,omitempty"`
	Visibility      string     `json:"visibility,omitempty"`
	Generation      int        `json:"generation"`
	DeployedAt      time.Time  `json:"deployed_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Status          string     `json:"status"`
	Endpoint        string     `json:"endpoint,omitempty"`
	Health          Health     `json:"health"`
	HaltReason      string     `json:"halt_reason,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
}

// Gateway assembles read-only views.
type Gateway struct {
	deployments DeploymentReader
	assets      AssetReader
	signals     SignalReader
	playbooks   PlaybookReader
	rollbacks   RollbackReader
	refusals    RefusalReader
	drops       DropReader
	service     ServiceHealthReader
	signalKey   ed25519.PublicKey
	clock       func() time.Time
}

// ServiceHealthReader exposes the process-level health checks.
type ServiceHealthReader interface {
	Health() *watchdog.Health
}

// WithSignalKey publishes pub at /v1/signal-key.
func (g *Gateway) WithSignalKey(pub ed25519.PublicKey) *Gateway {
	g.signalKey = pub
	return g
}

// WithDeployRefusals serves r at /v1/deploy-refusals.
func (g *Gateway) WithDeployRefusals(r RefusalReader) *Gateway {
	g.refusals = r
	return g
}

// WithDroppedSignals serves r at /v1/dropped-signals.
func (g *Gateway) WithDroppedSignals(r DropReader) *Gateway {
	g.drops = r
	return g
}

// WithServiceHealth makes /health report s instead of a static "ok".
func (g *Gateway) WithServiceHealth(s ServiceHealthReader) *Gateway {
	g.service = s
	return g
}

// NewGateway creates a Gateway over the given readers.
func NewGateway(d DeploymentReader, a AssetReader, s SignalReader, p PlaybookReader, r RollbackReader) *Gateway {
	return &Gateway{
		deployments: d,
		assets:      a,
		signals:     s,
		playbooks:   p,
		rollbacks:   r,
		clock:       time.Now,
	}
}

// ComputeHealth derives the health of rec at now. Without a lifetime a
// Deployed asset is always Healthy.
func ComputeHealth(rec deploy.Record, now time.Time) Health {
	switch rec.Status {
	case deploy.StatusSafeHalt:
		return HealthRequiresIntervention
	case deploy.StatusDeployed:
	default:
		return HealthInactive
	}

	if rec.ExpiresAt == nil {
		return HealthHealthy
	}
	remaining := rec.ExpiresAt.Sub(now)
	if remaining < 0 {
		return HealthExpired
	}
	total := rec.ExpiresAt.Sub(rec.DeployedAt)
	if total <= 0 {
		return HealthCritical
	}

	switch fraction := float64(remaining) / float64(total); {
	case fraction > 0.5:
		return HealthHealthy
	case fraction > 0.2:
		return HealthWarning
	default:
		return HealthCritical
	}
}

func (g *Gateway) view(rec deploy.Record, now time.Time) DeploymentView {
	v := DeploymentView{
		AssetID:    rec.AssetID,
		Generation: rec.Generation,
		DeployedAt: rec.DeployedAt,
		ExpiresAt:  rec.ExpiresAt,
		Status:     string(rec.Status),
		Endpoint:   rec.Endpoint,
		Health:     ComputeHealth(rec, now),
		HaltReason: rec.HaltReason,
		ResolvedBy: rec.ResolvedBy,
	}
	if d, ok := g.assets.Get(rec.AssetID); ok {
		v.AssetType = string(d.AssetType)
		v.DeploymentScope = string(d.Scope)
		v.Visibility = string(d.Visibility)
	}
	return v
}

// Deployments returns every deployment record.
func (g *Gateway) Deployments() []DeploymentView {
	now := g.clock()
	records := g.deployments.List()
	out := make([]DeploymentView, 0, len(records))
	for _, rec := range records {
		out = append(out, g.view(rec, now))
	}
	return out
}

// Deployment returns the view of one asset.
func (g *Gateway) Deployment(assetID string) (DeploymentView, bool) {
	rec, ok := g.deployments.Get(assetID)
	if !ok {
		return DeploymentView{}, false
	}
	return g.view(rec, g.clock()), true
}

// Health returns the health of assetID.
func (g *Gateway) Health(assetID string) (Health, bool) {
	rec, ok := g.deployments.Get(assetID)
	if !ok {
		return "", false
	}
	return ComputeHealth(rec, g.clock()), true
}

// Interactions returns the signals emitted for assetID.
func (g *Gateway) Interactions(assetID string) []signal.Signal {
	return g.signals.ForAsset(assetID)
}

// TriggeredPlaybooks returns the playbooks triggered by assetID's signals.
func (g *Gateway) TriggeredPlaybooks(assetID string) []response.Event {
	return g.playbooks.TriggeredPlaybooks(assetID)
}

// NoActions returns the recorded unmapped-interaction events.
func (g *Gateway) NoActions() []response.Event {
	return g.playbooks.NoActions()
}

// Rejections returns the last registry rejection report.
func (g *Gateway) Rejections() []registry.Rejection {
	return g.assets.Rejections()
}

// DeploymentRejections returns the deployments the engine refused or failed
// to start after the descriptors passed the registry.
func (g *Gateway) DeploymentRejections() []deploy.Refusal {
	if g.refusals == nil {
		return nil
	}
	return g.refusals.Refusals()
}

// DroppedSignals returns the signals that never reached the downstream
// handlers.
func (g *Gateway) DroppedSignals() []dispatch.Drop {
	if g.drops == nil {
		return nil
	}
	return g.drops.Drops()
}

// Rollbacks returns the journaled rollback records.
func (g *Gateway) Rollbacks() []teardown.RollbackRecord {
	return g.rollbacks.Rollbacks()
}

// RequiringIntervention returns the assets halted in SafeHalt.
func (g *Gateway) RequiringIntervention() []DeploymentView {
	var out []DeploymentView
	for _, v := range g.Deployments() {
		if v.Health == HealthRequiresIntervention {
			out = append(out, v)
		}
	}
	return out
}
