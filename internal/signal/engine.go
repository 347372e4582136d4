package signal

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"boundary-deception/internal/asset"
	"boundary-deception/internal/deploy"
	"boundary-deception/internal/faults"
	"boundary-deception/internal/lockmap"
	"boundary-deception/internal/logging"
	"boundary-deception/internal/metrics"
	"boundary-deception/internal/security/signing"
)

// AssetSource looks up verified descriptors.
type AssetSource interface {
	Get(assetID string) (*asset.Descriptor, bool)
}

// RecordSource looks up deployment records.
type RecordSource interface {
	Get(assetID string) (deploy.Record, bool)
}

// Sink receives emitted signals, in per-asset emission order.
type Sink interface {
	Submit(s Signal)
}

// Engine turns interactions into signals.
type Engine struct {
	assets   AssetSource
	records  RecordSource
	locks    *lockmap.Arena
	dedup    Deduper
	key      ed25519.PrivateKey
	store    *Store
	sink     Sink
	archiver Archiver
	clock    func() time.Time
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink sets where emitted signals are handed off.
func WithSink(sink Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithArchiver sets an external signal archive.
func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// WithDeduper replaces the in-memory deduper.
func WithDeduper(d Deduper) Option {
	return func(e *Engine) { e.dedup = d }
}

// WithClock sets the time source used when an interaction has no timestamp.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates a signal engine that signs with key. locks must be the
// arena shared with the deployment and teardown engines.
func NewEngine(assets AssetSource, records RecordSource, locks *lockmap.Arena, key ed25519.PrivateKey, store *Store, opts ...Option) *Engine {
	e := &Engine{
		assets:  assets,
		records: records,
		locks:   locks,
		dedup:   NewMemoryDeduper(24 * time.Hour),
		key:     key,
		store:   store,
		clock:   time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PublicKey returns the key that verifies emitted signals.
func (e *Engine) PublicKey() ed25519.PublicKey {
	return e.key.Public().(ed25519.PublicKey)
}

// Observe scores an interaction with assetID and, if it is unambiguous,
// emits a signed signal. Discarded interactions return (nil, false) and are
// only logged and counted.
func (e *Engine) Observe(ctx context.Context, assetID string, in asset.Interaction) (*Signal, bool) {
	unlock := e.locks.Lock(assetID)
	defer unlock()

	rec, ok := e.records.Get(assetID)
	if !ok || rec.Status != deploy.StatusDeployed {
		metrics.ObserveSignal(metrics.SignalInactiveAsset)
		e.logger.Debug("interaction with inactive asset discarded",
			"asset_id", assetID, "interaction_type", in.Type)
		return nil, false
	}
	d, ok := e.assets.Get(assetID)
	if !ok {
		metrics.ObserveSignal(metrics.SignalInactiveAsset)
		e.logger.Warn("interaction with unknown asset discarded", "asset_id", assetID)
		return nil, false
	}

	score := Score(d, in)
	if score < Threshold {
		metrics.ObserveSignal(metrics.SignalLowConfidence)
		e.logger.Info("interaction discarded",
			"asset_id", assetID,
			"interaction_type", in.Type,
			"confidence", score,
			"reason", faults.KindLowConfidenceInteraction,
		)
		return nil, false
	}

	observed := in.ObservedAt
	if observed.IsZero() {
		observed = e.clock()
	}
	in.ObservedAt = observed.UTC()
	if in.ID == "" {
		id, err := InteractionKey(assetID, in)
		if err != nil {
			metrics.ObserveSignal(metrics.SignalDedupError)
			e.logger.Error("failed to derive interaction key, discarding", "asset_id", assetID, "error", err)
			return nil, false
		}
		in.ID = id
	}
	first, err := e.dedup.FirstSeen(ctx, assetID+"/"+in.ID)
	if err != nil {
		metrics.ObserveSignal(metrics.SignalDedupError)
		e.logger.Error("interaction dedup failed, discarding", "asset_id", assetID, "error", err)
		return nil, false
	}
	if !first {
		metrics.ObserveSignal(metrics.SignalDuplicate)
		e.logger.Debug("duplicate interaction discarded", "asset_id", assetID, "interaction_id", in.ID)
		return nil, false
	}

	sig := Signal{
		SignalID:        uuid.New().String(),
		InteractionID:   in.ID,
		AssetID:         assetID,
		InteractionType: in.Type,
		ObservedAt:      in.ObservedAt,
		ConfidenceScore: score,
		Source:          in.Source,
		Metadata:        logging.MaskMetadata(in.Metadata),
	}
	if err := sig.Seal(e.key); err != nil {
		metrics.ObserveSignal(metrics.SignalSignError)
		e.logger.Error("failed to sign signal", "asset_id", assetID, "error", err)
		return nil, false
	}

	e.store.Append(sig)
	if e.archiver != nil {
		if err := e.archiver.ArchiveSignal(sig); err != nil {
			e.logger.Warn("failed to archive signal", "signal_id", sig.SignalID, "error", err)
		}
	}
	if e.sink != nil {
		e.sink.Submit(sig)
	}

	metrics.ObserveSignal(metrics.SignalEmitted)
	e.logger.Info("deception signal emitted",
		"signal_id", sig.SignalID,
		"asset_id", assetID,
		"interaction_type", in.Type,
		"confidence", score,
	)
	return &sig, true
}

// interactionIdentity is the part of an interaction that identifies a
// single observation. Metadata is excluded; it may be enriched on resend.
type interactionIdentity struct {
	AssetID    string    `json:"asset_id"`
	Type       string    `json:"interaction_type"`
	ObservedAt time.Time `json:"observed_at"`
	Source     string    `json:"source,omitempty"`
	Port       int       `json:"port,omitempty"`
	Path       string    `json:"path,omitempty"`
	Principal  string    `json:"principal,omitempty"`
}

// InteractionKey derives a stable interaction id from the canonical form of
// in, so a resent report without an id deduplicates against the original.
func InteractionKey(assetID string, in asset.Interaction) (string, error) {
	payload, err := signing.Canonical(interactionIdentity{
		AssetID:    assetID,
		Type:       in.Type,
		ObservedAt: in.ObservedAt.UTC(),
		Source:     in.Source,
		Port:       in.Port,
		Path:       in.Path,
		Principal:  in.Principal,
	})
	if err != nil {
		return "", err
	}
	return "sha256:" + signing.Digest(payload).String(), nil
}

// Report adapts Observe to the sandbox reporter interface.
func (e *Engine) Report(ctx context.Context, in asset.Interaction) {
	e.Observe(ctx, in.AssetID, in)
}

// Store returns the signal journal.
func (e *Engine) Store() *Store {
	return e.store
}
