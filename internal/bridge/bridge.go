// Package bridge forwards validated deception signals to the correlation
// engine as strong indicators. It performs no enforcement.
package bridge

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"time"

	"boundary-deception/internal/metrics"
	"boundary-deception/internal/signal"
)

// Source identifies deception events in the correlation engine.
const Source = "deception"

// CorrelationEvent is the record handed to the correlation engine.
type CorrelationEvent struct {
	EventID               string            `json:"event_id"`
	Source                string            `json:"source"`
	SignalType            string            `json:"signal_type"`
	Entity                string            `json:"entity"`
	AssetID               string            `json:"asset_id"`
	Timestamp             time.Time         `json:"timestamp"`
	Confidence            float64           `json:"confidence"`
	StrongIndicator       bool              `json:"strong_indicator"`
	DecayExempt           bool              `json:"decay_exempt"`
	CorroborationRequired bool              `json:"corroboration_required"`
	Origin                string            `json:"origin,omitempty"`
	Attributes            map[string]string `json:"attributes,omitempty"`
	ContentHash           string            `json:"content_hash"`
	Signature             string            `json:"signature"`
}

// NewCorrelationEvent wraps s. Deception evidence is never decayed and never
// waits for corroboration.
func NewCorrelationEvent(s signal.Signal) CorrelationEvent {
	return CorrelationEvent{
		EventID:               s.SignalID,
		Source:                Source,
		SignalType:            "deception:" + s.InteractionType,
		Entity:                "deception:" + s.AssetID,
		AssetID:               s.AssetID,
		Timestamp:             s.ObservedAt,
		Confidence:            s.ConfidenceScore,
		StrongIndicator:       true,
		DecayExempt:           true,
		CorroborationRequired: false,
		Origin:                s.Source,
		Attributes:            s.Metadata,
		ContentHash:           s.ContentHash,
		Signature:             s.Signature,
	}
}

// Publisher delivers correlation events.
type Publisher interface {
	Publish(ctx context.Context, ev CorrelationEvent) error
}

// Bridge forwards signals to a Publisher.
type Bridge struct {
	publisher Publisher
	key       ed25519.PublicKey
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates a Bridge that re-validates signals against key.
func New(publisher Publisher, key ed25519.PublicKey, timeout time.Duration, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Bridge{publisher: publisher, key: key, timeout: timeout, logger: logger}
}

// Forward publishes s. It is fire-and-forget: inadmissible signals and
// publish failures are logged and counted, never returned.
func (b *Bridge) Forward(ctx context.Context, s signal.Signal) {
	if err := signal.Validate(s, b.key); err != nil {
		metrics.ObserveForward("rejected")
		b.logger.Error("inadmissible signal not forwarded",
			"signal_id", s.SignalID,
			"asset_id", s.AssetID,
			"error", err,
		)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if err := b.publisher.Publish(ctx, NewCorrelationEvent(s)); err != nil {
		metrics.ObserveForward(metrics.OutcomeError)
		b.logger.Error("failed to forward signal to correlation engine",
			"signal_id", s.SignalID,
			"asset_id", s.AssetID,
			"error", err,
		)
		return
	}

	metrics.ObserveForward(metrics.OutcomeSuccess)
	b.logger.Debug("signal forwarded", "signal_id", s.SignalID, "asset_id", s.AssetID)
}

// Handle lets the Bridge run as a dispatcher handler.
func (b *Bridge) Handle(ctx context.Context, s signal.Signal) {
	b.Forward(ctx, s)
}
