package response

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"boundary-deception/internal/faults"
	"boundary-deception/internal/metrics"
	"boundary-deception/internal/signal"
)

// Outcome is the result of handling one signal.
type Outcome string

const (
	OutcomeTriggered     Outcome = "triggered"
	OutcomeNoAction      Outcome = "no_action"
	OutcomeTriggerFailed Outcome = "trigger_failed"
	OutcomeRejected      Outcome = "rejected"
)

// PlaybookTrigger asks the playbook engine to run a playbook.
type PlaybookTrigger struct {
	TriggerID       string    `json:"trigger_id"`
	PlaybookID      string    `json:"playbook_id"`
	SignalID        string    `json:"signal_id"`
	AssetID         string    `json:"asset_id"`
	InteractionType string    `json:"interaction_type"`
	ObservedAt      time.Time `json:"observed_at"`
	Confidence      float64   `json:"confidence"`
	ContentHash     string    `json:"content_hash"`
	Signature       string    `json:"signature"`
	IssuedAt        time.Time `json:"issued_at"`
}

// Trigger delivers playbook triggers.
type Trigger interface {
	Fire(ctx context.Context, t PlaybookTrigger) error
}

// Event is one journaled handling outcome.
type Event struct {
	SignalID        string    `json:"signal_id"`
	AssetID         string    `json:"asset_id"`
	InteractionType string    `json:"interaction_type"`
	PlaybookID      string    `json:"playbook_id,omitempty"`
	TriggerID       string    `json:"trigger_id,omitempty"`
	Outcome         Outcome   `json:"outcome"`
	Error           string    `json:"error,omitempty"`
	At              time.Time `json:"at"`
}

// Mapper resolves signals against a Table and fires mapped playbooks.
type Mapper struct {
	table   *Table
	trigger Trigger
	key     ed25519.PublicKey
	timeout time.Duration
	clock   func() time.Time
	logger  *slog.Logger

	mu       sync.RWMutex
	journal  []Event
	capacity int
}

// Option configures a Mapper.
type Option func(*Mapper)

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Mapper) { m.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mapper) { m.logger = logger }
}

// WithJournalCapacity bounds the in-memory outcome journal.
func WithJournalCapacity(n int) Option {
	return func(m *Mapper) { m.capacity = n }
}

// WithTriggerTimeout bounds each trigger delivery.
func WithTriggerTimeout(d time.Duration) Option {
	return func(m *Mapper) { m.timeout = d }
}

// NewMapper creates a Mapper. key verifies signals before anything fires.
func NewMapper(table *Table, trigger Trigger, key ed25519.PublicKey, opts ...Option) *Mapper {
	m := &Mapper{
		table:    table,
		trigger:  trigger,
		key:      key,
		timeout:  5 * time.Second,
		clock:    time.Now,
		logger:   slog.Default(),
		capacity: 10000,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resolve returns the playbook mapped to interactionType. It has no side
// effects.
func (m *Mapper) Resolve(interactionType string) (string, bool) {
	return m.table.Resolve(interactionType)
}

// Table returns the loaded mapping table.
func (m *Mapper) Table() *Table {
	return m.table
}

// Handle resolves s and, when mapped, fires its playbook. Every outcome is
// journaled; unmapped types are an UnmappedInteraction no-action.
func (m *Mapper) Handle(ctx context.Context, s signal.Signal) {
	ev := Event{
		SignalID:        s.SignalID,
		AssetID:         s.AssetID,
		InteractionType: s.InteractionType,
		At:              m.clock().UTC(),
	}

	if err := signal.Validate(s, m.key); err != nil {
		ev.Outcome = OutcomeRejected
		ev.Error = err.Error()
		m.record(ev)
		m.logger.Error("inadmissible signal ignored by response mapper",
			"signal_id", s.SignalID, "asset_id", s.AssetID, "error", err)
		return
	}

	playbookID, ok := m.Resolve(s.InteractionType)
	if !ok {
		ev.Outcome = OutcomeNoAction
		ev.Error = string(faults.KindUnmappedInteraction)
		m.record(ev)
		m.logger.Warn("no playbook mapped for interaction, no action taken",
			"signal_id", s.SignalID,
			"asset_id", s.AssetID,
			"interaction_type", s.InteractionType,
			"reason", faults.KindUnmappedInteraction,
		)
		return
	}

	t := PlaybookTrigger{
		TriggerID:       uuid.New().String(),
		PlaybookID:      playbookID,
		SignalID:        s.SignalID,
		AssetID:         s.AssetID,
		InteractionType: s.InteractionType,
		ObservedAt:      s.ObservedAt,
		Confidence:      s.ConfidenceScore,
		ContentHash:     s.ContentHash,
		Signature:       s.Signature,
		IssuedAt:        ev.At,
	}
	ev.PlaybookID = playbookID
	ev.TriggerID = t.TriggerID

	fireCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.trigger.Fire(fireCtx, t); err != nil {
		ev.Outcome = OutcomeTriggerFailed
		ev.Error = err.Error()
		m.record(ev)
		m.logger.Error("failed to trigger playbook",
			"playbook_id", playbookID,
			"signal_id", s.SignalID,
			"error", err,
		)
		return
	}

	ev.Outcome = OutcomeTriggered
	m.record(ev)
	m.logger.Info("playbook triggered",
		"playbook_id", playbookID,
		"trigger_id", t.TriggerID,
		"signal_id", s.SignalID,
		"asset_id", s.AssetID,
	)
}

func (m *Mapper) record(ev Event) {
	metrics.ObservePlaybookResolution(string(ev.Outcome))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal = append(m.journal, ev)
	if m.capacity > 0 && len(m.journal) > m.capacity {
		m.journal = append([]Event(nil), m.journal[len(m.journal)-m.capacity:]...)
	}
}

// Events returns the journal, optionally filtered by asset id and outcome.
// Empty filters match everything.
func (m *Mapper) Events(assetID string, outcome Outcome) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for _, ev := range m.journal {
		if assetID != "" && ev.AssetID != assetID {
			continue
		}
		if outcome != "" && ev.Outcome != outcome {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// TriggeredPlaybooks returns the triggered events of assetID.
func (m *Mapper) TriggeredPlaybooks(assetID string) []Event {
	return m.Events(assetID, OutcomeTriggered)
}

// NoActions returns every recorded no-action event.
func (m *Mapper) NoActions() []Event {
	return m.Events("", OutcomeNoAction)
}
