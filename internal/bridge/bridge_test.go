package bridge

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"boundary-deception/internal/signal"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []CorrelationEvent
	err    error
}

func (c *capturePublisher) Publish(_ context.Context, ev CorrelationEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, ev)
	return nil
}

type captureProducer struct {
	topic, key string
	value      interface{}
}

func (c *captureProducer) ProduceJSON(_ context.Context, topic, key string, value interface{}) error {
	c.topic, c.key, c.value = topic, key, value
	return nil
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sealed(t *testing.T, confidence float64) (signal.Signal, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	s := signal.Signal{
		SignalID:        "3f1c2a9e-6d1b-4c1e-9b52-1e2f3a4b5c6d",
		InteractionID:   "int-1",
		AssetID:         "cred-lure-1",
		InteractionType: "credential_lure_touched",
		ObservedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ConfidenceScore: confidence,
		Source:          "10.1.2.3",
	}
	if err := s.Seal(priv); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	return s, pub
}

func TestForward_StrongIndicator(t *testing.T) {
	s, pub := sealed(t, 0.95)
	pubr := &capturePublisher{}
	b := New(pubr, pub, time.Second, quiet())

	b.Forward(context.Background(), s)

	if len(pubr.events) != 1 {
		t.Fatalf("published %d events, want 1", len(pubr.events))
	}
	ev := pubr.events[0]
	if !ev.StrongIndicator || !ev.DecayExempt || ev.CorroborationRequired {
		t.Errorf("flags = strong %v decay_exempt %v corroboration %v", ev.StrongIndicator, ev.DecayExempt, ev.CorroborationRequired)
	}
	if ev.Source != "deception" || ev.Entity != "deception:cred-lure-1" || ev.SignalType != "deception:credential_lure_touched" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Signature != s.Signature || ev.ContentHash != s.ContentHash {
		t.Error("signature material not carried")
	}
}

func TestForward_RejectsInadmissible(t *testing.T) {
	s, pub := sealed(t, 0.95)
	pubr := &capturePublisher{}
	b := New(pubr, pub, time.Second, quiet())

	tampered := s
	tampered.InteractionType = "file_lure_accessed"
	b.Forward(context.Background(), tampered)

	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)
	New(pubr, otherPub, time.Second, quiet()).Forward(context.Background(), s)

	if len(pubr.events) != 0 {
		t.Errorf("published %d inadmissible events", len(pubr.events))
	}
}

func TestForward_PublishErrorSwallowed(t *testing.T) {
	s, pub := sealed(t, 0.95)
	b := New(&capturePublisher{err: errors.New("kafka down")}, pub, time.Second, quiet())
	b.Forward(context.Background(), s)
}

func TestKafkaPublisher(t *testing.T) {
	s, _ := sealed(t, 0.95)
	prod := &captureProducer{}
	p := NewKafkaPublisher(prod, "deception-signals")

	if err := p.Publish(context.Background(), NewCorrelationEvent(s)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if prod.topic != "deception-signals" || prod.key != "cred-lure-1" {
		t.Errorf("topic/key = %s/%s", prod.topic, prod.key)
	}

	data, err := json.Marshal(prod.value)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"strong_indicator", "decay_exempt", "corroboration_required", "signal_type", "entity"} {
		if _, ok := m[field]; !ok {
			t.Errorf("wire form missing %q", field)
		}
	}
}
