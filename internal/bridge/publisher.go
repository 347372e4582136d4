package bridge

import (
	"context"
	"log/slog"
)

// JSONProducer writes JSON values to a topic.
type JSONProducer interface {
	ProduceJSON(ctx context.Context, topic, key string, value interface{}) error
}

// KafkaPublisher publishes correlation events to a Kafka topic, keyed by
// asset id.
type KafkaPublisher struct {
	producer JSONProducer
	topic    string
}

// NewKafkaPublisher creates a KafkaPublisher.
func NewKafkaPublisher(producer JSONProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, ev CorrelationEvent) error {
	return p.producer.ProduceJSON(ctx, p.topic, ev.AssetID, ev)
}

// LogPublisher writes correlation events to the log. It is used when Kafka
// is disabled.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, ev CorrelationEvent) error {
	p.logger.Info("correlation event",
		"event_id", ev.EventID,
		"signal_type", ev.SignalType,
		"entity", ev.Entity,
		"confidence", ev.Confidence,
		"strong_indicator", ev.StrongIndicator,
		"decay_exempt", ev.DecayExempt,
	)
	return nil
}
