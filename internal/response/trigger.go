package response

import (
	"context"
	"log/slog"
)

// JSONProducer writes JSON values to a topic.
type JSONProducer interface {
	ProduceJSON(ctx context.Context, topic, key string, value interface{}) error
}

// KafkaTrigger publishes playbook triggers to the playbook engine's topic.
type KafkaTrigger struct {
	producer JSONProducer
	topic    string
}

// NewKafkaTrigger creates a KafkaTrigger.
func NewKafkaTrigger(producer JSONProducer, topic string) *KafkaTrigger {
	return &KafkaTrigger{producer: producer, topic: topic}
}

// Fire implements Trigger.
func (k *KafkaTrigger) Fire(ctx context.Context, t PlaybookTrigger) error {
	return k.producer.ProduceJSON(ctx, k.topic, t.AssetID, t)
}

// LogTrigger logs playbook triggers instead of delivering them.
type LogTrigger struct {
	logger *slog.Logger
}

// NewLogTrigger creates a LogTrigger.
func NewLogTrigger(logger *slog.Logger) *LogTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTrigger{logger: logger}
}

// Fire implements Trigger.
func (l *LogTrigger) Fire(_ context.Context, t PlaybookTrigger) error {
	l.logger.Info("playbook trigger",
		"trigger_id", t.TriggerID,
		"playbook_id", t.PlaybookID,
		"signal_id", t.SignalID,
		"asset_id", t.AssetID,
	)
	return nil
}
