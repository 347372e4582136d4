package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// Admin creates the deception topics.
type Admin struct {
	config *Config
	logger *slog.Logger
}

// NewAdmin creates a Kafka admin client.
func NewAdmin(config *Config, logger *slog.Logger) (*Admin, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{config: config, logger: logger}, nil
}

// Topics returns the configured topic names.
func (c *Config) Topics() []string {
	topics := []string{c.SignalTopic, c.TriggerTopic}
	if c.EmergencyTopic != "" {
		topics = append(topics, c.EmergencyTopic)
	}
	return topics
}

// ListTopics returns the topics known to the cluster.
func (a *Admin) ListTopics(ctx context.Context) (map[string]bool, error) {
	dialer, err := a.config.Dialer()
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to create dialer: %w", err)
	}

	conn, err := dialer.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to connect to broker: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to read partitions: %w", err)
	}

	topics := make(map[string]bool)
	for _, p := range partitions {
		topics[p.Topic] = true
	}
	return topics, nil
}

// EnsureTopics creates every configured topic that does not exist yet.
func (a *Admin) EnsureTopics(ctx context.Context) error {
	existing, err := a.ListTopics(ctx)
	if err != nil {
		return err
	}

	var missing []kafka.TopicConfig
	for _, name := range a.config.Topics() {
		if existing[name] {
			a.logger.Debug("topic already exists", "topic", name)
			continue
		}
		missing = append(missing, kafka.TopicConfig{
			Topic:             name,
			NumPartitions:     a.config.Partitions,
			ReplicationFactor: a.config.ReplicationFactor,
			ConfigEntries: []kafka.ConfigEntry{
				{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(a.config.RetentionMs, 10)},
			},
		})
	}
	if len(missing) == 0 {
		return nil
	}

	dialer, err := a.config.Dialer()
	if err != nil {
		return fmt.Errorf("kafka: failed to create dialer: %w", err)
	}
	conn, err := dialer.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: failed to connect to broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: failed to get controller: %w", err)
	}
	controllerConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: failed to connect to controller: %w", err)
	}
	defer controllerConn.Close()

	if err := controllerConn.CreateTopics(missing...); err != nil {
		return fmt.Errorf("kafka: failed to create topics: %w", err)
	}
	for _, t := range missing {
		a.logger.Info("kafka topic created",
			"topic", t.Topic,
			"partitions", t.NumPartitions,
			"replication_factor", t.ReplicationFactor,
		)
	}
	return nil
}
