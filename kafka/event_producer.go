package kafka

import (
	"context"
	"fmt"
	"sort"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventProducer publishes payment status events to a Kafka topic. It is the
// alternative to SNS fan-out when EVENT_BUS=kafka.
type EventProducer struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

func NewEventProducer(brokers []string, topic string, logger *zap.Logger) *EventProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	logger.Info("kafka event producer initialized", zap.String("topic", topic), zap.Strings("brokers", brokers))
	return &EventProducer{writer: w, topic: topic, logger: logger}
}

// Publish writes one event keyed by key, so events of the same payment land
// on the same partition in order. Attributes travel as headers.
func (p *EventProducer) Publish(ctx context.Context, key string, payload []byte, attributes map[string]string) error {
	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
	}
	names := make([]string, 0, len(attributes))
	for name := range attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		msg.Headers = append(msg.Headers, kafka.Header{Key: name, Value: []byte(attributes[name])})
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("failed to publish payment event", zap.String("topic", p.topic), zap.String("key", key), zap.Error(err))
		return fmt.Errorf("kafka publish to %s: %w", p.topic, err)
	}
	p.logger.Debug("payment event published", zap.String("topic", p.topic), zap.String("key", key))
	return nil
}

func (p *EventProducer) Close() error {
	err := p.writer.Close()
	p.logger.Info("kafka event producer closed", zap.String("topic", p.topic))
	return err
}
