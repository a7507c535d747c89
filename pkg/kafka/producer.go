package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer publishes normalized telemetry events to a Kafka topic for
// downstream consumers. Delivery is best effort; a slow or unreachable
// cluster must never hold up the relay's fan-out path.
type Producer struct {
	client *kgo.Client
	topic  string
	logger *logrus.Logger
}

// NewProducer creates a new Kafka producer for the export topic
func NewProducer(brokers []string, topic, clientID string, logger *logrus.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		topic:  topic,
		logger: logger,
	}, nil
}

// Publish produces one event payload asynchronously. Errors are logged in
// the delivery callback; nothing blocks on the broker round trip.
func (p *Producer) Publish(ctx context.Context, key string, payload []byte) {
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(key),
		Value: payload,
	}

	p.client.Produce(ctx, record, func(r *kgo.Record, err error) {
		if err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"topic": r.Topic,
				"key":   string(r.Key),
			}).Warn("Failed to export event")
		}
	})
}

// Close flushes pending records and closes the client
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		p.logger.WithError(err).Warn("Failed to flush export producer")
	}
	p.client.Close()
	return nil
}

// HealthCheck pings the broker
func (p *Producer) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

func (p *Producer) GetClient() *kgo.Client {
	return p.client
}
