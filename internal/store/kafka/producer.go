// Package kafka publishes signals to a Kafka topic keyed by instrument so
// consumers see each instrument's signals in order.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"ultrashort/internal/model"
)

// DefaultTopic is used when Config.Topic is empty.
const DefaultTopic = "ultrashort.signals"

const flushTimeoutMs = 5000

// Config configures the signal producer.
type Config struct {
	Brokers []string
	Topic   string
}

// producer is the subset of *kafka.Producer the Producer needs.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// Producer writes signals to Kafka. Delivery failures are reported
// asynchronously through OnDeliveryError.
type Producer struct {
	p     producer
	topic string

	OnDeliveryError func(err error)
}

// NewProducer creates a librdkafka-backed producer and starts its delivery
// report loop.
func NewProducer(cfg Config) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(cfg.Brokers, ","),
		"client.id":          "ultrashort-signalengine",
		"acks":               "all",
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("kafka: create producer: %w", err)
	}
	slog.Info("kafka producer initialized", "brokers", cfg.Brokers, "topic", topicOrDefault(cfg.Topic))
	return newProducer(p, cfg.Topic), nil
}

func newProducer(p producer, topic string) *Producer {
	pr := &Producer{p: p, topic: topicOrDefault(topic)}
	go pr.deliveryReports()
	return pr
}

func topicOrDefault(t string) string {
	if t == "" {
		return DefaultTopic
	}
	return t
}

// Topic returns the destination topic.
func (pr *Producer) Topic() string { return pr.topic }

// WriteSignal enqueues sig. A nil error means librdkafka accepted the
// message, not that the broker has acknowledged it.
func (pr *Producer) WriteSignal(ctx context.Context, sig model.Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	topic := pr.topic
	err := pr.p.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(sig.InstrumentID),
		Value:          sig.JSON(),
		Headers: []kafka.Header{
			{Key: "pattern", Value: []byte(sig.Pattern)},
			{Key: "signal_id", Value: []byte(sig.ID)},
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("kafka: produce %s: %w", sig.ID, err)
	}
	return nil
}

func (pr *Producer) deliveryReports() {
	for e := range pr.p.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				slog.Error("kafka delivery failed", "key", string(ev.Key), "error", ev.TopicPartition.Error)
				if pr.OnDeliveryError != nil {
					pr.OnDeliveryError(ev.TopicPartition.Error)
				}
			}
		case kafka.Error:
			slog.Warn("kafka producer error", "error", ev)
		}
	}
}

// Close flushes outstanding messages and closes the producer.
func (pr *Producer) Close() {
	if left := pr.p.Flush(flushTimeoutMs); left > 0 {
		slog.Warn("kafka close with undelivered messages", "count", left)
	}
	pr.p.Close()
}
