package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/byte4byte/b4b/internal/event"
	"github.com/byte4byte/b4b/internal/logger"
)

var ErrProducerNotStarted = errors.New("kafka producer not initialized")

// KafkaConfig holds configuration for the Kafka producer.
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	Acks        string
	Compression string

	SASLMechanism string
	SASLUser      string
	SASLPassword  string

	TLSCAPath     string
	TLSSkipVerify bool
}

// producer is the subset of *kafka.Producer the sink drives.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// KafkaSink produces events keyed by ray id so a session's events land on
// one partition in order.
type KafkaSink struct {
	config   KafkaConfig
	log      *slog.Logger
	onError  func(sink string)
	producer producer
	done     chan struct{}
}

// NewKafkaSink creates a sink producing events to the configured topic.
// onError is called for failed deliveries and may be nil.
func NewKafkaSink(cfg KafkaConfig, log *slog.Logger, onError func(sink string)) *KafkaSink {
	if cfg.Acks == "" {
		cfg.Acks = "all"
	}
	return &KafkaSink{config: cfg, log: log, onError: onError}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) configMap() kafka.ConfigMap {
	m := kafka.ConfigMap{
		"bootstrap.servers": strings.Join(s.config.Brokers, ","),
		"acks":              s.config.Acks,
		"retries":           10,
		"retry.backoff.ms":  100,
		"linger.ms":         10,
	}
	if s.config.Compression != "" {
		m["compression.type"] = s.config.Compression
	}
	if s.config.SASLMechanism != "" {
		m["security.protocol"] = "SASL_SSL"
		m["sasl.mechanism"] = s.config.SASLMechanism
		if s.config.SASLUser != "" {
			m["sasl.username"] = s.config.SASLUser
		}
		if s.config.SASLPassword != "" {
			m["sasl.password"] = s.config.SASLPassword
		}
	}
	if s.config.TLSCAPath != "" {
		if s.config.SASLMechanism == "" {
			m["security.protocol"] = "SSL"
		}
		m["ssl.ca.location"] = s.config.TLSCAPath
	}
	if s.config.TLSSkipVerify {
		m["ssl.endpoint.identification.algorithm"] = "none"
	}
	return m
}

func (s *KafkaSink) Start(ctx context.Context) error {
	cm := s.configMap()
	p, err := kafka.NewProducer(&cm)
	if err != nil {
		return fmt.Errorf("create kafka producer: %w", err)
	}
	s.attach(ctx, p)
	return nil
}

func (s *KafkaSink) attach(ctx context.Context, p producer) {
	s.producer = p
	s.done = make(chan struct{})
	go s.deliveryReports(ctx, p.Events(), s.done)
}

func (s *KafkaSink) Enqueue(e event.Event) error {
	if s.producer == nil {
		return ErrProducerNotStarted
	}
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &s.config.Topic, Partition: kafka.PartitionAny},
		Key:            []byte(e.Key()),
		Value:          value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "group", Value: []byte(e.Group)},
			{Key: "schema", Value: []byte("v1")},
		},
	}
	if err := s.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("produce: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	if s.producer == nil {
		return nil
	}
	remaining := s.producer.Flush(10 * 1000)
	close(s.done)
	s.producer.Close()
	s.producer = nil
	if remaining > 0 {
		return fmt.Errorf("kafka: %d messages not flushed", remaining)
	}
	return nil
}

func (s *KafkaSink) deliveryReports(ctx context.Context, events chan kafka.Event, done <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case *kafka.Message:
				if e.TopicPartition.Error != nil {
					s.fail("kafka delivery failed", e.TopicPartition.Error)
				}
			case kafka.Error:
				s.fail("kafka client error", e)
			}
		}
	}
}

func (s *KafkaSink) fail(msg string, err error) {
	s.log.Warn(msg, logger.Component("sink"), logger.Error(err))
	if s.onError != nil {
		s.onError(s.Name())
	}
}
