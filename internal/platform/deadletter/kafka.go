// Package deadletter publishes work items that will never succeed to Kafka.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	segkafka "github.com/segmentio/kafka-go"

	"github.com/dontdude/usersearch/internal/domain"
)

type Config struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	// Stream is the Redis stream used when no brokers are configured.
	Stream string `yaml:"stream"`
}

// Enabled reports whether Kafka should be used for dead letters.
func (c Config) Enabled() bool {
	return len(c.Brokers) > 0
}

func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if strings.TrimSpace(c.Topic) == "" {
		return fmt.Errorf("dead_letter.topic is required when brokers are set")
	}
	return nil
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...segkafka.Message) error
	Close() error
}

// KafkaPublisher implements domain.DeadLetterPublisher on a kafka-go Writer.
type KafkaPublisher struct {
	writer writer
	topic  string
}

var _ domain.DeadLetterPublisher = (*KafkaPublisher)(nil)

func NewKafkaPublisher(cfg Config) (*KafkaPublisher, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("dead_letter.brokers is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &segkafka.Writer{
		Addr:         segkafka.TCP(cfg.Brokers...),
		Balancer:     &segkafka.Hash{},
		RequiredAcks: segkafka.RequireAll,
	}
	return &KafkaPublisher{writer: w, topic: cfg.Topic}, nil
}

func newKafkaPublisherWithWriter(w writer, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic}
}

// PublishDeadLetter writes the letter keyed by job id so letters for one job share a partition.
func (p *KafkaPublisher) PublishDeadLetter(ctx context.Context, letter domain.DeadLetter) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("kafka dead-letter publisher not configured")
	}
	value, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	msg := segkafka.Message{
		Topic: p.topic,
		Key:   []byte(letter.JobID),
		Value: value,
		Headers: []segkafka.Header{
			{Key: "reason", Value: []byte(letter.Reason)},
			{Key: "attempt", Value: []byte(strconv.Itoa(letter.Attempt))},
		},
		Time: time.Now(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka dead letter failed: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

type dialFunc func(ctx context.Context, network, address string) (io.Closer, error)

// CheckConnectivity dials the first broker.
func CheckConnectivity(ctx context.Context, brokers []string) error {
	return checkConnectivity(ctx, brokers, defaultDialer())
}

func checkConnectivity(ctx context.Context, brokers []string, dial dialFunc) error {
	if len(brokers) == 0 {
		return fmt.Errorf("no brokers configured")
	}
	conn, err := dial(ctx, "tcp", brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

func defaultDialer() dialFunc {
	dialer := &segkafka.Dialer{Timeout: 2 * time.Second}
	return func(ctx context.Context, network, address string) (io.Closer, error) {
		return dialer.DialContext(ctx, network, address)
	}
}
