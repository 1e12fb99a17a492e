// Package kafka provides the broker clients backed by segmentio/kafka-go: a
// consumer-group reader with explicit offset commits, and a JSON producer
// used for the dead-letter topic.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexsync/pkg/errors"
)

// Message is one record pulled from a topic partition.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// Consumer reads from the configured topics as a member of a consumer group.
// Offsets are only committed through Commit; nothing is auto-committed.
type Consumer struct {
	reader  *kafka.Reader
	brokers []string
	dialer  *kafka.Dialer
	logger  *slog.Logger
}

// NewConsumer creates a group Consumer for cfg.Topics.
func NewConsumer(cfg config.KafkaConfig) *Consumer {
	dialer := &kafka.Dialer{
		Timeout:   cfg.DialTimeout,
		DualStack: true,
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupTopics:    cfg.Topics,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        cfg.MaxWait,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
		Dialer:         dialer,
	})

	return &Consumer{
		reader:  r,
		brokers: cfg.Brokers,
		dialer:  dialer,
		logger:  slog.Default().With("component", "kafka-consumer", "group", cfg.ConsumerGroup),
	}
}

// Fetch blocks until the next message is available or ctx ends. Broker
// errors are wrapped with ErrConnectivity.
func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		return Message{}, fmt.Errorf("%w: fetching message: %v", apperrors.ErrConnectivity, err)
	}
	c.logger.Debug("message received",
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"value_size", len(msg.Value),
	)
	return Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Time:      msg.Time,
	}, nil
}

// Commit marks msg and everything before it in its partition as processed.
// The group cursor is stored as msg.Offset+1, the next offset to read.
func (c *Consumer) Commit(ctx context.Context, msg Message) error {
	err := c.reader.CommitMessages(ctx, kafka.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	})
	if err != nil {
		return fmt.Errorf("%w: committing %s/%d@%d: %v", apperrors.ErrConnectivity, msg.Topic, msg.Partition, msg.Offset, err)
	}
	return nil
}

// Ping dials the first reachable broker.
func (c *Consumer) Ping(ctx context.Context) error {
	var lastErr error
	for _, addr := range c.brokers {
		conn, err := c.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("%w: no kafka broker reachable: %v", apperrors.ErrConnectivity, lastErr)
}

// Close closes the underlying Kafka reader and leaves the group.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
