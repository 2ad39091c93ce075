package feed

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/liamcoop/gamification/internal/logger"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka reader
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// MessageReader is the subset of *kafka.Reader the consumer uses
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaReader creates a consumer-group reader for cfg
func NewKafkaReader(cfg KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// KafkaConsumer reads domain events from a topic. An offset is committed only
// after the engine accepted the event or the event was dropped.
type KafkaConsumer struct {
	reader MessageReader
	h      *handler
}

// NewKafkaConsumer creates a consumer. Partition order matters, so a
// retryable failure is retried until ctx ends unless retry sets a bound.
func NewKafkaConsumer(reader MessageReader, proc Processor, retry RetryConfig) *KafkaConsumer {
	return &KafkaConsumer{reader: reader, h: &handler{proc: proc, retry: retry}}
}

// Run consumes until ctx is cancelled, the reader fails or an event exhausts
// its retry bound. The failed offset is never committed.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	logger.Info("kafka consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				logger.Info("kafka consumer shutting down")
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		source := fmt.Sprintf("kafka:%s/%d@%d", msg.Topic, msg.Partition, msg.Offset)
		if err := c.h.handle(ctx, source, msg.Value); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Committing a later offset would skip this one, so stop here and
			// let the group redeliver it.
			logger.Error("event not processed, offset left uncommitted", "source", source, "error", err)
			return fmt.Errorf("process %s: %w", source, err)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("commit offset failed", "source", source, "error", err)
		}
	}
}
