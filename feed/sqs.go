package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/liamcoop/gamification/internal/logger"
)

// SQSConfig configures the SQS consumer
type SQSConfig struct {
	QueueURL        string
	Region          string
	Endpoint        string
	MaxMessages     int32
	WaitTimeSeconds int32
}

// SQSClient is the subset of *sqs.Client the consumer uses
type SQSClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// NewSQSClient creates an SQS client. A non-empty Endpoint targets a local
// emulator with static credentials.
func NewSQSClient(ctx context.Context, cfg SQSConfig) (*sqs.Client, error) {
	configOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	var clientOpts []func(*sqs.Options)
	if cfg.Endpoint != "" {
		logger.Info("configuring SQS for local endpoint", "endpoint", cfg.Endpoint)
		configOpts = append(configOpts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("dummy", "dummy", "")))
		clientOpts = append(clientOpts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, clientOpts...), nil
}

// SQSConsumer long-polls a queue for domain events. A message is deleted
// only once handled; otherwise it reappears after its visibility timeout.
type SQSConsumer struct {
	client SQSClient
	cfg    SQSConfig
	h      *handler
}

// NewSQSConsumer creates a consumer
func NewSQSConsumer(client SQSClient, cfg SQSConfig, proc Processor, retry RetryConfig) *SQSConsumer {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 10
	}
	if cfg.WaitTimeSeconds <= 0 {
		cfg.WaitTimeSeconds = 20
	}
	return &SQSConsumer{client: client, cfg: cfg, h: &handler{proc: proc, retry: retry}}
}

// Run polls until ctx is cancelled
func (c *SQSConsumer) Run(ctx context.Context) error {
	logger.Info("sqs consumer started", "queue_url", c.cfg.QueueURL)

	for {
		if ctx.Err() != nil {
			logger.Info("sqs consumer shutting down")
			return nil
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.cfg.QueueURL),
			MaxNumberOfMessages: c.cfg.MaxMessages,
			WaitTimeSeconds:     c.cfg.WaitTimeSeconds,
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Error("error receiving messages from SQS", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range out.Messages {
			source := "sqs:" + aws.ToString(msg.MessageId)
			if err := c.h.handle(ctx, source, []byte(aws.ToString(msg.Body))); err != nil {
				if ctx.Err() == nil {
					logger.Error("event not processed, leaving message for redelivery", "source", source, "error", err)
				}
				continue
			}

			if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(c.cfg.QueueURL),
				ReceiptHandle: msg.ReceiptHandle,
			}); err != nil {
				logger.Error("failed to delete message", "source", source, "error", err)
			}
		}
	}
}
