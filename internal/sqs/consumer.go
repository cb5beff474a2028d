package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/m1ssion/smartpush/internal/engine"
	"github.com/m1ssion/smartpush/internal/metrics"
)

// Runner executes an invocation. *engine.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, inv *engine.Invocation) (*engine.Report, error)
}

type receiveAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// retryVisibility hides a message that hit a configuration error so it is
// retried once the service has been fixed rather than in a tight loop.
const retryVisibility int32 = 300

// Consumer reads event invocations from SQS and runs them.
type Consumer struct {
	client       receiveAPI
	queueURL     string
	runner       Runner
	logger       *zap.Logger
	errorBackoff time.Duration
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, runner Runner, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:       sqs.NewFromConfig(awsCfg),
		queueURL:     cfg.QueueURL,
		runner:       runner,
		logger:       logger,
		errorBackoff: 5 * time.Second,
	}, nil
}

// Start polls until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			c.logger.Info("sqs consumer stopping")
			return
		}

		if err := c.poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("sqs poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.errorBackoff):
			}
		}
	}
}

func (c *Consumer) poll(ctx context.Context) error {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   120,
	})
	if err != nil {
		return fmt.Errorf("sqs receive failed: %w", err)
	}

	for _, m := range result.Messages {
		c.handle(ctx, aws.ToString(m.Body), aws.ToString(m.ReceiptHandle))
	}
	return nil
}

// handle runs one message. Successful and malformed messages are deleted;
// a configuration error leaves the message on the queue for later.
func (c *Consumer) handle(ctx context.Context, body, receipt string) {
	var msg Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		c.logger.Error("dropping malformed message", zap.Error(err))
		metrics.RecordEventConsumed("malformed")
		c.delete(ctx, receipt)
		return
	}

	report, err := c.runner.Run(ctx, &msg.Invocation)
	var verr *engine.ValidationError
	switch {
	case err == nil:
		c.logger.Info("event processed",
			zap.String("event_id", msg.EventID),
			zap.String("run_id", report.RunID.String()),
			zap.Int("notifications_sent", report.Stats.NotificationsSent),
		)
		metrics.RecordEventConsumed("ok")
		c.delete(ctx, receipt)

	case errors.As(err, &verr):
		c.logger.Warn("dropping invalid event", zap.String("event_id", msg.EventID), zap.Error(err))
		metrics.RecordEventConsumed("invalid")
		c.delete(ctx, receipt)

	default:
		c.logger.Error("event run failed, leaving on queue", zap.String("event_id", msg.EventID), zap.Error(err))
		metrics.RecordEventConsumed("failed")
		if err := c.ChangeVisibility(ctx, receipt, retryVisibility); err != nil {
			c.logger.Warn("failed to extend visibility", zap.Error(err))
		}
	}
}

func (c *Consumer) delete(ctx context.Context, receipt string) {
	if err := c.DeleteMessage(ctx, receipt); err != nil {
		c.logger.Error("failed to delete message", zap.Error(err))
	}
}

// DeleteMessage removes a message from SQS after successful processing.
func (c *Consumer) DeleteMessage(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// ChangeVisibility extends the visibility timeout for a message.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
