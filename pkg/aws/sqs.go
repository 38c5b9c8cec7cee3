package aws

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// MessageHandler processes one SQS message body. A non-nil error leaves the
// message on the queue so it becomes visible again after the visibility
// timeout.
type MessageHandler func(ctx context.Context, body string) error

// SQSClient sends to and polls a single queue.
type SQSClient struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

func NewSQSClient(cfg sdkaws.Config, queueURL string, logger *zap.Logger) *SQSClient {
	return &SQSClient{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
		logger:   logger,
	}
}

// QueueURL returns the queue this client targets.
func (c *SQSClient) QueueURL() string { return c.queueURL }

// StartPolling long-polls the queue until ctx is cancelled.
func (c *SQSClient) StartPolling(ctx context.Context, handler MessageHandler) error {
	c.logger.Info("starting SQS polling", zap.String("queue_url", c.queueURL))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("SQS polling stopped", zap.String("queue_url", c.queueURL))
			return ctx.Err()
		default:
		}

		if err := c.pollOnce(ctx, handler); err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			c.logger.Warn("error polling SQS", zap.Error(err))
			// back off so a broken queue does not spin the loop
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (c *SQSClient) pollOnce(ctx context.Context, handler MessageHandler) error {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &c.queueURL,
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   30,
	})
	if err != nil {
		return fmt.Errorf("failed to receive messages: %w", err)
	}

	for _, msg := range result.Messages {
		if msg.Body == nil {
			continue
		}

		if err := handler(ctx, *msg.Body); err != nil {
			c.logger.Warn("failed to process SQS message", zap.String("message_id", sdkaws.ToString(msg.MessageId)), zap.Error(err))
			continue
		}

		if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      &c.queueURL,
			ReceiptHandle: msg.ReceiptHandle,
		}); err != nil {
			c.logger.Warn("failed to delete SQS message", zap.Error(err))
		}
	}

	return nil
}

// SendMessage sends a single message to the queue. A non-empty messageID is
// attached as the "message_id" attribute so consumers can drop redeliveries.
func (c *SQSClient) SendMessage(ctx context.Context, body string, messageID string) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    &c.queueURL,
		MessageBody: &body,
	}
	if messageID != "" {
		input.MessageAttributes = map[string]types.MessageAttributeValue{
			"message_id": {DataType: sdkaws.String("String"), StringValue: sdkaws.String(messageID)},
		}
	}
	if _, err := c.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}
