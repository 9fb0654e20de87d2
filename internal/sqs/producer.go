package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	Endpoint string // LocalStack
}

// NewClient builds an SQS client from the default AWS config chain.
func NewClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// TransitionEvent describes one persisted state change of a scheduled
// message, for downstream consumers (activity feed, analytics).
type TransitionEvent struct {
	ScheduledMessageID string     `json:"scheduled_message_id"`
	TripID             string     `json:"trip_id"`
	Channel            string     `json:"channel"`
	Status             string     `json:"status"`
	OccurrenceAt       time.Time  `json:"occurrence_at"`
	NextSendAt         *time.Time `json:"next_send_at,omitempty"`
	Delivered          bool       `json:"delivered"`
	Error              string     `json:"error,omitempty"`
	At                 time.Time  `json:"at"`
}

// Producer publishes transition events to SQS.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return NewProducerWithClient(client, cfg.QueueURL, logger), nil
}

// NewProducerWithClient creates a producer over an existing client.
func NewProducerWithClient(client API, queueURL string, logger *zap.Logger) *Producer {
	return &Producer{client: client, queueURL: queueURL, logger: logger}
}

// PublishTransition sends one transition event and returns its message ID.
func (p *Producer) PublishTransition(ctx context.Context, ev TransitionEvent) (string, error) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String("scheduled_message." + ev.Status),
			},
			"trip_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.TripID),
			},
		},
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send transition event",
			zap.Error(err),
			zap.String("scheduled_message_id", ev.ScheduledMessageID),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// Message is a raw message received from a queue.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// Consumer long-polls a queue.
type Consumer struct {
	client   API
	queueURL string
	wait     int32
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return NewConsumerWithClient(client, cfg.QueueURL, logger), nil
}

// NewConsumerWithClient creates a consumer over an existing client.
func NewConsumerWithClient(client API, queueURL string, logger *zap.Logger) *Consumer {
	return &Consumer{client: client, queueURL: queueURL, wait: 20, logger: logger}
}

// Receive waits up to 20 seconds for messages. An empty slice means the
// poll timed out.
func (c *Consumer) Receive(ctx context.Context, max int32, visibility time.Duration) ([]Message, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: max,
		WaitTimeSeconds:     c.wait,
		VisibilityTimeout:   int32(visibility.Seconds()),
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	messages := make([]Message, 0, len(result.Messages))
	for _, m := range result.Messages {
		messages = append(messages, Message{
			ID:            aws.ToString(m.MessageId),
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}

	return messages, nil
}

// Delete removes a message after it has been handled.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}
