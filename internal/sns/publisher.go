package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// API is the subset of the SNS client the publisher uses.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config holds SNS publisher settings.
type Config struct {
	Region string
	// TopicARNPrefix is joined with a trip ID to form that trip's topic ARN,
	// e.g. "arn:aws:sns:us-east-1:123456789012:trip-".
	TopicARNPrefix string
	// Endpoint overrides the service endpoint (LocalStack).
	Endpoint string
}

// Message is the push payload fanned out to a trip's subscribers.
type Message struct {
	ScheduledMessageID string `json:"scheduled_message_id"`
	OccurrenceID       string `json:"occurrence_id"`
	TripID             string `json:"trip_id"`
	SentBy             string `json:"sent_by"`
	Title              string `json:"title"`
	Body               string `json:"body"`
	OccurrenceAt       int64  `json:"occurrence_at"`
}

// Publisher publishes push messages to per-trip SNS topics.
type Publisher struct {
	client API
	prefix string
}

// NewPublisher creates an SNS publisher from the default AWS config chain.
func NewPublisher(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.TopicARNPrefix == "" {
		return nil, fmt.Errorf("sns topic arn prefix is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewPublisherWithClient(client, cfg.TopicARNPrefix), nil
}

// NewPublisherWithClient creates a publisher over an existing client.
func NewPublisherWithClient(client API, topicARNPrefix string) *Publisher {
	return &Publisher{client: client, prefix: topicARNPrefix}
}

// TopicARN returns the topic ARN for a trip.
func (p *Publisher) TopicARN(tripID string) string {
	return p.prefix + strings.ToLower(tripID)
}

// PublishToTrip publishes msg to the trip's topic and returns the SNS
// message ID.
func (p *Publisher) PublishToTrip(ctx context.Context, tripID string, msg Message) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.TopicARN(tripID)),
		Subject:  aws.String(truncateSubject(msg.Title)),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"trip_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(tripID),
			},
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String("scheduled_message"),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// SNS subjects are limited to 100 characters.
func truncateSubject(s string) string {
	r := []rune(s)
	if len(r) <= 100 {
		return s
	}
	return string(r[:100])
}
