package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

type mockSQS struct {
	sent     []*sqs.SendMessageInput
	receive  *sqs.ReceiveMessageOutput
	received []*sqs.ReceiveMessageInput
	deleted  []string
	err      error
}

func (m *mockSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.sent = append(m.sent, params)
	return &sqs.SendMessageOutput{MessageId: aws.String("evt-1")}, nil
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.received = append(m.received, params)
	if m.err != nil {
		return nil, m.err
	}
	if m.receive == nil {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	return m.receive, nil
}

func (m *mockSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.deleted = append(m.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestProducer_PublishTransition(t *testing.T) {
	client := &mockSQS{}
	p := NewProducerWithClient(client, "https://sqs.local/events", zap.NewNop())

	next := time.Date(2025, 1, 13, 10, 0, 0, 0, time.UTC)
	id, err := p.PublishTransition(context.Background(), TransitionEvent{
		ScheduledMessageID: "sm-1",
		TripID:             "trip-1",
		Channel:            "chat",
		Status:             "pending",
		OccurrenceAt:       next.AddDate(0, 0, -7),
		NextSendAt:         &next,
		Delivered:          true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "evt-1" {
		t.Errorf("expected evt-1, got %s", id)
	}

	if len(client.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(client.sent))
	}
	in := client.sent[0]
	if aws.ToString(in.QueueUrl) != "https://sqs.local/events" {
		t.Errorf("wrong queue: %s", aws.ToString(in.QueueUrl))
	}
	if got := aws.ToString(in.MessageAttributes["event_type"].StringValue); got != "scheduled_message.pending" {
		t.Errorf("unexpected event_type %s", got)
	}

	var ev TransitionEvent
	if err := json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &ev); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if ev.NextSendAt == nil || !ev.NextSendAt.Equal(next) {
		t.Errorf("next_send_at mismatch: %v", ev.NextSendAt)
	}
	if ev.At.IsZero() {
		t.Error("expected event time to be set")
	}
}

func TestProducer_SendError(t *testing.T) {
	p := NewProducerWithClient(&mockSQS{err: errors.New("access denied")}, "q", zap.NewNop())

	if _, err := p.PublishTransition(context.Background(), TransitionEvent{ScheduledMessageID: "sm-1"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestConsumer_ReceiveAndDelete(t *testing.T) {
	client := &mockSQS{receive: &sqs.ReceiveMessageOutput{
		Messages: []types.Message{
			{MessageId: aws.String("m-1"), Body: aws.String(`{"source":"aws.scheduler"}`), ReceiptHandle: aws.String("rh-1")},
			{MessageId: aws.String("m-2"), Body: aws.String(`{}`), ReceiptHandle: aws.String("rh-2")},
		},
	}}
	c := NewConsumerWithClient(client, "https://sqs.local/ticks", zap.NewNop())

	msgs, err := c.Receive(context.Background(), 10, 5*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m-1" || msgs[1].ReceiptHandle != "rh-2" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	in := client.received[0]
	if in.MaxNumberOfMessages != 10 || in.VisibilityTimeout != 300 || in.WaitTimeSeconds != 20 {
		t.Errorf("unexpected receive input: max=%d vis=%d wait=%d", in.MaxNumberOfMessages, in.VisibilityTimeout, in.WaitTimeSeconds)
	}

	if err := c.Delete(context.Background(), "rh-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if len(client.deleted) != 1 || client.deleted[0] != "rh-1" {
		t.Errorf("unexpected deletes: %v", client.deleted)
	}
}

func TestConsumer_EmptyPoll(t *testing.T) {
	c := NewConsumerWithClient(&mockSQS{}, "q", zap.NewNop())

	msgs, err := c.Receive(context.Background(), 1, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages, got %d", len(msgs))
	}
}
