package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/waypoint/internal/db"
	"github.com/lalithlochan/waypoint/internal/sns"
)

type mockChatWriter struct {
	inserted []*db.ChatMessage
	err      error
}

func (m *mockChatWriter) InsertChatMessage(ctx context.Context, msg *db.ChatMessage) error {
	if m.err != nil {
		return m.err
	}
	m.inserted = append(m.inserted, msg)
	return nil
}

type mockTripPublisher struct {
	tripIDs  []string
	messages []sns.Message
	err      error
}

func (m *mockTripPublisher) PublishToTrip(ctx context.Context, tripID string, msg sns.Message) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.tripIDs = append(m.tripIDs, tripID)
	m.messages = append(m.messages, msg)
	return "sns-msg-1", nil
}

type mockSES struct {
	inputs []*ses.SendEmailInput
	err    error
}

func (m *mockSES) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.inputs = append(m.inputs, params)
	return &ses.SendEmailOutput{MessageId: aws.String(fmt.Sprintf("ses-%d", len(m.inputs)))}, nil
}

type mockDirectory struct {
	emails []string
	err    error
}

func (m *mockDirectory) TripMemberEmails(ctx context.Context, tripID uuid.UUID) ([]string, error) {
	return m.emails, m.err
}

func TestChatSender_Deliver(t *testing.T) {
	writer := &mockChatWriter{}
	sender := NewChatSender(writer, zap.NewNop())
	msg := makeTestMessage(db.ChannelChat)

	if err := sender.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(writer.inserted) != 1 {
		t.Fatalf("expected 1 chat insert, got %d", len(writer.inserted))
	}
	chat := writer.inserted[0]
	if chat.TripID != msg.TripID || chat.UserID != msg.CreatedBy {
		t.Errorf("chat message not attributed to trip and author: %+v", chat)
	}
	if chat.Content != msg.Content {
		t.Errorf("expected content %q, got %q", msg.Content, chat.Content)
	}
	if chat.Source != ChatSource || chat.SourceID != OccurrenceID(msg) {
		t.Errorf("unexpected source %s/%s", chat.Source, chat.SourceID)
	}
}

func TestChatSender_Errors(t *testing.T) {
	tests := []struct {
		name   string
		writer *mockChatWriter
		msg    *db.ScheduledMessage
	}{
		{"wrong channel", &mockChatWriter{}, makeTestMessage(db.ChannelEmail)},
		{"empty content", &mockChatWriter{}, func() *db.ScheduledMessage {
			m := makeTestMessage(db.ChannelChat)
			m.Content = ""
			return m
		}()},
		{"write fails", &mockChatWriter{err: errors.New("connection reset")}, makeTestMessage(db.ChannelChat)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := NewChatSender(tt.writer, zap.NewNop())
			if err := sender.Deliver(context.Background(), tt.msg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestPushSender_Deliver(t *testing.T) {
	publisher := &mockTripPublisher{}
	sender := NewPushSender(publisher, "", zap.NewNop())
	msg := makeTestMessage(db.ChannelPush)

	if err := sender.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(publisher.messages) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(publisher.messages))
	}
	if publisher.tripIDs[0] != msg.TripID.String() {
		t.Errorf("published to wrong trip: %s", publisher.tripIDs[0])
	}
	got := publisher.messages[0]
	if got.Title != "Trip update" || got.Body != msg.Content {
		t.Errorf("unexpected push message: %+v", got)
	}
	if got.OccurrenceAt != msg.NextSendAt.Unix() {
		t.Errorf("expected occurrence %d, got %d", msg.NextSendAt.Unix(), got.OccurrenceAt)
	}
}

func TestPushSender_PublishError(t *testing.T) {
	sender := NewPushSender(&mockTripPublisher{err: errors.New("topic not found")}, "Heads up", zap.NewNop())

	if err := sender.Deliver(context.Background(), makeTestMessage(db.ChannelPush)); err == nil {
		t.Fatal("expected error")
	}
}

func TestEmailSender_BatchesRecipients(t *testing.T) {
	emails := make([]string, 120)
	for i := range emails {
		emails[i] = fmt.Sprintf("member%d@example.com", i)
	}

	client := &mockSES{}
	sender := NewEmailSenderWithClient(client, SESConfig{FromEmail: "trips@waypoint.test"}, &mockDirectory{emails: emails}, zap.NewNop())

	if err := sender.Deliver(context.Background(), makeTestMessage(db.ChannelEmail)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(client.inputs) != 3 {
		t.Fatalf("expected 3 SES calls, got %d", len(client.inputs))
	}
	sizes := []int{50, 50, 20}
	for i, in := range client.inputs {
		if got := len(in.Destination.BccAddresses); got != sizes[i] {
			t.Errorf("call %d: expected %d recipients, got %d", i, sizes[i], got)
		}
		if aws.ToString(in.Source) != "trips@waypoint.test" {
			t.Errorf("call %d: unexpected source %s", i, aws.ToString(in.Source))
		}
	}
}

func TestEmailSender_NoRecipients(t *testing.T) {
	client := &mockSES{}
	sender := NewEmailSenderWithClient(client, SESConfig{FromEmail: "trips@waypoint.test"}, &mockDirectory{}, zap.NewNop())

	if err := sender.Deliver(context.Background(), makeTestMessage(db.ChannelEmail)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(client.inputs) != 0 {
		t.Errorf("expected no SES calls, got %d", len(client.inputs))
	}
}

func TestEmailSender_Errors(t *testing.T) {
	tests := []struct {
		name      string
		client    *mockSES
		directory *mockDirectory
	}{
		{"directory fails", &mockSES{}, &mockDirectory{err: errors.New("db down")}},
		{"ses fails", &mockSES{err: errors.New("MessageRejected")}, &mockDirectory{emails: []string{"a@example.com"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := NewEmailSenderWithClient(tt.client, SESConfig{FromEmail: "x@example.com"}, tt.directory, zap.NewNop())
			if err := sender.Deliver(context.Background(), makeTestMessage(db.ChannelEmail)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestWebhookSender_Deliver(t *testing.T) {
	msg := makeTestMessage(db.ChannelWebhook)

	var received WebhookPayload
	var occurrenceHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		occurrenceHeader = r.Header.Get("X-Waypoint-Occurrence-ID")
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sender := NewWebhookSender(zap.NewNop(), WebhookConfig{URL: server.URL, Timeout: 2 * time.Second})
	if err := sender.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if received.ScheduledMessageID != msg.ID.String() || received.Content != msg.Content {
		t.Errorf("unexpected payload: %+v", received)
	}
	if occurrenceHeader != OccurrenceID(msg).String() {
		t.Errorf("expected occurrence header %s, got %s", OccurrenceID(msg), occurrenceHeader)
	}
	if !received.OccurrenceAt.Equal(*msg.NextSendAt) {
		t.Errorf("expected occurrence_at %s, got %s", msg.NextSendAt, received.OccurrenceAt)
	}
}

func TestWebhookSender_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	sender := NewWebhookSender(zap.NewNop(), WebhookConfig{URL: server.URL})
	if err := sender.Deliver(context.Background(), makeTestMessage(db.ChannelWebhook)); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestWebhookSender_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  WebhookConfig
		msg  *db.ScheduledMessage
	}{
		{"missing url", WebhookConfig{}, makeTestMessage(db.ChannelWebhook)},
		{"wrong channel", WebhookConfig{URL: "http://127.0.0.1:1"}, makeTestMessage(db.ChannelChat)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := NewWebhookSender(zap.NewNop(), tt.cfg)
			if err := sender.Deliver(context.Background(), tt.msg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSendersSupportsChannel(t *testing.T) {
	logger := zap.NewNop()
	senders := map[string]Sender{
		db.ChannelChat:    NewChatSender(&mockChatWriter{}, logger),
		db.ChannelPush:    NewPushSender(&mockTripPublisher{}, "", logger),
		db.ChannelEmail:   NewEmailSenderWithClient(&mockSES{}, SESConfig{}, &mockDirectory{}, logger),
		db.ChannelWebhook: NewWebhookSender(logger, WebhookConfig{}),
	}

	channels := []string{db.ChannelChat, db.ChannelPush, db.ChannelEmail, db.ChannelWebhook}
	for owner, sender := range senders {
		for _, channel := range channels {
			want := owner == channel
			if got := sender.SupportsChannel(channel); got != want {
				t.Errorf("%s sender: SupportsChannel(%s) = %v, want %v", owner, channel, got, want)
			}
		}
	}
}
