package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/waypoint/internal/db"
)

// WebhookConfig configures the outbound webhook channel.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration // default 30s
}

// WebhookPayload is the JSON body posted for each occurrence.
type WebhookPayload struct {
	ScheduledMessageID string    `json:"scheduled_message_id"`
	OccurrenceID       string    `json:"occurrence_id"`
	TripID             string    `json:"trip_id"`
	CreatedBy          string    `json:"created_by"`
	Content            string    `json:"content"`
	OccurrenceAt       time.Time `json:"occurrence_at"`
}

// WebhookSender posts messages to a configured HTTP endpoint.
type WebhookSender struct {
	client *http.Client
	url    string
	logger *zap.Logger
}

func NewWebhookSender(logger *zap.Logger, cfg WebhookConfig) *WebhookSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WebhookSender{
		client: &http.Client{Timeout: timeout},
		url:    cfg.URL,
		logger: logger,
	}
}

func (s *WebhookSender) Deliver(ctx context.Context, msg *db.ScheduledMessage) error {
	if ChannelOf(msg) != db.ChannelWebhook {
		return fmt.Errorf("webhook sender only supports webhooks, got: %s", msg.Channel)
	}
	if s.url == "" {
		return fmt.Errorf("webhook url is not configured")
	}

	occurrenceAt := msg.ScheduledAt
	if msg.NextSendAt != nil {
		occurrenceAt = *msg.NextSendAt
	}
	occurrenceID := OccurrenceID(msg).String()

	body, err := json.Marshal(WebhookPayload{
		ScheduledMessageID: msg.ID.String(),
		OccurrenceID:       occurrenceID,
		TripID:             msg.TripID.String(),
		CreatedBy:          msg.CreatedBy.String(),
		Content:            msg.Content,
		OccurrenceAt:       occurrenceAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Waypoint-Scheduler/1.0")
	req.Header.Set("X-Waypoint-Scheduled-Message-ID", msg.ID.String())
	req.Header.Set("X-Waypoint-Occurrence-ID", occurrenceID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	s.logger.Info("webhook delivered",
		zap.String("scheduled_message_id", msg.ID.String()),
		zap.Int("status_code", resp.StatusCode),
	)

	return nil
}

func (s *WebhookSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelWebhook
}
