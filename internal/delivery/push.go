package delivery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/waypoint/internal/db"
	"github.com/lalithlochan/waypoint/internal/sns"
)

// TripPublisher publishes to a trip's push topic.
type TripPublisher interface {
	PublishToTrip(ctx context.Context, tripID string, msg sns.Message) (string, error)
}

// PushSender fans a message out to the trip's devices through SNS.
type PushSender struct {
	publisher TripPublisher
	title     string
	logger    *zap.Logger
}

// NewPushSender creates a push sender. title is the notification title
// shown on devices.
func NewPushSender(publisher TripPublisher, title string, logger *zap.Logger) *PushSender {
	if title == "" {
		title = "Trip update"
	}
	return &PushSender{publisher: publisher, title: title, logger: logger}
}

func (s *PushSender) Deliver(ctx context.Context, msg *db.ScheduledMessage) error {
	if ChannelOf(msg) != db.ChannelPush {
		return fmt.Errorf("push sender only supports push, got: %s", msg.Channel)
	}

	occurrenceAt := msg.ScheduledAt
	if msg.NextSendAt != nil {
		occurrenceAt = *msg.NextSendAt
	}

	messageID, err := s.publisher.PublishToTrip(ctx, msg.TripID.String(), sns.Message{
		ScheduledMessageID: msg.ID.String(),
		OccurrenceID:       OccurrenceID(msg).String(),
		TripID:             msg.TripID.String(),
		SentBy:             msg.CreatedBy.String(),
		Title:              s.title,
		Body:               msg.Content,
		OccurrenceAt:       occurrenceAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("scheduled message pushed via SNS",
		zap.String("scheduled_message_id", msg.ID.String()),
		zap.String("trip_id", msg.TripID.String()),
		zap.String("message_id", messageID),
	)

	return nil
}

func (s *PushSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelPush
}
