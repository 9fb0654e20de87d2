package delivery

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/waypoint/internal/db"
)

// ChatSource tags chat rows written by the scheduler.
const ChatSource = "scheduled_message"

// ChatWriter persists trip chat messages.
type ChatWriter interface {
	InsertChatMessage(ctx context.Context, msg *db.ChatMessage) error
}

// ChatSender posts the message into the trip chat as its author.
type ChatSender struct {
	writer ChatWriter
	logger *zap.Logger
}

func NewChatSender(writer ChatWriter, logger *zap.Logger) *ChatSender {
	return &ChatSender{writer: writer, logger: logger}
}

func (s *ChatSender) Deliver(ctx context.Context, msg *db.ScheduledMessage) error {
	if ChannelOf(msg) != db.ChannelChat {
		return fmt.Errorf("chat sender only supports chat, got: %s", msg.Channel)
	}
	if msg.Content == "" {
		return fmt.Errorf("scheduled message has no content")
	}

	chat := &db.ChatMessage{
		ID:       uuid.New(),
		TripID:   msg.TripID,
		UserID:   msg.CreatedBy,
		Content:  msg.Content,
		Source:   ChatSource,
		SourceID: OccurrenceID(msg),
	}

	if err := s.writer.InsertChatMessage(ctx, chat); err != nil {
		return fmt.Errorf("post to trip chat: %w", err)
	}

	s.logger.Info("scheduled message posted to chat",
		zap.String("scheduled_message_id", msg.ID.String()),
		zap.String("trip_id", msg.TripID.String()),
		zap.String("chat_message_id", chat.ID.String()),
	)

	return nil
}

func (s *ChatSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelChat
}
