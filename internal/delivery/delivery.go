// Package delivery posts a due scheduled message into its trip over the
// message's channel.
package delivery

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/waypoint/internal/db"
)

// Sender delivers messages for the channels it supports.
// Implementations: chat (Postgres), push (SNS), email (SES), webhook.
type Sender interface {
	Deliver(ctx context.Context, msg *db.ScheduledMessage) error
	SupportsChannel(channel string) bool
}

// Router routes a message to the first sender that supports its channel.
// Messages without a channel go to chat.
type Router struct {
	senders []Sender
	logger  *zap.Logger
}

// NewRouter creates a router over the given senders, in priority order.
func NewRouter(logger *zap.Logger, senders ...Sender) *Router {
	return &Router{
		senders: senders,
		logger:  logger,
	}
}

// Deliver sends msg through the sender registered for its channel.
func (r *Router) Deliver(ctx context.Context, msg *db.ScheduledMessage) error {
	channel := ChannelOf(msg)
	for _, sender := range r.senders {
		if sender.SupportsChannel(channel) {
			r.logger.Debug("routing scheduled message to sender",
				zap.String("channel", channel),
				zap.String("scheduled_message_id", msg.ID.String()),
			)
			return sender.Deliver(ctx, msg)
		}
	}

	return fmt.Errorf("no sender found for channel: %s", channel)
}

// SupportsChannel reports whether any registered sender handles channel.
func (r *Router) SupportsChannel(channel string) bool {
	for _, sender := range r.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// ChannelOf returns the message's channel, defaulting to chat.
func ChannelOf(msg *db.ScheduledMessage) string {
	if msg.Channel == "" {
		return db.ChannelChat
	}
	return msg.Channel
}

// OccurrenceID identifies one occurrence of a scheduled message. It is
// stable across retries of the same occurrence, so receivers can use it to
// drop duplicates.
func OccurrenceID(msg *db.ScheduledMessage) uuid.UUID {
	at := msg.ScheduledAt
	if msg.NextSendAt != nil {
		at = *msg.NextSendAt
	}
	return uuid.NewSHA1(msg.ID, []byte(strconv.FormatInt(at.Unix(), 10)))
}

// LogSender only logs. Used in development when no transport is configured
// for a channel.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Deliver(ctx context.Context, msg *db.ScheduledMessage) error {
	s.logger.Info("logging scheduled message (development mode)",
		zap.String("scheduled_message_id", msg.ID.String()),
		zap.String("trip_id", msg.TripID.String()),
		zap.String("channel", ChannelOf(msg)),
		zap.Int("content_length", len(msg.Content)),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	switch channel {
	case db.ChannelChat, db.ChannelPush, db.ChannelEmail, db.ChannelWebhook:
		return true
	default:
		return false
	}
}
