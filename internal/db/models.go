package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ScheduledMessage is a message authored for a trip that is delivered at
// NextSendAt and, for recurring messages, advanced afterwards.
type ScheduledMessage struct {
	ID                uuid.UUID       `json:"id"`
	TripID            uuid.UUID       `json:"trip_id"`
	CreatedBy         uuid.UUID       `json:"created_by"`
	Channel           string          `json:"channel"`
	Content           string          `json:"content"`
	ScheduledAt       time.Time       `json:"scheduled_at"`
	NextSendAt        *time.Time      `json:"next_send_at,omitempty"`
	LastSentAt        *time.Time      `json:"last_sent_at,omitempty"`
	Status            string          `json:"status"`
	RecurrenceType    *string         `json:"recurrence_type,omitempty"`
	RecurrenceDetails json.RawMessage `json:"recurrence_details,omitempty"`
	Timezone          string          `json:"timezone"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Status constants
const (
	StatusPending   = "pending"
	// StatusSent is never written here. Rows carrying it predate the
	// completed status, when one-time messages were marked sent after
	// delivery; the schema still accepts it so they stay listable.
	StatusSent      = "sent"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Channel constants
const (
	ChannelChat    = "chat"
	ChannelPush    = "push"
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
)

// MaxContentLength bounds message content in characters.
const MaxContentLength = 5000

var (
	ErrNotFound = errors.New("scheduled message not found")
	// ErrConflict means a conditional update matched no row: the record was
	// advanced, cancelled or deleted by someone else.
	ErrConflict = errors.New("scheduled message was modified concurrently")
	// ErrInvalidTransition is returned by management operations that do not
	// apply to the record's current status.
	ErrInvalidTransition = errors.New("operation not allowed in current status")
)

// Patch is the set of engine-owned fields written after an occurrence.
type Patch struct {
	Status       string
	NextSendAt   *time.Time // written as-is, nil clears
	LastSentAt   *time.Time // nil leaves the stored value unchanged
	ErrorMessage *string    // nil clears
}

// ChatMessage is a row in the trip chat that a delivered chat message becomes.
type ChatMessage struct {
	ID        uuid.UUID
	TripID    uuid.UUID
	UserID    uuid.UUID
	Content   string
	Source    string
	SourceID  uuid.UUID
	CreatedAt time.Time
}
