package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for scheduled messages
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new scheduled message repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const scheduledMessageColumns = `
	id, trip_id, created_by, channel, content,
	scheduled_at, next_send_at, last_sent_at, status,
	recurrence_type, recurrence_details, timezone, error_message,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduledMessage(row rowScanner) (*ScheduledMessage, error) {
	var msg ScheduledMessage
	var details []byte
	err := row.Scan(
		&msg.ID,
		&msg.TripID,
		&msg.CreatedBy,
		&msg.Channel,
		&msg.Content,
		&msg.ScheduledAt,
		&msg.NextSendAt,
		&msg.LastSentAt,
		&msg.Status,
		&msg.RecurrenceType,
		&details,
		&msg.Timezone,
		&msg.ErrorMessage,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(details) > 0 {
		msg.RecurrenceDetails = json.RawMessage(details)
	}
	return &msg, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// CreateScheduledMessage inserts a new scheduled message
func (r *Repository) CreateScheduledMessage(ctx context.Context, msg *ScheduledMessage) error {
	query := `
		INSERT INTO scheduled_messages (
			id, trip_id, created_by, channel, content,
			scheduled_at, next_send_at, status,
			recurrence_type, recurrence_details, timezone
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		msg.ID,
		msg.TripID,
		msg.CreatedBy,
		msg.Channel,
		msg.Content,
		msg.ScheduledAt,
		msg.NextSendAt,
		msg.Status,
		msg.RecurrenceType,
		nullableJSON(msg.RecurrenceDetails),
		msg.Timezone,
	).Scan(&msg.CreatedAt, &msg.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create scheduled message",
			zap.Error(err),
			zap.String("scheduled_message_id", msg.ID.String()),
		)
		return fmt.Errorf("insert scheduled message: %w", err)
	}

	r.logger.Info("scheduled message created",
		zap.String("scheduled_message_id", msg.ID.String()),
		zap.String("trip_id", msg.TripID.String()),
		zap.Time("scheduled_at", msg.ScheduledAt),
	)

	return nil
}

// GetScheduledMessage retrieves a scheduled message by ID
func (r *Repository) GetScheduledMessage(ctx context.Context, id uuid.UUID) (*ScheduledMessage, error) {
	query := `SELECT ` + scheduledMessageColumns + ` FROM scheduled_messages WHERE id = $1`

	msg, err := scanScheduledMessage(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		r.logger.Error("failed to get scheduled message",
			zap.Error(err),
			zap.String("scheduled_message_id", id.String()),
		)
		return nil, fmt.Errorf("query scheduled message: %w", err)
	}

	return msg, nil
}

// ListScheduledMessagesByTrip lists a trip's scheduled messages, soonest first.
// An empty status lists every status.
func (r *Repository) ListScheduledMessagesByTrip(
	ctx context.Context,
	tripID uuid.UUID,
	status string,
	limit int,
	offset int,
) ([]*ScheduledMessage, error) {
	query := `
		SELECT ` + scheduledMessageColumns + `
		FROM scheduled_messages
		WHERE trip_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY next_send_at ASC NULLS LAST, scheduled_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool().Query(ctx, query, tripID, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query scheduled messages: %w", err)
	}
	defer rows.Close()

	var messages []*ScheduledMessage
	for rows.Next() {
		msg, err := scanScheduledMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return messages, nil
}

// FetchDuePending returns pending messages whose next occurrence is at or
// before now, most overdue first.
func (r *Repository) FetchDuePending(ctx context.Context, now time.Time, limit int) ([]*ScheduledMessage, error) {
	query := `
		SELECT ` + scheduledMessageColumns + `
		FROM scheduled_messages
		WHERE status = 'pending'
		  AND next_send_at IS NOT NULL
		  AND next_send_at <= $1
		ORDER BY next_send_at ASC, id ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due scheduled messages: %w", err)
	}
	defer rows.Close()

	var messages []*ScheduledMessage
	for rows.Next() {
		msg, err := scanScheduledMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return messages, nil
}

// UpdateRecord writes the engine-owned fields of a scheduled message. The
// update only applies while the row is still pending at expectedNextSendAt;
// otherwise ErrConflict is returned and nothing changes.
func (r *Repository) UpdateRecord(ctx context.Context, id uuid.UUID, expectedNextSendAt time.Time, patch Patch) error {
	query := `
		UPDATE scheduled_messages
		SET status = $1,
		    next_send_at = $2,
		    last_sent_at = COALESCE($3, last_sent_at),
		    error_message = $4,
		    updated_at = NOW()
		WHERE id = $5
		  AND status = 'pending'
		  AND next_send_at = $6
	`

	result, err := r.db.Pool().Exec(ctx, query,
		patch.Status,
		patch.NextSendAt,
		patch.LastSentAt,
		patch.ErrorMessage,
		id,
		expectedNextSendAt.UTC(),
	)
	if err != nil {
		r.logger.Error("failed to update scheduled message",
			zap.Error(err),
			zap.String("scheduled_message_id", id.String()),
		)
		return fmt.Errorf("update scheduled message: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrConflict, id)
	}

	return nil
}

// CancelScheduledMessage stops a pending or failed message from being sent.
func (r *Repository) CancelScheduledMessage(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE scheduled_messages
		SET status = $1, next_send_at = NULL, error_message = NULL, updated_at = NOW()
		WHERE id = $2 AND status IN ('pending', 'failed')
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusCancelled, id)
	if err != nil {
		return fmt.Errorf("cancel scheduled message: %w", err)
	}

	if result.RowsAffected() == 0 {
		return r.explainNoRows(ctx, id)
	}

	r.logger.Info("scheduled message cancelled", zap.String("scheduled_message_id", id.String()))

	return nil
}

// ReactivateScheduledMessage puts a failed message back into the pending
// state with the given next occurrence and clears its error.
func (r *Repository) ReactivateScheduledMessage(ctx context.Context, id uuid.UUID, nextSendAt time.Time) error {
	query := `
		UPDATE scheduled_messages
		SET status = $1, next_send_at = $2, error_message = NULL, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusPending, nextSendAt.UTC(), id, StatusFailed)
	if err != nil {
		return fmt.Errorf("reactivate scheduled message: %w", err)
	}

	if result.RowsAffected() == 0 {
		return r.explainNoRows(ctx, id)
	}

	r.logger.Info("scheduled message reactivated",
		zap.String("scheduled_message_id", id.String()),
		zap.Time("next_send_at", nextSendAt),
	)

	return nil
}

// DeleteScheduledMessage removes a scheduled message permanently
func (r *Repository) DeleteScheduledMessage(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM scheduled_messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled message: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	r.logger.Info("scheduled message deleted", zap.String("scheduled_message_id", id.String()))

	return nil
}

func (r *Repository) explainNoRows(ctx context.Context, id uuid.UUID) error {
	msg, err := r.GetScheduledMessage(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: status is %s", ErrInvalidTransition, msg.Status)
}
