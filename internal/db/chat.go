package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InsertChatMessage appends a message to the trip chat. SourceID makes the
// insert idempotent per occurrence: a second insert with the same source is
// ignored.
func (r *Repository) InsertChatMessage(ctx context.Context, msg *ChatMessage) error {
	query := `
		INSERT INTO trip_chat_messages (id, trip_id, user_id, content, source, source_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source, source_id) DO NOTHING
	`

	tag, err := r.db.Pool().Exec(ctx, query,
		msg.ID,
		msg.TripID,
		msg.UserID,
		msg.Content,
		msg.Source,
		msg.SourceID,
	)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.Debug("chat message already posted",
			zap.String("trip_id", msg.TripID.String()),
			zap.String("source_id", msg.SourceID.String()),
		)
	}

	return nil
}

// TripMemberEmails returns the email addresses of a trip's members that
// opted into email.
func (r *Repository) TripMemberEmails(ctx context.Context, tripID uuid.UUID) ([]string, error) {
	query := `
		SELECT email
		FROM trip_members
		WHERE trip_id = $1 AND email IS NOT NULL AND email <> '' AND email_opt_in
		ORDER BY email
	`

	rows, err := r.db.Pool().Query(ctx, query, tripID)
	if err != nil {
		return nil, fmt.Errorf("query trip members: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan trip member: %w", err)
		}
		emails = append(emails, email)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return emails, nil
}
