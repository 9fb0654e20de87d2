package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/waypoint/internal/db"
	"github.com/lalithlochan/waypoint/internal/metrics"
	"github.com/lalithlochan/waypoint/internal/recurrence"
	"github.com/lalithlochan/waypoint/internal/redis"
)

// ScheduledMessageRepository defines the database operations the management API needs
type ScheduledMessageRepository interface {
	CreateScheduledMessage(ctx context.Context, msg *db.ScheduledMessage) error
	GetScheduledMessage(ctx context.Context, id uuid.UUID) (*db.ScheduledMessage, error)
	ListScheduledMessagesByTrip(ctx context.Context, tripID uuid.UUID, status string, limit, offset int) ([]*db.ScheduledMessage, error)
	CancelScheduledMessage(ctx context.Context, id uuid.UUID) error
	ReactivateScheduledMessage(ctx context.Context, id uuid.UUID, nextSendAt time.Time) error
	DeleteScheduledMessage(ctx context.Context, id uuid.UUID) error
}

// CreateScheduledMessageRequest is authored in the trip's local time; the
// handler converts it to UTC.
type CreateScheduledMessageRequest struct {
	Content        string `json:"content" validate:"required,max=5000"`
	Channel        string `json:"channel" validate:"omitempty,oneof=chat push email webhook"`
	Date           string `json:"date" validate:"required,datetime=2006-01-02"`
	Time           string `json:"time" validate:"required,datetime=15:04"`
	Timezone       string `json:"timezone" validate:"required"`
	RecurrenceType string `json:"recurrence_type" validate:"omitempty,oneof=none daily weekly"`
	RecurrenceDays []int  `json:"recurrence_days" validate:"omitempty,dive,min=0,max=6"`
	CreatedBy      string `json:"created_by" validate:"required,uuid"`
}

// ScheduledMessageResponse is returned after creating a scheduled message
type ScheduledMessageResponse struct {
	ID          string    `json:"id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for the management API
type Handler struct {
	logger      *zap.Logger
	repo        ScheduledMessageRepository
	idempotency *redis.IdempotencyService // nil if Redis not configured
	validate    *validator.Validate
	now         func() time.Time
}

// NewHandler creates a new API handler. idempotency may be nil.
func NewHandler(logger *zap.Logger, repo ScheduledMessageRepository, idempotency *redis.IdempotencyService) *Handler {
	return &Handler{
		logger:      logger,
		repo:        repo,
		idempotency: idempotency,
		validate:    validator.New(),
		now:         time.Now,
	}
}

// CreateScheduledMessage handles POST /v1/trips/{tripID}/scheduled-messages
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateScheduledMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tripIDStr := chi.URLParam(r, "tripID")
	tripID, err := uuid.Parse(tripIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid trip ID", "trip ID must be a valid UUID")
		return
	}

	var req CreateScheduledMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid scheduled message", validationDetail(err))
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid scheduled message", "content must not be blank")
		return
	}

	loc, err := time.LoadLocation(req.Timezone)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid timezone", "timezone must be an IANA zone name such as Europe/Lisbon")
		return
	}

	// local wall clock in the author's zone, stored as UTC
	local, err := time.ParseInLocation("2006-01-02 15:04", req.Date+" "+req.Time, loc)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid date or time", err.Error())
		return
	}
	scheduledAt := local.UTC()
	if !scheduledAt.After(h.now()) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Scheduled time is in the past", "date and time must be in the future in the given timezone")
		return
	}

	rule, err := ruleFromRequest(req)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recurrence", err.Error())
		return
	}
	recurrenceType, details, err := recurrence.Encode(rule)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recurrence", err.Error())
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey != "" && h.idempotency != nil {
		cachedResult, err := h.idempotency.CheckOrReserve(ctx, tripIDStr, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cachedResult != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cachedResult.StatusCode, ScheduledMessageResponse{
				ID:          cachedResult.ResourceID,
				ScheduledAt: cachedResult.ScheduledAt,
			})
			return
		}
	}

	createdBy, _ := uuid.Parse(req.CreatedBy)
	channel := req.Channel
	if channel == "" {
		channel = db.ChannelChat
	}

	msg := &db.ScheduledMessage{
		ID:                uuid.New(),
		TripID:            tripID,
		CreatedBy:         createdBy,
		Channel:           channel,
		Content:           req.Content,
		ScheduledAt:       scheduledAt,
		NextSendAt:        &scheduledAt,
		Status:            db.StatusPending,
		RecurrenceType:    &recurrenceType,
		RecurrenceDetails: details,
		Timezone:          loc.String(),
	}

	if err := h.repo.CreateScheduledMessage(ctx, msg); err != nil {
		h.logger.Error("failed to create scheduled message",
			zap.Error(err),
			zap.String("trip_id", tripIDStr),
		)
		if idempotencyKey != "" && h.idempotency != nil {
			_ = h.idempotency.Release(ctx, tripIDStr, idempotencyKey)
		}
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create scheduled message", "")
		return
	}

	h.logger.Info("scheduled message created",
		zap.String("id", msg.ID.String()),
		zap.String("trip_id", tripIDStr),
		zap.String("channel", channel),
		zap.String("recurrence", rule.String()),
		zap.Time("scheduled_at", scheduledAt),
	)

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			ResourceID:  msg.ID.String(),
			ScheduledAt: scheduledAt,
			StatusCode:  http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, tripIDStr, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, http.StatusCreated, ScheduledMessageResponse{
		ID:          msg.ID.String(),
		ScheduledAt: scheduledAt,
	})
}

func ruleFromRequest(req CreateScheduledMessageRequest) (recurrence.Rule, error) {
	switch req.RecurrenceType {
	case "", recurrence.TypeNone:
		return recurrence.None(), nil
	case recurrence.TypeDaily:
		return recurrence.Daily(), nil
	default:
		days := make([]time.Weekday, 0, len(req.RecurrenceDays))
		for _, d := range req.RecurrenceDays {
			days = append(days, time.Weekday(d))
		}
		return recurrence.Weekly(days...)
	}
}

// GetScheduledMessage handles GET /v1/scheduled-messages/{id}
func (h *Handler) GetScheduledMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	msg, err := h.repo.GetScheduledMessage(r.Context(), id)
	if err != nil {
		h.writeRepoError(w, err, id, "get")
		return
	}

	h.writeJSON(w, http.StatusOK, msg)
}

// ListScheduledMessages handles GET /v1/trips/{tripID}/scheduled-messages?status=&limit=20&offset=0
func (h *Handler) ListScheduledMessages(w http.ResponseWriter, r *http.Request) {
	tripIDStr := chi.URLParam(r, "tripID")
	tripID, err := uuid.Parse(tripIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid trip ID", "trip ID must be a valid UUID")
		return
	}

	status := r.URL.Query().Get("status")
	switch status {
	case "", db.StatusPending, db.StatusSent, db.StatusCompleted, db.StatusCancelled, db.StatusFailed:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: pending, sent, completed, cancelled, failed")
		return
	}

	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	msgs, err := h.repo.ListScheduledMessagesByTrip(r.Context(), tripID, status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list scheduled messages",
			zap.Error(err),
			zap.String("trip_id", tripIDStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list scheduled messages", "")
		return
	}
	if msgs == nil {
		msgs = []*db.ScheduledMessage{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   msgs,
		"limit":  limit,
		"offset": offset,
		"count":  len(msgs),
	})
}

// CancelScheduledMessage handles POST /v1/scheduled-messages/{id}/cancel
func (h *Handler) CancelScheduledMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	if err := h.repo.CancelScheduledMessage(r.Context(), id); err != nil {
		h.writeRepoError(w, err, id, "cancel")
		return
	}

	h.logger.Info("scheduled message cancelled", zap.String("id", id.String()))
	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     id.String(),
		"status": db.StatusCancelled,
	})
}

// ReactivateScheduledMessage handles POST /v1/scheduled-messages/{id}/reactivate.
// A failed record goes back to pending. If its occurrence already passed,
// recurring records move to their first occurrence after now; one-time
// records are sent on the next run.
func (h *Handler) ReactivateScheduledMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	msg, err := h.repo.GetScheduledMessage(ctx, id)
	if err != nil {
		h.writeRepoError(w, err, id, "reactivate")
		return
	}
	if msg.Status != db.StatusFailed {
		h.writeError(w, http.StatusConflict, "invalid_transition", "Only failed messages can be reactivated",
			"current status is "+msg.Status)
		return
	}

	rule, err := recurrence.Parse(msg.RecurrenceType, msg.RecurrenceDetails)
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_recurrence",
			"Stored recurrence is invalid", err.Error())
		return
	}

	// same UTC arithmetic as the scheduler
	anchor := msg.ScheduledAt.UTC()
	if msg.NextSendAt != nil {
		anchor = msg.NextSendAt.UTC()
	}

	next, err := recurrence.FirstAfter(anchor, h.now(), rule)
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_recurrence",
			"Stored recurrence is invalid", err.Error())
		return
	}
	next = next.UTC()

	if err := h.repo.ReactivateScheduledMessage(ctx, id, next); err != nil {
		h.writeRepoError(w, err, id, "reactivate")
		return
	}

	h.logger.Info("scheduled message reactivated",
		zap.String("id", id.String()),
		zap.Time("next_send_at", next),
	)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":           id.String(),
		"status":       db.StatusPending,
		"next_send_at": next,
	})
}

// DeleteScheduledMessage handles DELETE /v1/scheduled-messages/{id}
func (h *Handler) DeleteScheduledMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	if err := h.repo.DeleteScheduledMessage(r.Context(), id); err != nil {
		h.writeRepoError(w, err, id, "delete")
		return
	}

	h.logger.Info("scheduled message deleted", zap.String("id", id.String()))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid scheduled message ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeRepoError(w http.ResponseWriter, err error, id uuid.UUID, op string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Scheduled message not found", "")
	case errors.Is(err, db.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, "invalid_transition", "Operation not allowed in current status", err.Error())
	default:
		h.logger.Error("scheduled message operation failed",
			zap.Error(err),
			zap.String("op", op),
			zap.String("id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to "+op+" scheduled message", "")
	}
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
