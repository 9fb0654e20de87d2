package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/waypoint/internal/db"
	"github.com/lalithlochan/waypoint/internal/delivery"
	"github.com/lalithlochan/waypoint/internal/metrics"
	"github.com/lalithlochan/waypoint/internal/recurrence"
	"github.com/lalithlochan/waypoint/internal/sqs"
)

// ErrFetchDue wraps a failure to load the due set. Nothing was touched.
var ErrFetchDue = errors.New("failed to fetch due messages")

// errNotAttempted marks an occurrence that never reached the transport in
// this run. The record is left untouched for the next run.
var errNotAttempted = errors.New("delivery not attempted")

// maxErrorLength bounds error_message.
const maxErrorLength = 1000

// releaseTimeout bounds ledger writes made after the run's context is gone.
const releaseTimeout = 2 * time.Second

// Store is the persistence the runner needs.
type Store interface {
	FetchDuePending(ctx context.Context, now time.Time, limit int) ([]*db.ScheduledMessage, error)
	// UpdateRecord applies patch only while the record is still pending at
	// expectedNextSendAt and returns db.ErrConflict otherwise.
	UpdateRecord(ctx context.Context, id uuid.UUID, expectedNextSendAt time.Time, patch db.Patch) error
}

// Channel delivers one occurrence of a message.
type Channel interface {
	Deliver(ctx context.Context, msg *db.ScheduledMessage) error
}

// DeliveryLedger remembers occurrences that were delivered but maybe not
// persisted, so a re-selected occurrence is not sent twice. Reserve claims
// an occurrence before delivery so overlapping runs cannot both send it.
type DeliveryLedger interface {
	Delivered(ctx context.Context, id uuid.UUID, occurrence time.Time) (bool, error)
	Reserve(ctx context.Context, id uuid.UUID, occurrence time.Time) (bool, error)
	Release(ctx context.Context, id uuid.UUID, occurrence time.Time) error
	MarkDelivered(ctx context.Context, id uuid.UUID, occurrence time.Time) error
}

// TransitionPublisher receives one event per persisted transition.
type TransitionPublisher interface {
	PublishTransition(ctx context.Context, ev sqs.TransitionEvent) (string, error)
}

type Config struct {
	BatchSize   int
	Concurrency int
	// DeliveryRPS caps deliveries per second across the batch. Zero means
	// unlimited.
	DeliveryRPS float64
}

// Summary reports one run. Deferred records were due but not attempted
// (throttle ran out of time, run cancelled, in flight elsewhere) and stay
// pending.
type Summary struct {
	Due       int `json:"due"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Completed int `json:"completed"`
	Advanced  int `json:"advanced"`
	Deferred  int `json:"deferred"`
}

type Option func(*Runner)

// WithLedger enables the delivered-occurrence ledger.
func WithLedger(l DeliveryLedger) Option {
	return func(r *Runner) { r.ledger = l }
}

// WithTransitions publishes an event for every persisted transition.
func WithTransitions(p TransitionPublisher) Option {
	return func(r *Runner) { r.transitions = p }
}

type Runner struct {
	store       Store
	channel     Channel
	ledger      DeliveryLedger
	transitions TransitionPublisher
	limiter     *rate.Limiter
	config      Config
	logger      *zap.Logger
}

func New(store Store, channel Channel, cfg Config, logger *zap.Logger, opts ...Option) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	r := &Runner{
		store:   store,
		channel: channel,
		config:  cfg,
		logger:  logger,
	}
	if cfg.DeliveryRPS > 0 {
		burst := int(cfg.DeliveryRPS)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.DeliveryRPS), burst)
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

type outcome int

const (
	outcomeAdvanced outcome = iota
	outcomeCompleted
	outcomeFailed
	outcomeDeferred
)

func (o outcome) String() string {
	switch o {
	case outcomeAdvanced:
		return "advanced"
	case outcomeCompleted:
		return "completed"
	case outcomeDeferred:
		return "deferred"
	default:
		return "failed"
	}
}

// Run processes every record due at now. Per-record failures are recorded
// on the record and in the summary; only a failed fetch returns an error.
func (r *Runner) Run(ctx context.Context, now time.Time) (Summary, error) {
	now = now.UTC()

	due, err := r.store.FetchDuePending(ctx, now, r.config.BatchSize)
	if err != nil {
		r.logger.Error("failed to fetch due messages", zap.Error(err))
		return Summary{}, fmt.Errorf("%w: %v", ErrFetchDue, err)
	}

	summary := Summary{Due: len(due)}
	metrics.SetDue(len(due))
	if len(due) == 0 {
		return summary, nil
	}

	var advanced, completed, failed, deferred atomic.Int64
	count := func(o outcome) {
		switch o {
		case outcomeAdvanced:
			advanced.Add(1)
		case outcomeCompleted:
			completed.Add(1)
		case outcomeDeferred:
			deferred.Add(1)
		default:
			failed.Add(1)
		}
	}

	if r.config.Concurrency == 1 {
		for _, msg := range due {
			count(r.process(ctx, msg, now))
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.config.Concurrency)
		for _, msg := range due {
			msg := msg
			g.Go(func() error {
				count(r.process(gctx, msg, now))
				return nil
			})
		}
		_ = g.Wait()
	}

	summary.Advanced = int(advanced.Load())
	summary.Completed = int(completed.Load())
	summary.Failed = int(failed.Load())
	summary.Deferred = int(deferred.Load())
	summary.Processed = summary.Advanced + summary.Completed

	r.logger.Info("scheduler run finished",
		zap.Int("due", summary.Due),
		zap.Int("processed", summary.Processed),
		zap.Int("failed", summary.Failed),
		zap.Int("deferred", summary.Deferred),
	)

	return summary, nil
}

// process handles one occurrence: deliver, compute the next occurrence and
// persist, isolating every failure to this record.
func (r *Runner) process(ctx context.Context, msg *db.ScheduledMessage, now time.Time) outcome {
	channel := delivery.ChannelOf(msg)
	log := r.logger.With(
		zap.String("scheduled_message_id", msg.ID.String()),
		zap.String("trip_id", msg.TripID.String()),
		zap.String("channel", channel),
	)

	if msg.NextSendAt == nil {
		// FetchDuePending never returns these; nothing to compare against.
		log.Error("due message has no next_send_at")
		metrics.RecordProcessed(outcomeFailed.String(), channel)
		return outcomeFailed
	}
	occurrence := *msg.NextSendAt

	rule, err := recurrence.Parse(msg.RecurrenceType, msg.RecurrenceDetails)
	if err != nil {
		return r.fail(ctx, log, msg, occurrence, channel, fmt.Sprintf("invalid recurrence: %v", err))
	}

	if err := r.deliverOnce(ctx, log, msg, occurrence, channel, now); err != nil {
		if errors.Is(err, errNotAttempted) {
			log.Info("delivery deferred to the next run", zap.Error(err))
			metrics.RecordProcessed(outcomeDeferred.String(), channel)
			return outcomeDeferred
		}
		return r.fail(ctx, log, msg, occurrence, channel, fmt.Sprintf("delivery failed: %v", err))
	}

	next, ok, err := recurrence.Next(occurrence, rule)
	if err != nil {
		return r.fail(ctx, log, msg, occurrence, channel, fmt.Sprintf("recurrence failed: %v", err))
	}

	sentAt := now
	patch := db.Patch{LastSentAt: &sentAt}
	result := outcomeCompleted
	switch {
	case !ok:
		patch.Status = db.StatusCompleted
	case !next.After(occurrence):
		return r.fail(ctx, log, msg, occurrence, channel,
			fmt.Sprintf("non-monotonic next occurrence %s after %s", next.Format(time.RFC3339), occurrence.Format(time.RFC3339)))
	default:
		next = next.UTC()
		patch.Status = db.StatusPending
		patch.NextSendAt = &next
		result = outcomeAdvanced
	}

	if err := r.store.UpdateRecord(ctx, msg.ID, occurrence, patch); err != nil {
		r.logPersistError(log, err)
		metrics.RecordProcessed(outcomeFailed.String(), channel)
		return outcomeFailed
	}

	log.Info("scheduled message processed",
		zap.String("outcome", result.String()),
		zap.Time("occurrence", occurrence),
	)
	metrics.RecordProcessed(result.String(), channel)
	r.publish(ctx, log, msg, channel, occurrence, patch, true)

	return result
}

// deliverOnce delivers unless the ledger says this occurrence already went
// out in an earlier run whose state update was lost. It returns
// errNotAttempted when the occurrence was not handed to the transport for a
// reason local to this run.
func (r *Runner) deliverOnce(ctx context.Context, log *zap.Logger, msg *db.ScheduledMessage, occurrence time.Time, channel string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", errNotAttempted, err)
	}

	reserved := false
	if r.ledger != nil {
		delivered, err := r.ledger.Delivered(ctx, msg.ID, occurrence)
		switch {
		case err != nil:
			log.Warn("delivery ledger unavailable", zap.Error(err))
		case delivered:
			log.Info("occurrence already delivered, advancing only", zap.Time("occurrence", occurrence))
			metrics.RecordLedgerSkip()
			return nil
		default:
			ok, err := r.ledger.Reserve(ctx, msg.ID, occurrence)
			if err != nil {
				log.Warn("delivery ledger reservation failed", zap.Error(err))
			} else if !ok {
				return fmt.Errorf("%w: occurrence is in flight in another run", errNotAttempted)
			}
			reserved = ok
		}
	}

	release := func() {
		if !reserved {
			return
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := r.ledger.Release(rctx, msg.ID, occurrence); err != nil {
			log.Warn("failed to release delivery reservation", zap.Error(err))
		}
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			release()
			return fmt.Errorf("%w: %v", errNotAttempted, err)
		}
	}

	start := time.Now()
	if err := r.channel.Deliver(ctx, msg); err != nil {
		release()
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", errNotAttempted, err)
		}
		return err
	}
	metrics.RecordDelivery(channel, time.Since(start), now.Sub(occurrence))

	if r.ledger != nil {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := r.ledger.MarkDelivered(mctx, msg.ID, occurrence); err != nil {
			log.Warn("failed to record delivery in ledger", zap.Error(err))
		}
	}

	return nil
}

// fail moves the record to failed, keeping next_send_at where it was.
func (r *Runner) fail(ctx context.Context, log *zap.Logger, msg *db.ScheduledMessage, occurrence time.Time, channel, reason string) outcome {
	reason = truncate(reason, maxErrorLength)
	log.Warn("scheduled message failed", zap.String("reason", reason))

	patch := db.Patch{
		Status:       db.StatusFailed,
		NextSendAt:   &occurrence,
		ErrorMessage: &reason,
	}
	if err := r.store.UpdateRecord(ctx, msg.ID, occurrence, patch); err != nil {
		r.logPersistError(log, err)
	} else {
		r.publish(ctx, log, msg, channel, occurrence, patch, false)
	}

	metrics.RecordProcessed(outcomeFailed.String(), channel)
	return outcomeFailed
}

func (r *Runner) logPersistError(log *zap.Logger, err error) {
	if errors.Is(err, db.ErrConflict) {
		log.Warn("scheduled message changed during processing, update skipped", zap.Error(err))
		return
	}
	log.Error("failed to persist scheduled message", zap.Error(err))
}

func (r *Runner) publish(ctx context.Context, log *zap.Logger, msg *db.ScheduledMessage, channel string, occurrence time.Time, patch db.Patch, delivered bool) {
	if r.transitions == nil {
		return
	}

	ev := sqs.TransitionEvent{
		ScheduledMessageID: msg.ID.String(),
		TripID:             msg.TripID.String(),
		Channel:            channel,
		Status:             patch.Status,
		OccurrenceAt:       occurrence,
		Delivered:          delivered,
	}
	if patch.Status != db.StatusFailed {
		ev.NextSendAt = patch.NextSendAt
	}
	if patch.ErrorMessage != nil {
		ev.Error = *patch.ErrorMessage
	}

	if _, err := r.transitions.PublishTransition(ctx, ev); err != nil {
		log.Warn("failed to publish transition event", zap.Error(err))
		metrics.RecordTransitionEventFailed()
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
