package trigger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/waypoint/internal/sqs"
)

// TickQueue is the consumer side of the trigger queue.
type TickQueue interface {
	Receive(ctx context.Context, max int32, visibility time.Duration) ([]sqs.Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// QueueSource runs the scheduler once per message on a tick queue, for
// platform schedulers (EventBridge and similar) that publish to SQS.
type QueueSource struct {
	queue      TickQueue
	invoker    *Invoker
	visibility time.Duration
	backoff    time.Duration
	logger     *zap.Logger
}

func NewQueueSource(queue TickQueue, invoker *Invoker, visibility time.Duration, logger *zap.Logger) *QueueSource {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &QueueSource{
		queue:      queue,
		invoker:    invoker,
		visibility: visibility,
		backoff:    5 * time.Second,
		logger:     logger,
	}
}

// Start polls until ctx is cancelled.
func (q *QueueSource) Start(ctx context.Context) {
	q.logger.Info("queue trigger started")

	for {
		if ctx.Err() != nil {
			q.logger.Info("queue trigger stopping")
			return
		}

		msgs, err := q.queue.Receive(ctx, 1, q.visibility)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			q.logger.Warn("failed to receive trigger message", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(q.backoff):
			}
			continue
		}

		for _, msg := range msgs {
			q.handle(ctx, msg)
		}
	}
}

// handle invokes once per message. The message stays on the queue after a
// structural failure so it is redelivered when its visibility expires.
func (q *QueueSource) handle(ctx context.Context, msg sqs.Message) {
	log := q.logger.With(zap.String("message_id", msg.ID))

	runCtx, cancel := context.WithTimeout(ctx, q.visibility)
	defer cancel()

	summary, err := q.invoker.Invoke(runCtx, SourceQueue)
	switch {
	case errors.Is(err, ErrRunInProgress):
		log.Debug("run already in progress, dropping tick")
	case err != nil:
		log.Warn("queue triggered run failed, leaving message for retry", zap.Error(err))
		return
	default:
		log.Info("queue triggered run finished",
			zap.Int("processed", summary.Processed),
			zap.Int("failed", summary.Failed),
		)
	}

	if err := q.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		log.Warn("failed to delete trigger message", zap.Error(err))
	}
}
