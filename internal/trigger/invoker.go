// Package trigger starts scheduler runs. The HTTP endpoint, the in-process
// cron and the SQS tick consumer all go through Invoker.
package trigger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/waypoint/internal/metrics"
	"github.com/lalithlochan/waypoint/internal/scheduler"
)

// Trigger sources, used as the metrics label.
const (
	SourceHTTP  = "http"
	SourceCron  = "cron"
	SourceQueue = "sqs"
)

var ErrRunInProgress = errors.New("a scheduler run is already in progress")

// Runner is the scheduler entry point.
type Runner interface {
	Run(ctx context.Context, now time.Time) (scheduler.Summary, error)
}

// Lock serializes runs across instances.
type Lock interface {
	Acquire(ctx context.Context) (token string, ok bool, err error)
	Release(ctx context.Context, token string) error
}

// Invoker calls the runner once per trigger.
type Invoker struct {
	runner Runner
	lock   Lock
	clock  func() time.Time
	logger *zap.Logger
}

// NewInvoker creates an invoker. lock may be nil, in which case runs are
// only kept apart by the conditional store update.
func NewInvoker(runner Runner, lock Lock, clock func() time.Time, logger *zap.Logger) *Invoker {
	if clock == nil {
		clock = time.Now
	}
	return &Invoker{
		runner: runner,
		lock:   lock,
		clock:  clock,
		logger: logger,
	}
}

// Invoke runs the scheduler once. It does not retry; the next trigger does.
func (i *Invoker) Invoke(ctx context.Context, source string) (scheduler.Summary, error) {
	start := time.Now()

	if i.lock != nil {
		token, ok, err := i.lock.Acquire(ctx)
		switch {
		case err != nil:
			// Redis outage should not stop delivery; overlapping runs are
			// still safe because updates are conditional.
			i.logger.Warn("run lock unavailable, running unlocked",
				zap.String("source", source),
				zap.Error(err),
			)
		case !ok:
			metrics.RecordLockContention()
			metrics.RecordRun(source, "skipped", time.Since(start))
			return scheduler.Summary{}, ErrRunInProgress
		default:
			defer func() {
				// release with a fresh context so a cancelled request
				// still frees the lock
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := i.lock.Release(releaseCtx, token); err != nil {
					i.logger.Warn("failed to release run lock", zap.Error(err))
				}
			}()
		}
	}

	summary, err := i.runner.Run(ctx, i.clock())
	if err != nil {
		metrics.RecordRun(source, "error", time.Since(start))
		i.logger.Error("scheduler run failed",
			zap.String("source", source),
			zap.Error(err),
		)
		return summary, err
	}

	metrics.RecordRun(source, "ok", time.Since(start))
	i.logger.Debug("scheduler run completed",
		zap.String("source", source),
		zap.Int("due", summary.Due),
		zap.Duration("took", time.Since(start)),
	)

	return summary, nil
}
