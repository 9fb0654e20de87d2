package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultCronSpec runs the scheduler every minute.
const DefaultCronSpec = "@every 1m"

// Cron invokes the scheduler on a cron schedule inside this process. A tick
// that fires while the previous run is still going is skipped.
type Cron struct {
	c       *cron.Cron
	invoker *Invoker
	timeout time.Duration
	logger  *zap.Logger
}

// NewCron parses spec and registers the job. timeout bounds a single run.
func NewCron(spec string, invoker *Invoker, timeout time.Duration, logger *zap.Logger) (*Cron, error) {
	if spec == "" {
		spec = DefaultCronSpec
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	cl := cronLogger{s: logger.Sugar()}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	t := &Cron{
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		invoker: invoker,
		timeout: timeout,
		logger:  logger,
	}

	if _, err := t.c.AddFunc(spec, t.tick); err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}

	return t, nil
}

func (t *Cron) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	if _, err := t.invoker.Invoke(ctx, SourceCron); err != nil && !errors.Is(err, ErrRunInProgress) {
		t.logger.Warn("cron triggered run failed", zap.Error(err))
	}
}

func (t *Cron) Start() {
	t.c.Start()
	t.logger.Info("cron trigger started", zap.Int("entries", len(t.c.Entries())))
}

// Stop stops scheduling and waits for a running job until ctx expires.
func (t *Cron) Stop(ctx context.Context) {
	select {
	case <-t.c.Stop().Done():
	case <-ctx.Done():
		t.logger.Warn("cron trigger stop timed out")
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
