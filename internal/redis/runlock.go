package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lock only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RunLock is a single-holder lease used to keep scheduler runs from
// overlapping across processes. The lease expires on its own after ttl, so a
// crashed holder cannot block runs forever.
type RunLock struct {
	client *Client
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRunLock creates a lock stored under "lock:<name>".
func NewRunLock(client *Client, name string, ttl time.Duration, logger *zap.Logger) *RunLock {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RunLock{
		client: client,
		key:    "lock:" + name,
		ttl:    ttl,
		logger: logger,
	}
}

// Acquire takes the lease with SET NX PX. ok is false when another holder
// has it.
func (l *RunLock) Acquire(ctx context.Context) (token string, ok bool, err error) {
	token = uuid.NewString()
	set, err := l.client.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		return "", false, nil
	}
	return token, true, nil
}

// Release gives the lease back if token still owns it. Releasing an expired
// or foreign lease is a no-op.
func (l *RunLock) Release(ctx context.Context, token string) error {
	n, err := releaseScript.Run(ctx, l.client.rdb, []string{l.key}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock: %w", err)
	}
	if n == 0 {
		l.logger.Warn("run lock expired before release",
			zap.String("key", l.key),
			zap.Duration("ttl", l.ttl),
		)
	}
	return nil
}
