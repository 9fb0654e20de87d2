package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// slidingWindowScript trims the window, checks the count and records the
// new hits in one round trip so concurrent callers cannot both pass the
// check. Returns {allowed, count before this call}.
//
// KEYS[1] window key; ARGV[1] now score; ARGV[2] window start score;
// ARGV[3] limit; ARGV[4] ttl ms; ARGV[5..] members to add.
var slidingWindowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
local current = redis.call("ZCARD", KEYS[1])
local n = #ARGV - 4
if current + n > tonumber(ARGV[3]) then
	return {0, current}
end
for i = 5, #ARGV do
	redis.call("ZADD", KEYS[1], ARGV[1], ARGV[i])
end
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return {1, current}
`)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is a sliding window limiter over Redis sorted sets. The
// management API uses it per trip and per client IP.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Allow checks if a request is allowed under the rate limit.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks if n requests are allowed and records them when they are.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	if n < 1 {
		return nil, fmt.Errorf("rate limit: n must be positive, got %d", n)
	}

	now := r.now()
	windowStart := now.Add(-r.config.Window)
	resetAt := now.Add(r.config.Window)

	// scores are microseconds so they stay exact as Lua doubles
	args := make([]interface{}, 0, 4+n)
	args = append(args,
		strconv.FormatInt(now.UnixMicro(), 10),
		strconv.FormatInt(windowStart.UnixMicro(), 10),
		r.config.Limit,
		(r.config.Window + time.Second).Milliseconds(),
	)
	batch := uuid.NewString()
	for i := 0; i < n; i++ {
		args = append(args, fmt.Sprintf("%d-%s-%d", now.UnixMicro(), batch, i))
	}

	res, err := slidingWindowScript.Run(ctx, r.client.rdb, []string{"ratelimit:" + key}, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	allowed := res[0] == 1
	current := int(res[1])
	remaining := r.config.Limit - current
	if allowed {
		remaining -= n
	} else {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", current),
			zap.Int("limit", r.config.Limit),
		)
	}

	return &RateLimitResult{
		Allowed:   allowed,
		Limit:     r.config.Limit,
		Remaining: max(0, remaining),
		ResetAt:   resetAt,
	}, nil
}
