package redis

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func setupTestRateLimiter(t *testing.T, limit int, window time.Duration) *RateLimiter {
	t.Helper()
	client, _ := setupTestRedis(t)
	return NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  limit,
		Window: window,
	})
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter := setupTestRateLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "test-key")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if result.Remaining != 4-i {
			t.Errorf("request %d: expected remaining %d, got %d", i, 4-i, result.Remaining)
		}
		if result.Limit != 5 {
			t.Errorf("expected limit 5, got %d", result.Limit)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter := setupTestRateLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if result, _ := limiter.Allow(ctx, "test-key"); !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	result, err := limiter.Allow(ctx, "test-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("request should be blocked")
	}
	if result.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", result.Remaining)
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	limiter := setupTestRateLimiter(t, 2, time.Minute)
	now := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = limiter.Allow(ctx, "trip:a")
	_, _ = limiter.Allow(ctx, "trip:a")
	if result, _ := limiter.Allow(ctx, "trip:a"); result.Allowed {
		t.Fatal("third request inside the window should be blocked")
	}

	now = now.Add(61 * time.Second)
	if result, _ := limiter.Allow(ctx, "trip:a"); !result.Allowed {
		t.Fatal("request after the window should be allowed")
	}
}

func TestRateLimiter_SeparateKeys(t *testing.T) {
	limiter := setupTestRateLimiter(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = limiter.Allow(ctx, "key-a")
	}

	result, _ := limiter.Allow(ctx, "key-b")
	if !result.Allowed {
		t.Fatal("key-b should be allowed")
	}
	if result.Remaining != 1 {
		t.Errorf("expected remaining 1, got %d", result.Remaining)
	}
}

func TestRateLimiter_AllowN(t *testing.T) {
	limiter := setupTestRateLimiter(t, 10, time.Minute)
	ctx := context.Background()

	result, err := limiter.AllowN(ctx, "test-key", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed || result.Remaining != 5 {
		t.Fatalf("expected allowed with 5 remaining, got %+v", result)
	}

	if result, _ = limiter.AllowN(ctx, "test-key", 6); result.Allowed {
		t.Fatal("should be blocked")
	}
}

func TestRateLimiter_BlockedCallsDoNotConsume(t *testing.T) {
	limiter := setupTestRateLimiter(t, 2, time.Minute)
	ctx := context.Background()

	if result, _ := limiter.AllowN(ctx, "trip:b", 3); result.Allowed {
		t.Fatal("batch larger than the limit should be blocked")
	}

	for i := 0; i < 2; i++ {
		result, err := limiter.Allow(ctx, "trip:b")
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed after a rejected batch", i)
		}
	}
}

func TestRateLimiter_RejectsNonPositiveN(t *testing.T) {
	limiter := setupTestRateLimiter(t, 2, time.Minute)
	if _, err := limiter.AllowN(context.Background(), "k", 0); err == nil {
		t.Fatal("expected error for n=0")
	}
}
