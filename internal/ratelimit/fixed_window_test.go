package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, limit int) (*FixedWindowLimiter, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := NewFixedWindowLimiter(client, "test:ratelimit", limit, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return limiter, srv
}

func TestFixedWindowLimiterCountsPerKey(t *testing.T) {
	limiter, _ := newTestLimiter(t, 2)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if ok, _ := limiter.Allow(ctx, "user-1"); !ok {
			t.Fatalf("hit %d should pass", i+1)
		}
	}
	ok, wait := limiter.Allow(ctx, "user-1")
	if ok {
		t.Fatalf("third hit should be blocked")
	}
	if wait <= 0 || wait > time.Minute {
		t.Fatalf("retry after = %s, want within the window", wait)
	}
	if ok, _ := limiter.Allow(ctx, "user-2"); !ok {
		t.Fatalf("other keys keep their own quota")
	}
}

func TestFixedWindowLimiterReopensAfterWindow(t *testing.T) {
	limiter, srv := newTestLimiter(t, 1)
	ctx := context.Background()
	if ok, _ := limiter.Allow(ctx, "user-1"); !ok {
		t.Fatalf("first hit should pass")
	}
	if ok, _ := limiter.Allow(ctx, "user-1"); ok {
		t.Fatalf("second hit should be blocked")
	}
	srv.FastForward(time.Minute + time.Second)
	if ok, _ := limiter.Allow(ctx, "user-1"); !ok {
		t.Fatalf("a new window should reset the quota")
	}
}

func TestFixedWindowLimiterFailsClosed(t *testing.T) {
	limiter, srv := newTestLimiter(t, 1)
	srv.Close()
	ok, wait := limiter.Allow(context.Background(), "user-1")
	if ok || wait != time.Minute {
		t.Fatalf("allow = %v wait = %s, want denied for a full window", ok, wait)
	}
}

func TestFixedWindowLimiterRequiresClient(t *testing.T) {
	limiter, err := NewFixedWindowLimiter(nil, "test:ratelimit", 1, time.Second)
	if err == nil || limiter != nil {
		t.Fatalf("expected constructor error without a redis client")
	}
}
