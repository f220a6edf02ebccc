package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	return New(rdb, cfg), mr, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func TestAllowDeniesSixthHit(t *testing.T) {
	cfg := Config{Generic: Policy{Limit: 5, Window: 15 * time.Minute}}
	l, _, done := newTestLimiter(t, cfg)
	defer done()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		res, err := l.Allow(ctx, "gn:alice", cfg.Generic)
		if err != nil {
			t.Fatalf("allow %d failed: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("hit %d unexpectedly denied", i)
		}
		if want := 5 - (i + 1); res.Remaining != want {
			t.Fatalf("hit %d remaining = %d, want %d", i, res.Remaining, want)
		}
	}

	res, err := l.Allow(ctx, "gn:alice", cfg.Generic)
	if err != nil {
		t.Fatalf("sixth allow errored: %v", err)
	}
	if res.Allowed {
		t.Fatal("sixth hit within the window should be denied")
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("denied result must carry a retry-after hint, got %v", res.RetryAfter)
	}
	if !res.ResetAt.After(time.Now()) {
		t.Fatalf("resetAt must be in the future, got %v", res.ResetAt)
	}
}

func TestAllowWindowElapses(t *testing.T) {
	cfg := Config{Generic: Policy{Limit: 2, Window: time.Minute}}
	l, mr, done := newTestLimiter(t, cfg)
	defer done()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if res, _ := l.Allow(ctx, "gn:k", cfg.Generic); !res.Allowed {
			t.Fatalf("hit %d denied", i)
		}
	}
	if res, _ := l.Allow(ctx, "gn:k", cfg.Generic); res.Allowed {
		t.Fatal("over-limit hit allowed")
	}

	mr.FastForward(time.Minute + time.Second)

	res, err := l.Allow(ctx, "gn:k", cfg.Generic)
	if err != nil {
		t.Fatalf("post-window allow errored: %v", err)
	}
	if !res.Allowed {
		t.Fatal("count should reset after the window elapses")
	}
}

func TestLoginCheckIncrementReset(t *testing.T) {
	cfg := Config{
		Login:      Policy{Limit: 3, Window: 15 * time.Minute},
		LoginPerIP: true,
	}
	l, _, done := newTestLimiter(t, cfg)
	defer done()

	ctx := context.Background()
	if err := l.CheckLogin(ctx, "alice", "10.0.0.1"); err != nil {
		t.Fatalf("fresh check failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := l.IncrementLogin(ctx, "alice", "10.0.0.1"); err != nil && !errors.Is(err, ErrRateLimited) {
			t.Fatalf("increment %d failed: %v", i, err)
		}
	}
	if err := l.CheckLogin(ctx, "alice", "10.0.0.1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited after budget exhausted, got %v", err)
	}

	// Same IP, different identifier: the IP counter still applies.
	if err := l.CheckLogin(ctx, "bob", "10.0.0.1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected per-IP limit to apply, got %v", err)
	}

	if err := l.ResetLogin(ctx, "alice", "10.0.0.1"); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if err := l.CheckLogin(ctx, "alice", "10.0.0.1"); err != nil {
		t.Fatalf("check after reset failed: %v", err)
	}
}

func TestResetProfileIsStrict(t *testing.T) {
	cfg := Config{Reset: Policy{Limit: 3, Window: time.Hour}}
	l, _, done := newTestLimiter(t, cfg)
	defer done()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := l.AllowReset(ctx, "alice@example.com")
		if err != nil || !res.Allowed {
			t.Fatalf("reset request %d should pass: %v %+v", i, err, res)
		}
	}
	res, err := l.AllowReset(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("fourth reset errored: %v", err)
	}
	if res.Allowed {
		t.Fatal("fourth reset request within the hour must be denied")
	}
}

func TestFailClosedOnBackendLoss(t *testing.T) {
	cfg := Config{Login: Policy{Limit: 5, Window: time.Minute}}
	l, mr, done := newTestLimiter(t, cfg)
	defer done()

	mr.Close()

	if err := l.CheckLogin(context.Background(), "alice", ""); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("login check must fail closed on backend loss, got %v", err)
	}
}

func TestGenericFailOpenOnBackendLoss(t *testing.T) {
	cfg := Config{
		Generic:         Policy{Limit: 5, Window: time.Minute},
		FailOpenGeneric: true,
	}
	l, mr, done := newTestLimiter(t, cfg)
	defer done()

	mr.Close()

	res, err := l.AllowGeneric(context.Background(), "k")
	if err != nil {
		t.Fatalf("generic profile should fail open, got %v", err)
	}
	if !res.Allowed {
		t.Fatal("fail-open denial")
	}
}

func TestDisabledPolicyAlwaysAllows(t *testing.T) {
	l, _, done := newTestLimiter(t, Config{})
	defer done()

	for i := 0; i < 50; i++ {
		res, err := l.Allow(context.Background(), "k", Policy{})
		if err != nil || !res.Allowed {
			t.Fatalf("disabled policy denied at %d: %v", i, err)
		}
	}
}
