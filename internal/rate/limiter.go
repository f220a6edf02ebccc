package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Policy bounds the number of accepted operations per key within a window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Enabled reports whether the policy actually constrains anything.
func (p Policy) Enabled() bool {
	return p.Limit > 0 && p.Window > 0
}

// Result is the outcome of a single Allow call.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Config holds the limiter profiles. Login attempts are counted per
// identifier and (optionally) per origin IP; credential-reset requests per
// identifier; refresh attempts per presented token; the generic profile
// covers everything else.
type Config struct {
	Login           Policy
	LoginPerIP      bool
	Refresh         Policy
	Reset           Policy
	Generic         Policy
	FailOpenGeneric bool
}

// Limiter enforces fixed-window counters in Redis. Counters are created on
// first hit via INCR and expire with the window, so state is shared across
// engine instances and survives restarts.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

func loginUserKey(identifier string) string { return "rl:lu:" + identifier }
func loginIPKey(ip string) string           { return "rl:li:" + ip }
func refreshKey(token string) string        { return "rl:rf:" + token }
func resetKey(identifier string) string     { return "rl:cr:" + identifier }
func genericKey(key string) string          { return "rl:gn:" + key }

// Allow counts one hit against key under the given policy and reports
// whether it fit inside the window. The increment and the TTL arm are the
// same INCR-first sequence for every caller, so two concurrent hits can
// never both observe the pre-increment count.
func (l *Limiter) Allow(ctx context.Context, key string, p Policy) (Result, error) {
	if !p.Enabled() {
		return Result{Allowed: true, Remaining: -1}, nil
	}

	count, err := l.incrementWithTTL(ctx, key, p.Window)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Allowed:   count <= int64(p.Limit),
		Remaining: p.Limit - int(count),
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}

	ttl, err := l.redis.PTTL(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if ttl > 0 {
		res.ResetAt = time.Now().Add(ttl)
		if !res.Allowed {
			res.RetryAfter = ttl
		}
	}

	return res, nil
}

// AllowGeneric applies the generic endpoint policy. When FailOpenGeneric is
// set, a backend outage lets the request through rather than taking every
// endpoint down with it.
func (l *Limiter) AllowGeneric(ctx context.Context, key string) (Result, error) {
	res, err := l.Allow(ctx, genericKey(key), l.config.Generic)
	if err != nil && l.config.FailOpenGeneric {
		return Result{Allowed: true, Remaining: -1}, nil
	}
	return res, err
}

// AllowReset applies the credential-reset policy, keyed by identifier.
// Reset gating is an authentication surface, so it fails closed.
func (l *Limiter) AllowReset(ctx context.Context, identifier string) (Result, error) {
	return l.Allow(ctx, resetKey(identifier), l.config.Reset)
}

// AllowRefresh applies the refresh policy, keyed by the presented token's
// storage hash. Fails closed.
func (l *Limiter) AllowRefresh(ctx context.Context, tokenHash string) (Result, error) {
	return l.Allow(ctx, refreshKey(tokenHash), l.config.Refresh)
}

// CheckLogin checks whether the identifier (and origin IP, when per-IP
// throttling is on) is still within the failed-attempt budget without
// consuming from it. Returns ErrRateLimited when exhausted; backend errors
// surface as ErrRedisUnavailable so authentication fails closed.
func (l *Limiter) CheckLogin(ctx context.Context, identifier, ip string) error {
	if !l.config.Login.Enabled() {
		return nil
	}

	if err := l.checkCounter(ctx, loginUserKey(identifier), l.config.Login.Limit); err != nil {
		return err
	}
	if l.config.LoginPerIP && ip != "" {
		if err := l.checkCounter(ctx, loginIPKey(ip), l.config.Login.Limit); err != nil {
			return err
		}
	}
	return nil
}

// IncrementLogin records a failed login attempt for the identifier+IP pair.
func (l *Limiter) IncrementLogin(ctx context.Context, identifier, ip string) error {
	if !l.config.Login.Enabled() {
		return nil
	}

	count, err := l.incrementWithTTL(ctx, loginUserKey(identifier), l.config.Login.Window)
	if err != nil {
		return err
	}
	if count > int64(l.config.Login.Limit) {
		return ErrRateLimited
	}

	if l.config.LoginPerIP && ip != "" {
		count, err = l.incrementWithTTL(ctx, loginIPKey(ip), l.config.Login.Window)
		if err != nil {
			return err
		}
		if count > int64(l.config.Login.Limit) {
			return ErrRateLimited
		}
	}
	return nil
}

// ResetLogin clears the failed-attempt counters after a successful login.
func (l *Limiter) ResetLogin(ctx context.Context, identifier, ip string) error {
	if !l.config.Login.Enabled() {
		return nil
	}

	keys := []string{loginUserKey(identifier)}
	if l.config.LoginPerIP && ip != "" {
		keys = append(keys, loginIPKey(ip))
	}

	if err := l.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// LoginRetryAfter reports how long until the identifier's window resets.
// Zero means no active window.
func (l *Limiter) LoginRetryAfter(ctx context.Context, identifier string) (time.Duration, error) {
	ttl, err := l.redis.PTTL(ctx, loginUserKey(identifier)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (l *Limiter) checkCounter(ctx context.Context, key string, limit int) error {
	count, err := l.redis.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count >= int64(limit) {
		return ErrRateLimited
	}
	return nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: the first hit in the window arms the TTL.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, window).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}
