package authcore

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials is returned when the presented identifier or
	// secret does not match. Unknown identifiers and wrong secrets are
	// indistinguishable to the caller.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountDisabled is returned when the secret verified but the
	// principal is administratively disabled.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrRefreshInvalid is returned for any refresh token that cannot be
	// redeemed: unknown, expired, revoked, or replayed.
	ErrRefreshInvalid = errors.New("invalid refresh token")
	// ErrRefreshReuse wraps ErrRefreshInvalid so generic handlers report
	// replay identically to any other invalid token while the engine and
	// audit trail still distinguish it.
	ErrRefreshReuse = fmt.Errorf("refresh token reuse detected: %w", ErrRefreshInvalid)
	// ErrTokenInvalid is returned when an access token fails validation.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenRevoked is returned when an access token predates the
	// principal's revocation epoch.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrServiceUnavailable is returned when a backing store cannot be
	// reached. The operation may be retried.
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrEngineNotReady is returned when an engine method is called on a
	// nil or unbuilt engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// RateLimitError reports a denied operation together with when it may be
// retried. It matches the operation-specific sentinels below under
// errors.Is.
type RateLimitError struct {
	Op         string
	RetryAfter time.Duration
	ResetAt    time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited, retry after %s", e.Op, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return true
	case ErrLoginRateLimited:
		return e.Op == "login"
	case ErrRefreshRateLimited:
		return e.Op == "refresh"
	case ErrResetRateLimited:
		return e.Op == "reset"
	}
	return false
}

var (
	// ErrRateLimited matches every *RateLimitError.
	ErrRateLimited = errors.New("rate limited")
	// ErrLoginRateLimited matches login throttle denials.
	ErrLoginRateLimited = errors.New("login rate limited")
	// ErrRefreshRateLimited matches refresh throttle denials.
	ErrRefreshRateLimited = errors.New("refresh rate limited")
	// ErrResetRateLimited matches credential-reset throttle denials.
	ErrResetRateLimited = errors.New("credential reset rate limited")
)
