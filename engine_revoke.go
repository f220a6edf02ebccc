package authcore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/mansur-7080/newegg-sub000/internal"
	"github.com/mansur-7080/newegg-sub000/session"
)

// Logout terminally revokes the single refresh token presented.
// Idempotent: unknown and already-revoked tokens succeed silently, so a
// client retrying a logout never sees an error.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	secret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		return nil
	}
	hash := internal.HashRefreshSecret(e.config.Refresh.HMACKey, secret)

	if err := e.store.RevokeByHash(ctx, hash); err != nil {
		if errors.Is(err, session.ErrUnavailable) {
			return ErrServiceUnavailable
		}
		return err
	}

	e.metrics.Inc(MetricLogout)
	e.emitAudit(ctx, AuditEvent{
		EventType: "logout.single",
		IP:        clientIPFromContext(ctx),
		Success:   true,
	})
	return nil
}

// LogoutDevice revokes every live refresh token bound to the
// principal+device pair. Idempotent.
func (e *Engine) LogoutDevice(ctx context.Context, principalID, deviceID string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	n, err := e.store.RevokeDevice(ctx, principalID, deviceID)
	if err != nil {
		if errors.Is(err, session.ErrUnavailable) {
			return ErrServiceUnavailable
		}
		return err
	}

	e.metrics.Inc(MetricLogoutDevice)
	e.emitAudit(ctx, AuditEvent{
		EventType:   "logout.device",
		PrincipalID: principalID,
		DeviceID:    deviceID,
		IP:          clientIPFromContext(ctx),
		Success:     true,
		Metadata:    map[string]string{"revoked_records": formatCount(n)},
	})
	return nil
}

// LogoutAll revokes every live refresh token for the principal and
// advances the revocation epoch, so access tokens issued before this
// call stop validating once the propagation window passes. Idempotent.
func (e *Engine) LogoutAll(ctx context.Context, principalID string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	n, err := e.store.RevokeAllForPrincipal(ctx, principalID, time.Now())
	if err != nil {
		if errors.Is(err, session.ErrUnavailable) {
			return ErrServiceUnavailable
		}
		return err
	}

	// The local cache would otherwise serve the stale epoch for up to a
	// full propagation window on this instance.
	e.epochs.Invalidate(principalID)

	e.metrics.Inc(MetricLogoutAll)
	e.emitAudit(ctx, AuditEvent{
		EventType:   "logout.all",
		PrincipalID: principalID,
		IP:          clientIPFromContext(ctx),
		Success:     true,
		Metadata:    map[string]string{"revoked_records": formatCount(n)},
	})
	return nil
}

// RevokeFamily terminally revokes an entire token family. Administrative
// operation; idempotent.
func (e *Engine) RevokeFamily(ctx context.Context, familyID string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	n, err := e.store.RevokeFamily(ctx, familyID)
	if err != nil {
		if errors.Is(err, session.ErrUnavailable) {
			return ErrServiceUnavailable
		}
		return err
	}

	e.metrics.Inc(MetricFamilyRevoked)
	e.emitAudit(ctx, AuditEvent{
		EventType: "revoke.family",
		FamilyID:  familyID,
		Success:   true,
		Metadata:  map[string]string{"revoked_records": formatCount(n)},
	})
	return nil
}

func formatCount(n int64) string {
	return strconv.FormatInt(n, 10)
}

// AllowResetRequest gates a credential-reset request for the identifier.
// Returns nil when the request may proceed, a *RateLimitError when the
// reset budget is exhausted, and ErrServiceUnavailable when the limiter
// backend is down (reset gating fails closed).
func (e *Engine) AllowResetRequest(ctx context.Context, identifier string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	res, err := e.rateLimiter.AllowReset(ctx, identifier)
	if err != nil {
		return ErrServiceUnavailable
	}
	if !res.Allowed {
		e.metrics.Inc(MetricResetRateLimited)
		return &RateLimitError{Op: "reset", RetryAfter: res.RetryAfter, ResetAt: res.ResetAt}
	}
	return nil
}

// AllowRequest gates an arbitrary operation under the generic endpoint
// profile; key chooses the counter (client IP, API key, route). Returns
// nil when the request may proceed and a *RateLimitError when the budget
// is exhausted. With Security.FailOpenGeneric a limiter outage admits
// the request; otherwise it surfaces ErrServiceUnavailable.
func (e *Engine) AllowRequest(ctx context.Context, key string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	res, err := e.rateLimiter.AllowGeneric(ctx, key)
	if err != nil {
		return ErrServiceUnavailable
	}
	if !res.Allowed {
		e.metrics.Inc(MetricRequestRateLimited)
		return &RateLimitError{Op: "request", RetryAfter: res.RetryAfter, ResetAt: res.ResetAt}
	}
	return nil
}
