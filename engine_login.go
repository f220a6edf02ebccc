package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mansur-7080/newegg-sub000/internal"
	"github.com/mansur-7080/newegg-sub000/internal/rate"
	"github.com/mansur-7080/newegg-sub000/session"
)

// Login verifies the identifier/secret pair and, on success, starts a
// new refresh-token family and issues a token pair. The login throttle
// counts failed attempts per identifier and per origin IP (see
// [WithClientIP]); it fails closed when the limiter backend is down.
func (e *Engine) Login(ctx context.Context, identifier, secret string) (*AuthResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	ip := clientIPFromContext(ctx)
	deviceID := deviceIDFromContext(ctx)

	if err := e.rateLimiter.CheckLogin(ctx, identifier, ip); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			e.metrics.Inc(MetricLoginRateLimited)
			e.emitAudit(ctx, AuditEvent{
				EventType: "login.rate_limited",
				IP:        ip,
				Success:   false,
			})
			retryAfter, _ := e.rateLimiter.LoginRetryAfter(ctx, identifier)
			return nil, &RateLimitError{Op: "login", RetryAfter: retryAfter, ResetAt: time.Now().Add(retryAfter)}
		}
		return nil, ErrServiceUnavailable
	}

	principal, err := e.verifyCredentials(ctx, identifier, secret)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrAccountDisabled) {
			e.metrics.Inc(MetricLoginFailure)
			if incErr := e.rateLimiter.IncrementLogin(ctx, identifier, ip); incErr != nil {
				e.logger.Warn().Err(incErr).Msg("login attempt counter increment failed")
			}
			e.emitAudit(ctx, AuditEvent{
				EventType: "login.failure",
				IP:        ip,
				Success:   false,
				Error:     err.Error(),
			})
		}
		return nil, err
	}

	e.maybeUpgradeHash(ctx, principal, secret)

	result, err := e.startFamily(ctx, principal, deviceID)
	if err != nil {
		return nil, err
	}

	if err := e.rateLimiter.ResetLogin(ctx, identifier, ip); err != nil {
		e.logger.Warn().Err(err).Msg("login attempt counter reset failed")
	}

	e.metrics.Inc(MetricLoginSuccess)
	e.emitAudit(ctx, AuditEvent{
		EventType:   "login.success",
		PrincipalID: principal.ID,
		FamilyID:    result.FamilyID,
		RecordID:    result.RecordID,
		DeviceID:    deviceID,
		IP:          ip,
		Success:     true,
	})

	return result, nil
}

// startFamily mints a fresh refresh secret, persists the family root,
// and signs the matching access token.
func (e *Engine) startFamily(ctx context.Context, principal *PrincipalRecord, deviceID string) (*AuthResult, error) {
	secret, err := internal.NewRefreshSecret()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rec := &session.Record{
		ID:          uuid.NewString(),
		FamilyID:    uuid.NewString(),
		PrincipalID: principal.ID,
		SecretHash:  internal.HashRefreshSecret(e.config.Refresh.HMACKey, secret),
		Status:      session.StatusActive,
		DeviceID:    deviceID,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(e.config.Refresh.TTL).Unix(),
	}

	if err := e.store.Create(ctx, rec, e.config.Refresh.Retention); err != nil {
		if errors.Is(err, session.ErrUnavailable) {
			return nil, ErrServiceUnavailable
		}
		return nil, err
	}

	access, err := e.jwtManager.CreateAccess(principal.ID, principal.Role, deviceID)
	if err != nil {
		return nil, err
	}

	return &AuthResult{
		Tokens: TokenPair{
			AccessToken:  access,
			RefreshToken: internal.EncodeRefreshToken(secret),
		},
		PrincipalID: principal.ID,
		Role:        principal.Role,
		FamilyID:    rec.FamilyID,
		RecordID:    rec.ID,
	}, nil
}
