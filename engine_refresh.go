package authcore

import (
	"context"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mansur-7080/newegg-sub000/internal"
	"github.com/mansur-7080/newegg-sub000/session"
)

// Refresh redeems a refresh token: the presented record rotates out,
// a successor becomes the family's new active record, and a fresh token
// pair is returned. Replay of an already-rotated token revokes the whole
// family and returns [ErrRefreshReuse] (which matches
// [ErrRefreshInvalid], so generic handlers cannot leak the distinction).
// Of two concurrent redemptions of one token, exactly one succeeds.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*AuthResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	secret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		e.metrics.Inc(MetricRefreshFailure)
		return nil, ErrRefreshInvalid
	}
	providedHash := internal.HashRefreshSecret(e.config.Refresh.HMACKey, secret)

	res, err := e.rateLimiter.AllowRefresh(ctx, hex.EncodeToString(providedHash[:]))
	if err != nil {
		return nil, ErrServiceUnavailable
	}
	if !res.Allowed {
		e.metrics.Inc(MetricRefreshRateLimited)
		return nil, &RateLimitError{Op: "refresh", RetryAfter: res.RetryAfter, ResetAt: res.ResetAt}
	}

	nextSecret, err := internal.NewRefreshSecret()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	child, err := e.store.Rotate(ctx, providedHash, session.Successor{
		ID:         uuid.NewString(),
		SecretHash: internal.HashRefreshSecret(e.config.Refresh.HMACKey, nextSecret),
		IssuedAt:   now.Unix(),
		ExpiresAt:  now.Add(e.config.Refresh.TTL).Unix(),
		Retention:  e.config.Refresh.Retention,
	})
	if err != nil {
		return nil, e.mapRotateError(ctx, err)
	}

	principal, err := e.provider.GetPrincipalByID(ctx, child.PrincipalID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			e.revokeFamilyQuiet(ctx, child.FamilyID)
			e.metrics.Inc(MetricRefreshFailure)
			return nil, ErrRefreshInvalid
		}
		return nil, ErrServiceUnavailable
	}
	if principal.Status != PrincipalActive {
		// The principal was disabled while the chain stayed alive; the
		// chain dies with it.
		e.revokeFamilyQuiet(ctx, child.FamilyID)
		e.metrics.Inc(MetricRefreshFailure)
		e.emitAudit(ctx, AuditEvent{
			EventType:   "refresh.disabled_principal",
			PrincipalID: principal.ID,
			FamilyID:    child.FamilyID,
			Success:     false,
		})
		return nil, ErrAccountDisabled
	}

	access, err := e.jwtManager.CreateAccess(principal.ID, principal.Role, child.DeviceID)
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(MetricRefreshSuccess)
	e.emitAudit(ctx, AuditEvent{
		EventType:   "refresh.success",
		PrincipalID: principal.ID,
		FamilyID:    child.FamilyID,
		RecordID:    child.ID,
		DeviceID:    child.DeviceID,
		IP:          clientIPFromContext(ctx),
		Success:     true,
	})

	return &AuthResult{
		Tokens: TokenPair{
			AccessToken:  access,
			RefreshToken: internal.EncodeRefreshToken(nextSecret),
		},
		PrincipalID: principal.ID,
		Role:        principal.Role,
		FamilyID:    child.FamilyID,
		RecordID:    child.ID,
	}, nil
}

func (e *Engine) mapRotateError(ctx context.Context, err error) error {
	var reuse *session.ReuseError
	if errors.As(err, &reuse) {
		e.metrics.Inc(MetricRefreshReuseDetected)
		e.metrics.Inc(MetricFamilyRevoked)
		e.emitAudit(ctx, AuditEvent{
			EventType:   "refresh.reuse_detected",
			PrincipalID: reuse.PrincipalID,
			FamilyID:    reuse.FamilyID,
			RecordID:    reuse.RecordID,
			DeviceID:    reuse.DeviceID,
			IP:          clientIPFromContext(ctx),
			Success:     false,
			Metadata: map[string]string{
				"revoked_records": strconv.FormatInt(reuse.RevokedRecords, 10),
			},
		})
		return ErrRefreshReuse
	}

	if errors.Is(err, session.ErrUnavailable) {
		return ErrServiceUnavailable
	}

	e.metrics.Inc(MetricRefreshFailure)
	switch {
	case errors.Is(err, session.ErrTokenNotFound),
		errors.Is(err, session.ErrTokenExpired),
		errors.Is(err, session.ErrTokenRevoked),
		errors.Is(err, session.ErrCorruptRecord):
		return ErrRefreshInvalid
	}
	return err
}

func (e *Engine) revokeFamilyQuiet(ctx context.Context, familyID string) {
	if _, err := e.store.RevokeFamily(ctx, familyID); err != nil {
		e.logger.Warn().Err(err).Str("family", familyID).Msg("family revocation failed")
	}
}

