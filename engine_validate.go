package authcore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mansur-7080/newegg-sub000/session"
)

// ValidateAccess verifies the access token's signature and time claims,
// then checks it against the principal's revocation epoch: tokens issued
// before a LogoutAll stop validating. Epoch reads are served from an
// in-process cache bounded by Revocation.PropagationWindow, so a revoked
// principal's tokens may survive up to that window on other instances.
func (e *Engine) ValidateAccess(ctx context.Context, accessToken string) (*ValidatedAccess, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	start := time.Now()
	defer func() {
		e.metrics.Observe(MetricValidateLatency, time.Since(start))
	}()

	claims, err := e.jwtManager.ParseAccess(accessToken)
	if err != nil {
		e.metrics.Inc(MetricValidateFailure)
		return nil, ErrTokenInvalid
	}

	var issuedAt int64
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Unix()
	}

	epoch, err := e.epochs.Get(ctx, e.store, claims.UID)
	if err != nil {
		return nil, ErrServiceUnavailable
	}
	if epoch > 0 && issuedAt < epoch {
		e.metrics.Inc(MetricValidateRevoked)
		return nil, ErrTokenRevoked
	}

	var expiresAt int64
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Unix()
	}

	e.metrics.Inc(MetricValidateSuccess)
	return &ValidatedAccess{
		PrincipalID: claims.UID,
		Role:        claims.Role,
		DeviceID:    claims.DID,
		IssuedAt:    issuedAt,
		ExpiresAt:   expiresAt,
	}, nil
}

type epochEntry struct {
	epoch   int64
	fetched time.Time
}

// epochCacheSweepAt is the entry count past which a refresh also sweeps
// entries too stale to ever be served again.
const epochCacheSweepAt = 4096

// epochCache bounds revocation-epoch staleness without a Redis read per
// validation. Entries older than ttl are refetched; on a double backend
// failure a still-in-bound entry is served rather than failing the
// validation.
type epochCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]epochEntry
}

func newEpochCache(ttl time.Duration) *epochCache {
	return &epochCache{
		ttl:     ttl,
		entries: make(map[string]epochEntry),
	}
}

func (c *epochCache) Get(ctx context.Context, store session.Store, principalID string) (int64, error) {
	now := time.Now()

	c.mu.Lock()
	entry, ok := c.entries[principalID]
	c.mu.Unlock()
	if ok && now.Sub(entry.fetched) < c.ttl {
		return entry.epoch, nil
	}

	epoch, err := store.RevocationEpoch(ctx, principalID)
	if err != nil && errors.Is(err, session.ErrUnavailable) {
		epoch, err = store.RevocationEpoch(ctx, principalID)
	}
	if err != nil {
		// Grace period: a just-expired entry may be served for one more
		// ttl while the backend is down, keeping total staleness within
		// two propagation windows.
		if ok && now.Sub(entry.fetched) < 2*c.ttl {
			return entry.epoch, nil
		}
		return 0, err
	}

	c.mu.Lock()
	c.entries[principalID] = epochEntry{epoch: epoch, fetched: now}
	if len(c.entries) > epochCacheSweepAt {
		c.sweepLocked(now)
	}
	c.mu.Unlock()

	return epoch, nil
}

// sweepLocked drops entries aged past the grace window. Called with mu
// held, so the map never grows much beyond epochCacheSweepAt plus the
// live working set.
func (c *epochCache) sweepLocked(now time.Time) {
	for id, entry := range c.entries {
		if now.Sub(entry.fetched) >= 2*c.ttl {
			delete(c.entries, id)
		}
	}
}

// Invalidate drops the cached epoch so the next validation on this
// instance observes a fresh value immediately.
func (c *epochCache) Invalidate(principalID string) {
	c.mu.Lock()
	delete(c.entries, principalID)
	c.mu.Unlock()
}
