package authcore

import (
	"context"
	"errors"
	"fmt"
)

// verifyCredentials resolves the identifier and checks the presented
// secret. Unknown identifiers are verified against the decoy hash so the
// caller-observable work factor matches a real mismatch; a disabled
// account surfaces only after the real hash verified, so probing a
// disabled account with a wrong secret looks like any other failure.
func (e *Engine) verifyCredentials(ctx context.Context, identifier, secret string) (*PrincipalRecord, error) {
	principal, err := e.provider.GetPrincipalByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			_, _ = e.passwordHash.Verify(secret, e.decoyHash)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	ok, err := e.passwordHash.Verify(secret, principal.PasswordHash)
	if err != nil || !ok {
		return nil, ErrInvalidCredentials
	}

	if principal.Status != PrincipalActive {
		return nil, ErrAccountDisabled
	}

	return principal, nil
}

// maybeUpgradeHash rehashes the verified secret when the stored hash was
// produced with weaker parameters and the provider can persist the
// upgrade. Best effort: failures are logged, never surfaced.
func (e *Engine) maybeUpgradeHash(ctx context.Context, principal *PrincipalRecord, secret string) {
	upgrader, ok := e.provider.(PasswordUpgrader)
	if !ok {
		return
	}

	needs, err := e.passwordHash.NeedsUpgrade(principal.PasswordHash)
	if err != nil || !needs {
		return
	}

	newHash, err := e.passwordHash.Hash(secret)
	if err != nil {
		return
	}
	if err := upgrader.UpdatePasswordHash(ctx, principal.ID, newHash); err != nil {
		e.logger.Warn().Err(err).Str("principal", principal.ID).Msg("password hash upgrade failed")
	}
}
