// Package session persists refresh-token rotation chains ("families") and
// is the source of truth for revocation. Every state transition is a
// conditional write: rotate succeeds only while the record is still
// active, so concurrent redemptions of one token resolve to exactly one
// winner without long-held locks.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTokenNotFound is returned when no record matches the presented hash.
	ErrTokenNotFound = errors.New("refresh token record not found")
	// ErrTokenExpired is returned when the matched record's window has passed.
	ErrTokenExpired = errors.New("refresh token record expired")
	// ErrTokenRevoked is returned when the matched record is terminally revoked.
	ErrTokenRevoked = errors.New("refresh token record revoked")
	// ErrReuseDetected is returned when an already-rotated record is
	// presented again. The store has already revoked the whole family by
	// the time this error is observed.
	ErrReuseDetected = errors.New("refresh token reuse detected")
	// ErrCorruptRecord is returned when a stored record cannot be decoded.
	ErrCorruptRecord = errors.New("refresh token record corrupt")
	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("session store unavailable")
)

// ReuseError carries the identity of the replayed record so callers can
// audit the event. It matches ErrReuseDetected under errors.Is.
type ReuseError struct {
	PrincipalID    string
	FamilyID       string
	RecordID       string
	DeviceID       string
	RevokedRecords int64
}

func (e *ReuseError) Error() string {
	return fmt.Sprintf("refresh token reuse detected (family %s, %d records revoked)", e.FamilyID, e.RevokedRecords)
}

func (e *ReuseError) Unwrap() error { return ErrReuseDetected }

// Store is the persistence contract for refresh-token records. All methods
// are safe for concurrent use; Rotate and the Revoke* operations are
// atomic per record family.
type Store interface {
	// Create appends a brand-new family root (login). The record must be
	// StatusActive with no parent.
	Create(ctx context.Context, rec *Record, retention time.Duration) error

	// GetByHash looks up a record by its secret hash.
	GetByHash(ctx context.Context, hash [32]byte) (*Record, error)

	// Rotate validates the record matching providedHash and, in one atomic
	// unit: marks it rotated, appends next as the family's new active
	// record, and returns the fully populated successor. On reuse of an
	// already-rotated record it revokes the entire family and returns a
	// *ReuseError. Expired and revoked records are rejected without state
	// change.
	Rotate(ctx context.Context, providedHash [32]byte, next Successor) (*Record, error)

	// RevokeByHash terminally revokes a single record. Idempotent.
	RevokeByHash(ctx context.Context, hash [32]byte) error

	// RevokeFamily terminally revokes every non-terminal record of a
	// family. Returns the number of records transitioned. Idempotent.
	RevokeFamily(ctx context.Context, familyID string) (int64, error)

	// RevokeDevice revokes every non-terminal record bound to the
	// principal+device pair. Idempotent.
	RevokeDevice(ctx context.Context, principalID, deviceID string) (int64, error)

	// RevokeAllForPrincipal revokes every non-terminal record for the
	// principal and advances the principal's revocation epoch to at, so
	// access tokens issued before at stop validating. Idempotent.
	RevokeAllForPrincipal(ctx context.Context, principalID string, at time.Time) (int64, error)

	// RevocationEpoch returns the principal's revocation epoch as unix
	// seconds, or zero when the principal was never bulk-revoked.
	RevocationEpoch(ctx context.Context, principalID string) (int64, error)

	// PurgeExpired removes bookkeeping for records whose retention window
	// has lapsed. Returns the number of entries removed.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
