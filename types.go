package authcore

import (
	"context"
	"errors"
)

// PrincipalStatus is the account state as reported by the
// [PrincipalProvider].
type PrincipalStatus string

const (
	// PrincipalActive principals may authenticate.
	PrincipalActive PrincipalStatus = "active"
	// PrincipalDisabled principals verify but may not authenticate.
	PrincipalDisabled PrincipalStatus = "disabled"
)

// PrincipalRecord is the read-only view of an account the engine needs.
// PasswordHash is a PHC-encoded Argon2id string.
type PrincipalRecord struct {
	ID           string
	Identifier   string
	PasswordHash string
	Role         string
	Status       PrincipalStatus
}

// PrincipalProvider is the caller-owned identity store. The engine only
// reads through it. Implementations return ErrPrincipalNotFound for
// unknown lookups; any other error is treated as a backend failure.
type PrincipalProvider interface {
	GetPrincipalByIdentifier(ctx context.Context, identifier string) (*PrincipalRecord, error)
	GetPrincipalByID(ctx context.Context, id string) (*PrincipalRecord, error)
}

// ErrPrincipalNotFound is the sentinel a [PrincipalProvider] returns for
// unknown principals.
var ErrPrincipalNotFound = errors.New("principal not found")

// PasswordUpgrader is optionally implemented by a [PrincipalProvider]
// that can persist transparently rehashed credentials.
type PasswordUpgrader interface {
	UpdatePasswordHash(ctx context.Context, principalID, newHash string) error
}

// TokenPair is the result of a successful login or refresh. RefreshToken
// is the only time the opaque secret is visible; the engine stores a
// keyed hash.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// AuthResult carries the issued tokens plus the principal and token
// family they belong to.
type AuthResult struct {
	Tokens      TokenPair
	PrincipalID string
	Role        string
	FamilyID    string
	RecordID    string
}

// ValidatedAccess is the outcome of a successful access-token check.
type ValidatedAccess struct {
	PrincipalID string
	Role        string
	DeviceID    string
	IssuedAt    int64
	ExpiresAt   int64
}
