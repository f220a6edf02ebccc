package session

import "time"

// Status is the lifecycle state of one link in a refresh-token chain.
type Status string

const (
	// StatusActive marks the single redeemable record of a family.
	StatusActive Status = "active"
	// StatusRotated marks a record that has been superseded by a child.
	// Presenting a rotated record's token again is reuse.
	StatusRotated Status = "rotated"
	// StatusRevoked is terminal, reachable from any other state.
	StatusRevoked Status = "revoked"
)

// Record is one link in a refresh-token rotation chain. The raw token is
// never stored; SecretHash is its keyed one-way hash. Records are
// terminated by status transitions, never by early deletion, so reuse of a
// superseded token stays detectable until the retention window lapses.
type Record struct {
	ID          string
	FamilyID    string
	PrincipalID string
	SecretHash  [32]byte
	Status      Status
	DeviceID    string
	IssuedAt    int64
	ExpiresAt   int64
	ParentID    string
}

// Expired reports whether the record's validity window has passed.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt <= now.Unix()
}

// Terminal reports whether the record can no longer change state.
func (r *Record) Terminal() bool {
	return r.Status == StatusRevoked
}

// Successor describes the record to append to a family during rotation.
// Family, principal and device binding are inherited from the parent
// inside the store's atomic rotate, so only the new identity and validity
// window are supplied.
type Successor struct {
	ID         string
	SecretHash [32]byte
	IssuedAt   int64
	ExpiresAt  int64
	Retention  time.Duration
}
