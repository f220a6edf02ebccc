package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DBTX is the subset of database/sql used by the Postgres store. Both
// *sql.DB and *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore is a Postgres-backed [Store]. Rotation serializes on a
// row lock (SELECT ... FOR UPDATE) so concurrent redemptions of one
// token resolve to a single winner. Retention is tracked per row in
// retain_until; PurgeExpired deletes rows past it.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a [PostgresStore] on an open connection. The
// schema must already be in place; see [RunMigrations].
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		// A *ReuseError is a detection result, not a failure: the family
		// revocation it reports must commit with it.
		var reuse *ReuseError
		if err != nil && !errors.As(err, &reuse) {
			_ = tx.Rollback()
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("%w: %v", ErrUnavailable, commitErr)
		}
	}()

	err = fn(ctx, tx)
	return err
}

// Create inserts a new family root.
func (s *PostgresStore) Create(ctx context.Context, rec *Record, retention time.Duration) error {
	query := `INSERT INTO refresh_tokens
		(id, family_id, principal_id, secret_hash, status, device_id, issued_at, expires_at, retain_until, parent_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	retainUntil := rec.ExpiresAt + int64(retention/time.Second)
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.FamilyID, rec.PrincipalID, rec.SecretHash[:], string(rec.Status),
		rec.DeviceID, rec.IssuedAt, rec.ExpiresAt, retainUntil, rec.ParentID,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

const selectRecordColumns = `id, family_id, principal_id, status, device_id, issued_at, expires_at, parent_id`

func scanRecord(row *sql.Row) (*Record, error) {
	rec := &Record{}
	var status string
	err := row.Scan(&rec.ID, &rec.FamilyID, &rec.PrincipalID, &status,
		&rec.DeviceID, &rec.IssuedAt, &rec.ExpiresAt, &rec.ParentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	rec.Status = Status(status)
	return rec, nil
}

// GetByHash retrieves the record matching the secret hash.
func (s *PostgresStore) GetByHash(ctx context.Context, hash [32]byte) (*Record, error) {
	query := `SELECT ` + selectRecordColumns + ` FROM refresh_tokens WHERE secret_hash = $1`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, hash[:]))
	if err != nil {
		return nil, err
	}
	rec.SecretHash = hash
	return rec, nil
}

// Rotate redeems the record matching providedHash inside one transaction.
// See [Store.Rotate] for the full contract.
func (s *PostgresStore) Rotate(ctx context.Context, providedHash [32]byte, next Successor) (*Record, error) {
	var child *Record

	err := s.withTx(ctx, func(ctx context.Context, tx DBTX) error {
		query := `SELECT ` + selectRecordColumns + ` FROM refresh_tokens WHERE secret_hash = $1 FOR UPDATE`
		parent, err := scanRecord(tx.QueryRowContext(ctx, query, providedHash[:]))
		if err != nil {
			return err
		}

		switch parent.Status {
		case StatusRevoked:
			return ErrTokenRevoked
		case StatusRotated:
			res, err := tx.ExecContext(ctx,
				`UPDATE refresh_tokens SET status = 'revoked' WHERE family_id = $1 AND status <> 'revoked'`,
				parent.FamilyID)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			revoked, _ := res.RowsAffected()
			return &ReuseError{
				PrincipalID:    parent.PrincipalID,
				FamilyID:       parent.FamilyID,
				RecordID:       parent.ID,
				DeviceID:       parent.DeviceID,
				RevokedRecords: revoked,
			}
		}

		if parent.Expired(time.Now()) {
			return ErrTokenExpired
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE refresh_tokens SET status = 'rotated' WHERE id = $1`, parent.ID); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		retainUntil := next.ExpiresAt + int64(next.Retention/time.Second)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO refresh_tokens
			(id, family_id, principal_id, secret_hash, status, device_id, issued_at, expires_at, retain_until, parent_id)
			VALUES ($1, $2, $3, $4, 'active', $5, $6, $7, $8, $9)`,
			next.ID, parent.FamilyID, parent.PrincipalID, next.SecretHash[:],
			parent.DeviceID, next.IssuedAt, next.ExpiresAt, retainUntil, parent.ID,
		); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		child = &Record{
			ID:          next.ID,
			FamilyID:    parent.FamilyID,
			PrincipalID: parent.PrincipalID,
			SecretHash:  next.SecretHash,
			Status:      StatusActive,
			DeviceID:    parent.DeviceID,
			IssuedAt:    next.IssuedAt,
			ExpiresAt:   next.ExpiresAt,
			ParentID:    parent.ID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}

// RevokeByHash terminally revokes a single record. Idempotent.
func (s *PostgresStore) RevokeByHash(ctx context.Context, hash [32]byte) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET status = 'revoked' WHERE secret_hash = $1 AND status <> 'revoked'`,
		hash[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// RevokeFamily revokes every live record of a family.
func (s *PostgresStore) RevokeFamily(ctx context.Context, familyID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET status = 'revoked' WHERE family_id = $1 AND status <> 'revoked'`,
		familyID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RevokeDevice revokes every live record bound to the principal+device pair.
func (s *PostgresStore) RevokeDevice(ctx context.Context, principalID, deviceID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET status = 'revoked'
		 WHERE principal_id = $1 AND device_id = $2 AND status <> 'revoked'`,
		principalID, deviceID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RevokeAllForPrincipal revokes every live record for the principal and
// advances the revocation epoch in the same transaction.
func (s *PostgresStore) RevokeAllForPrincipal(ctx context.Context, principalID string, at time.Time) (int64, error) {
	var revoked int64
	err := s.withTx(ctx, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE refresh_tokens SET status = 'revoked' WHERE principal_id = $1 AND status <> 'revoked'`,
			principalID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		revoked, _ = res.RowsAffected()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO principal_revocations (principal_id, revoked_at) VALUES ($1, $2)
			 ON CONFLICT (principal_id) DO UPDATE SET revoked_at = EXCLUDED.revoked_at`,
			principalID, at.Unix()); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return revoked, nil
}

// RevocationEpoch returns the principal's revocation epoch, or zero when
// unset.
func (s *PostgresStore) RevocationEpoch(ctx context.Context, principalID string) (int64, error) {
	var epoch int64
	err := s.db.QueryRowContext(ctx,
		`SELECT revoked_at FROM principal_revocations WHERE principal_id = $1`,
		principalID).Scan(&epoch)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return epoch, nil
}

// PurgeExpired deletes rows whose retention window has lapsed.
func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE retain_until <= $1`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
