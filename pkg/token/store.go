package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/filepilot/internal/db"
)

// Store persists sealed credentials. One row per userKey; revocation is a
// timestamp, a new grant overwrites the row.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a credential Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

// record is the persisted shape: metadata columns plus the sealed blob.
type record struct {
	UserKey             string
	Sealed              []byte
	ExpiresAt           time.Time
	GrantedScopes       []string
	RevokedAt           *time.Time
	LastAuthenticatedAt time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

const credentialColumns = `user_key, sealed, expires_at, granted_scopes, revoked_at, last_authenticated_at, created_at, updated_at`

// Upsert writes a credential row, replacing any prior grant for the user.
func (s *Store) Upsert(ctx context.Context, r record) error {
	query := `INSERT INTO credentials (user_key, sealed, expires_at, granted_scopes, revoked_at, last_authenticated_at)
	VALUES ($1, $2, $3, $4, NULL, $5)
	ON CONFLICT (user_key) DO UPDATE SET
		sealed = EXCLUDED.sealed,
		expires_at = EXCLUDED.expires_at,
		granted_scopes = EXCLUDED.granted_scopes,
		revoked_at = NULL,
		last_authenticated_at = EXCLUDED.last_authenticated_at,
		updated_at = now()`
	if _, err := s.dbtx.Exec(ctx, query,
		r.UserKey, r.Sealed, r.ExpiresAt, r.GrantedScopes, r.LastAuthenticatedAt); err != nil {
		return fmt.Errorf("upserting credential: %w", err)
	}
	return nil
}

// UpdateSealed replaces the sealed material and expiry after a refresh,
// leaving the authentication timestamp untouched.
func (s *Store) UpdateSealed(ctx context.Context, userKey string, sealed []byte, expiresAt time.Time) error {
	tag, err := s.dbtx.Exec(ctx, `UPDATE credentials
		SET sealed = $2, expires_at = $3, updated_at = now()
		WHERE user_key = $1 AND revoked_at IS NULL`,
		userKey, sealed, expiresAt)
	if err != nil {
		return fmt.Errorf("updating sealed credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCredentialMissing
	}
	return nil
}

// Get returns the stored credential row for a user.
func (s *Store) Get(ctx context.Context, userKey string) (record, error) {
	var r record
	err := s.dbtx.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE user_key = $1`, userKey,
	).Scan(&r.UserKey, &r.Sealed, &r.ExpiresAt, &r.GrantedScopes, &r.RevokedAt,
		&r.LastAuthenticatedAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return record{}, ErrCredentialMissing
	}
	if err != nil {
		return record{}, fmt.Errorf("getting credential: %w", err)
	}
	return r, nil
}

// MarkRevoked stamps the credential revoked and clears its sealed material.
func (s *Store) MarkRevoked(ctx context.Context, userKey string) error {
	tag, err := s.dbtx.Exec(ctx, `UPDATE credentials
		SET revoked_at = now(), sealed = ''::bytea, updated_at = now()
		WHERE user_key = $1 AND revoked_at IS NULL`, userKey)
	if err != nil {
		return fmt.Errorf("revoking credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCredentialMissing
	}
	return nil
}
