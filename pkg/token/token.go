// Package token owns the per-user OAuth credential lifecycle: obtain,
// persist (sealed), refresh single-flight, and revoke. Every component
// that talks to the remote file service goes through WithValid.
package token

import (
	"errors"
	"time"
)

// Credential is the caller-facing view of a stored credential. The refresh
// token never leaves the store.
type Credential struct {
	UserKey             string
	AccessToken         string
	ExpiresAt           time.Time
	GrantedScopes       []string
	RevokedAt           *time.Time
	LastAuthenticatedAt time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Valid reports whether the access token is usable at least skew into the
// future.
func (c *Credential) Valid(now time.Time, skew time.Duration) bool {
	if c.RevokedAt != nil {
		return false
	}
	return c.AccessToken != "" && c.ExpiresAt.After(now.Add(skew))
}

// Sentinel errors of the credential taxonomy.
var (
	ErrCredentialMissing   = errors.New("credential missing")
	ErrCredentialRevoked   = errors.New("credential revoked")
	ErrRefreshTransient    = errors.New("transient refresh failure")
	ErrProviderUnavailable = errors.New("token provider unavailable")
)
