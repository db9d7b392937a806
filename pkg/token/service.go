package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/wisbric/filepilot/internal/db"
	"github.com/wisbric/filepilot/internal/telemetry"
)

// material is the sealed portion of a credential. It never appears in a
// query result or a log line.
type material struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`
}

// credentialStore is the persistence surface Service needs; *Store is the
// production implementation.
type credentialStore interface {
	Upsert(ctx context.Context, r record) error
	UpdateSealed(ctx context.Context, userKey string, sealed []byte, expiresAt time.Time) error
	Get(ctx context.Context, userKey string) (record, error)
	MarkRevoked(ctx context.Context, userKey string) error
}

// Service implements the credential lifecycle over the sealed store.
type Service struct {
	store  credentialStore
	sealer *Sealer
	oauth  *oauth2.Config
	skew   time.Duration
	logger *slog.Logger

	sf  singleflight.Group
	now func() time.Time
}

// NewService creates the token Service. skew is the minimum remaining token
// lifetime WithValid guarantees to its callback.
func NewService(dbtx db.DBTX, sealer *Sealer, oauthCfg *oauth2.Config, skew time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:  NewStore(dbtx),
		sealer: sealer,
		oauth:  oauthCfg,
		skew:   skew,
		logger: logger,
		now:    time.Now,
	}
}

// Put stores a freshly granted token pair for the user, stamping the
// authentication time. Called from the OAuth callback.
func (s *Service) Put(ctx context.Context, userKey string, tok *oauth2.Token, scopes []string) error {
	sealed, err := s.seal(userKey, tok)
	if err != nil {
		return err
	}
	return s.store.Upsert(ctx, record{
		UserKey:             userKey,
		Sealed:              sealed,
		ExpiresAt:           tok.Expiry,
		GrantedScopes:       scopes,
		LastAuthenticatedAt: s.now(),
	})
}

// Get returns the credential metadata and current access token. The refresh
// token is never exposed.
func (s *Service) Get(ctx context.Context, userKey string) (*Credential, error) {
	rec, err := s.store.Get(ctx, userKey)
	if err != nil {
		return nil, err
	}
	cred := credentialFromRecord(rec)
	if rec.RevokedAt == nil {
		m, err := s.unseal(userKey, rec.Sealed)
		if err != nil {
			return nil, err
		}
		cred.AccessToken = m.AccessToken
	}
	return cred, nil
}

// Revoke invalidates the user's credential. Subsequent WithValid calls fail
// with ErrCredentialRevoked until a new grant arrives.
func (s *Service) Revoke(ctx context.Context, userKey string) error {
	return s.store.MarkRevoked(ctx, userKey)
}

// Refresh forces a token refresh for the user, sharing the attempt with any
// concurrent refresh for the same user.
func (s *Service) Refresh(ctx context.Context, userKey string) (*Credential, error) {
	access, expiry, err := s.refreshShared(ctx, userKey)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.Get(ctx, userKey)
	if err != nil {
		return nil, err
	}
	cred := credentialFromRecord(rec)
	cred.AccessToken = access
	cred.ExpiresAt = expiry
	return cred, nil
}

// FreshWithin reports whether the user's most recent authentication happened
// within the given window. Used by the action engine's restore gate.
func (s *Service) FreshWithin(ctx context.Context, userKey string, window time.Duration) (bool, error) {
	rec, err := s.store.Get(ctx, userKey)
	if err != nil {
		return false, err
	}
	if rec.RevokedAt != nil {
		return false, ErrCredentialRevoked
	}
	return s.now().Sub(rec.LastAuthenticatedAt) <= window, nil
}

// WithValid runs fn with an access token valid at least skew into the
// future, refreshing once if needed. Concurrent callers hitting an expired
// token share one refresh attempt.
func (s *Service) WithValid(ctx context.Context, userKey string, fn func(ctx context.Context, accessToken string) error) error {
	rec, err := s.store.Get(ctx, userKey)
	if err != nil {
		return err
	}
	if rec.RevokedAt != nil {
		return ErrCredentialRevoked
	}

	m, err := s.unseal(userKey, rec.Sealed)
	if err != nil {
		return err
	}

	access := m.AccessToken
	if !rec.ExpiresAt.After(s.now().Add(s.skew)) {
		access, _, err = s.refreshShared(ctx, userKey)
		if err != nil {
			return err
		}
	}

	return fn(ctx, access)
}

// refreshShared collapses concurrent refreshes for one user into a single
// provider exchange.
func (s *Service) refreshShared(ctx context.Context, userKey string) (string, time.Time, error) {
	type result struct {
		access string
		expiry time.Time
	}

	v, err, _ := s.sf.Do(userKey, func() (any, error) {
		// The winning call must not die with the first caller's context.
		rctx := context.WithoutCancel(ctx)

		// Re-read inside the flight: a just-finished refresh may already
		// have produced a valid token.
		rec, err := s.store.Get(rctx, userKey)
		if err != nil {
			return nil, err
		}
		if rec.RevokedAt != nil {
			return nil, ErrCredentialRevoked
		}
		m, err := s.unseal(userKey, rec.Sealed)
		if err != nil {
			return nil, err
		}
		if rec.ExpiresAt.After(s.now().Add(s.skew)) {
			return result{access: m.AccessToken, expiry: rec.ExpiresAt}, nil
		}

		tok, err := s.exchange(rctx, m.RefreshToken)
		if err != nil {
			outcome := "transient"
			switch {
			case errors.Is(err, ErrCredentialRevoked):
				outcome = "revoked"
				if markErr := s.store.MarkRevoked(rctx, userKey); markErr != nil {
					s.logger.Error("marking credential revoked", "error", markErr, "user_key", userKey)
				}
			case errors.Is(err, ErrProviderUnavailable):
				outcome = "provider_unavailable"
			}
			telemetry.TokenRefreshTotal.WithLabelValues(outcome).Inc()
			return nil, err
		}

		// Providers may rotate the refresh token; keep the old one when
		// the response omits it.
		if tok.RefreshToken == "" {
			tok.RefreshToken = m.RefreshToken
		}
		sealed, err := s.seal(userKey, tok)
		if err != nil {
			return nil, err
		}
		if err := s.store.UpdateSealed(rctx, userKey, sealed, tok.Expiry); err != nil {
			return nil, err
		}

		telemetry.TokenRefreshTotal.WithLabelValues("success").Inc()
		return result{access: tok.AccessToken, expiry: tok.Expiry}, nil
	})
	if err != nil {
		return "", time.Time{}, err
	}
	r := v.(result)
	return r.access, r.expiry, nil
}

// exchange performs the refresh-token grant against the provider and maps
// failures onto the credential error taxonomy.
func (s *Service) exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, ErrCredentialRevoked
	}

	src := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err == nil {
		return tok, nil
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		switch {
		case rerr.ErrorCode == "invalid_grant":
			return nil, fmt.Errorf("%w: %s", ErrCredentialRevoked, rerr.ErrorCode)
		case rerr.Response != nil && rerr.Response.StatusCode >= 500:
			return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, rerr.Response.StatusCode)
		case rerr.Response != nil && rerr.Response.StatusCode == 429:
			return nil, fmt.Errorf("%w: rate limited", ErrRefreshTransient)
		default:
			// Other 4xx grant errors mean this refresh token is done for.
			return nil, fmt.Errorf("%w: %s", ErrCredentialRevoked, rerr.ErrorCode)
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrRefreshTransient, err)
}

func (s *Service) seal(userKey string, tok *oauth2.Token) ([]byte, error) {
	payload, err := json.Marshal(material{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding token material: %w", err)
	}
	sealed, err := s.sealer.Seal(userKey, payload)
	if err != nil {
		return nil, fmt.Errorf("sealing token material: %w", err)
	}
	return sealed, nil
}

func (s *Service) unseal(userKey string, sealed []byte) (material, error) {
	plaintext, err := s.sealer.Open(userKey, sealed)
	if err != nil {
		return material{}, fmt.Errorf("unsealing token material: %w", err)
	}
	var m material
	if err := json.Unmarshal(plaintext, &m); err != nil {
		return material{}, fmt.Errorf("decoding token material: %w", err)
	}
	return m, nil
}

func credentialFromRecord(rec record) *Credential {
	return &Credential{
		UserKey:             rec.UserKey,
		ExpiresAt:           rec.ExpiresAt,
		GrantedScopes:       rec.GrantedScopes,
		RevokedAt:           rec.RevokedAt,
		LastAuthenticatedAt: rec.LastAuthenticatedAt,
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
	}
}
