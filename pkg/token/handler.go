package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/wisbric/filepilot/internal/httpserver"
	"github.com/wisbric/filepilot/internal/reqctx"
)

// Handler drives the OAuth2 authorization-code flow against the remote file
// service's provider and manages credential lifecycle endpoints.
type Handler struct {
	service      *Service
	oauth        *oauth2.Config
	redis        *redis.Client
	logger       *slog.Logger
	doneRedirect string
}

// NewHandler creates the credential flow Handler. doneRedirect is where the
// browser lands after a completed callback.
func NewHandler(service *Service, oauthCfg *oauth2.Config, rdb *redis.Client, doneRedirect string, logger *slog.Logger) *Handler {
	return &Handler{
		service:      service,
		oauth:        oauthCfg,
		redis:        rdb,
		logger:       logger,
		doneRedirect: doneRedirect,
	}
}

// Routes returns the authenticated credential routes (connect/revoke/status).
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/connect", h.handleConnect)
	r.Get("/status", h.handleStatus)
	r.Post("/revoke", h.handleRevoke)
	return r
}

// handleConnect starts the authorization-code flow for the calling user.
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	userKey, _ := reqctx.UserKey(r.Context())

	state, err := randomState()
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to generate state")
		return
	}

	// Bind state to the caller so the callback can attribute the grant.
	if err := h.redis.Set(r.Context(), "oauth_state:"+state, userKey, 10*time.Minute).Err(); err != nil {
		h.logger.Error("storing oauth state", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to store state")
		return
	}

	url := h.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	http.Redirect(w, r, url, http.StatusFound)
}

// HandleCallback completes the authorization-code flow. Mounted on the
// public router: the provider redirects here without our auth headers.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state := r.URL.Query().Get("state")
	if state == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "missing state parameter")
		return
	}

	userKey, err := h.redis.GetDel(ctx, "oauth_state:"+state).Result()
	if err != nil || userKey == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid or expired state")
		return
	}

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.logger.Warn("provider returned error on callback", "error", errParam)
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthenticated", "authorization failed: "+errParam)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "missing code parameter")
		return
	}

	tok, err := h.oauth.Exchange(ctx, code)
	if err != nil {
		h.logger.Error("code exchange failed", "error", err)
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthenticated", "code exchange failed")
		return
	}

	if err := h.service.Put(ctx, userKey, tok, h.oauth.Scopes); err != nil {
		h.logger.Error("storing credential", "error", err, "user_key", userKey)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to store credential")
		return
	}

	h.logger.Info("credential stored", "user_key", userKey, "expires_at", tok.Expiry)
	http.Redirect(w, r, h.doneRedirect, http.StatusFound)
}

// handleStatus reports whether the caller has a usable credential.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	userKey, _ := reqctx.UserKey(r.Context())

	cred, err := h.service.Get(r.Context(), userKey)
	if err != nil {
		if err == ErrCredentialMissing {
			httpserver.Respond(w, http.StatusOK, map[string]any{"connected": false})
			return
		}
		h.logger.Error("getting credential", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to read credential")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"connected":  cred.RevokedAt == nil,
		"expires_at": cred.ExpiresAt,
		"scopes":     cred.GrantedScopes,
	})
}

// handleRevoke invalidates the caller's credential.
func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	userKey, _ := reqctx.UserKey(r.Context())

	if err := h.service.Revoke(r.Context(), userKey); err != nil {
		if err == ErrCredentialMissing {
			httpserver.RespondError(w, http.StatusForbidden, "credential_missing", "no credential to revoke")
			return
		}
		h.logger.Error("revoking credential", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to revoke credential")
		return
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
