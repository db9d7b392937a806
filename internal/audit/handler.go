package audit

import (
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/filepilot/internal/httpserver"
	"github.com/wisbric/filepilot/internal/reqctx"
)

// Handler provides HTTP handlers for the audit log API.
type Handler struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewHandler creates an audit log Handler.
func NewHandler(pool *pgxpool.Pool, logger *slog.Logger) *Handler {
	return &Handler{pool: pool, logger: logger}
}

// Routes returns a chi.Router with audit log routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

// logRow is the JSON shape of a single audit log entry.
type logRow struct {
	ID         int64       `json:"id"`
	UserKey    string      `json:"user_key"`
	Action     string      `json:"action"`
	Resource   string      `json:"resource"`
	ResourceID *uuid.UUID  `json:"resource_id,omitempty"`
	Detail     []byte      `json:"detail,omitempty"`
	IPAddress  *netip.Addr `json:"ip_address,omitempty"`
	UserAgent  *string     `json:"user_agent,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	userKey, _ := reqctx.UserKey(r.Context())

	var total int
	if err := h.pool.QueryRow(r.Context(),
		`SELECT count(*) FROM audit_log WHERE user_key = $1`, userKey).Scan(&total); err != nil {
		h.logger.Error("counting audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}

	rows, err := h.pool.Query(r.Context(), `SELECT
		id, user_key, action, resource, resource_id, detail, ip_address, user_agent, created_at
		FROM audit_log WHERE user_key = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userKey, params.PageSize, params.Offset,
	)
	if err != nil {
		h.logger.Error("listing audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}
	defer rows.Close()

	items := []logRow{}
	for rows.Next() {
		var e logRow
		if err := rows.Scan(&e.ID, &e.UserKey, &e.Action, &e.Resource, &e.ResourceID,
			&e.Detail, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			h.logger.Error("scanning audit log row", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
			return
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		h.logger.Error("iterating audit log rows", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(items, params, total))
}
