package organize

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/filepilot/internal/httpserver"
	"github.com/wisbric/filepilot/internal/reqctx"
	"github.com/wisbric/filepilot/pkg/scan"
)

// Handler provides the organization-analysis HTTP surface.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates an organize Handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns a chi.Router with organization routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/analyze", h.handleAnalyze)
	return r
}

// AnalyzeRequest is the body of POST /organization/analyze.
type AnalyzeRequest struct {
	SnapshotID string `json:"snapshot_id" validate:"required,uuid"`
}

func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	userKey, _ := reqctx.UserKey(r.Context())

	var req AnalyzeRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.service.Analyze(r.Context(), userKey, req.SnapshotID)
	if err != nil {
		switch {
		case errors.Is(err, scan.ErrSnapshotNotFound):
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "snapshot not found")
		case errors.Is(err, ErrSnapshotNotReady):
			httpserver.RespondError(w, http.StatusConflict, "snapshot_not_ready", "snapshot is not finalized")
		default:
			h.logger.Error("analyzing organization", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "organization analysis failed")
		}
		return
	}

	httpserver.Respond(w, http.StatusOK, result)
}
