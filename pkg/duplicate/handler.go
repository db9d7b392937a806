package duplicate

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/filepilot/internal/httpserver"
	"github.com/wisbric/filepilot/internal/reqctx"
	"github.com/wisbric/filepilot/pkg/scan"
)

// Handler provides the duplicate-detection HTTP surface.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a duplicate Handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns a chi.Router with duplicate routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/detect", h.handleDetect)
	return r
}

// DetectRequest is the body of POST /duplicates/detect.
type DetectRequest struct {
	SnapshotID string `json:"snapshot_id" validate:"required,uuid"`
	Algorithm  string `json:"algorithm" validate:"omitempty,oneof=fast thorough deep"`
	Options    struct {
		MinFileSize       int64 `json:"min_file_size" validate:"gte=0"`
		EnableContentHash bool  `json:"enable_content_hash"`
		EnableFuzzyName   bool  `json:"enable_fuzzy_name"`
	} `json:"options"`
}

func (h *Handler) handleDetect(w http.ResponseWriter, r *http.Request) {
	userKey, _ := reqctx.UserKey(r.Context())

	var req DetectRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.service.Detect(r.Context(), userKey, req.SnapshotID, Options{
		Algorithm:         Algorithm(req.Algorithm),
		MinFileSize:       req.Options.MinFileSize,
		EnableContentHash: req.Options.EnableContentHash,
		EnableFuzzyName:   req.Options.EnableFuzzyName,
	})
	if err != nil {
		switch {
		case errors.Is(err, scan.ErrSnapshotNotFound):
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "snapshot not found")
		case errors.Is(err, ErrSnapshotNotReady):
			httpserver.RespondError(w, http.StatusConflict, "snapshot_not_ready", "snapshot is not finalized")
		default:
			h.logger.Error("detecting duplicates", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "duplicate detection failed")
		}
		return
	}

	httpserver.Respond(w, http.StatusOK, result)
}
