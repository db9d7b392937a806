package action

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/filepilot/internal/audit"
	"github.com/wisbric/filepilot/internal/httpserver"
	"github.com/wisbric/filepilot/internal/reqctx"
	"github.com/wisbric/filepilot/pkg/registry"
)

// Handler provides the batch HTTP surface.
type Handler struct {
	service *Service
	logger  *slog.Logger
	audit   *audit.Writer
}

// NewHandler creates an action Handler.
func NewHandler(service *Service, logger *slog.Logger, auditWriter *audit.Writer) *Handler {
	return &Handler{service: service, logger: logger, audit: auditWriter}
}

// Routes returns a chi.Router with batch routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleSubmit)
	r.Route("/{batchID}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/execute", h.handleExecute)
		r.Post("/restore", h.handleRestore)
	})
	return r
}

// batchSummary is the listing row: the batch without its proposal,
// result, and rollback payloads.
type batchSummary struct {
	BatchID     string      `json:"batch_id"`
	Status      BatchStatus `json:"status"`
	SafetyLevel SafetyLevel `json:"safety_level"`
	Proposals   int         `json:"proposals"`
	Progress    Progress    `json:"progress"`
	CreatedAt   time.Time   `json:"created_at"`
	ExecutedAt  *time.Time  `json:"executed_at,omitempty"`
}

// handleList serves the caller's batches as an offset page, newest first.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	userKey, _ := reqctx.UserKey(r.Context())

	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	batches, total, err := h.service.List(r.Context(), userKey, params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing batches", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list batches")
		return
	}

	items := make([]batchSummary, 0, len(batches))
	for _, b := range batches {
		items = append(items, batchSummary{
			BatchID:     b.BatchID,
			Status:      b.Status,
			SafetyLevel: b.SafetyLevel,
			Proposals:   len(b.Proposals),
			Progress:    progressOf(len(b.Proposals), b.Results),
			CreatedAt:   b.CreatedAt,
			ExecutedAt:  b.ExecutedAt,
		})
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(items, params, total))
}

// SubmitRequest is the body of POST /batch.
type SubmitRequest struct {
	Proposals []struct {
		Kind           string `json:"kind" validate:"required,oneof=move rename trash archive copy create_folder"`
		FileID         string `json:"file_id"`
		TargetFolderID string `json:"target_folder_id"`
		TargetRef      string `json:"target_ref"`
		NewName        string `json:"new_name"`
		Priority       string `json:"priority" validate:"omitempty,oneof=high medium low"`
	} `json:"proposals" validate:"required,min=1,max=500,dive"`
	SafetyLevel     string `json:"safety_level" validate:"omitempty,oneof=aggressive normal conservative"`
	ContinueOnError bool   `json:"continue_on_error"`
	MaxConcurrency  int    `json:"max_concurrency" validate:"gte=0,lte=10"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	userKey, _ := reqctx.UserKey(r.Context())

	var req SubmitRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	proposals := make([]Proposal, 0, len(req.Proposals))
	for _, p := range req.Proposals {
		proposals = append(proposals, Proposal{
			Kind:           ProposalKind(p.Kind),
			FileID:         p.FileID,
			TargetFolderID: p.TargetFolderID,
			TargetRef:      p.TargetRef,
			NewName:        p.NewName,
			Priority:       p.Priority,
		})
	}

	b, err := h.service.Submit(r.Context(), userKey, proposals, SubmitOptions{
		SafetyLevel:     SafetyLevel(req.SafetyLevel),
		ContinueOnError: req.ContinueOnError,
		MaxConcurrency:  req.MaxConcurrency,
	})
	if err != nil {
		if errors.Is(err, ErrValidationFailed) {
			httpserver.RespondError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
		h.logger.Error("submitting batch", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to submit batch")
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]any{"proposals": len(proposals), "safety_level": b.SafetyLevel})
		h.audit.LogFromRequest(r, "submit", "batch", parseOrNil(b.BatchID), detail)
	}

	httpserver.Respond(w, http.StatusCreated, map[string]any{
		"batch_id": b.BatchID,
		"status":   b.Status,
	})
}

// ExecuteRequest is the body of POST /batch/{batchID}/execute.
type ExecuteRequest struct {
	Mode string `json:"mode" validate:"omitempty,oneof=preview immediate"`
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	userKey, _ := reqctx.UserKey(r.Context())
	batchID := chi.URLParam(r, "batchID")

	var req ExecuteRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if req.Mode == "preview" {
		results, err := h.service.Preview(r.Context(), userKey, batchID)
		if err != nil {
			h.respondBatchError(w, err, "previewing batch")
			return
		}
		httpserver.Respond(w, http.StatusOK, map[string]any{"results": results})
		return
	}

	if err := h.service.Execute(r.Context(), userKey, batchID); err != nil {
		if errors.Is(err, registry.ErrBatchAlreadyExecuting) {
			httpserver.RespondError(w, http.StatusConflict, "batch_already_executing", "another batch is executing for this user")
			return
		}
		h.respondBatchError(w, err, "executing batch")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "execute", "batch", parseOrNil(batchID), nil)
	}

	httpserver.Respond(w, http.StatusAccepted, map[string]string{"batch_id": batchID})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	userKey, _ := reqctx.UserKey(r.Context())
	batchID := chi.URLParam(r, "batchID")

	b, progress, err := h.service.GetStatus(r.Context(), userKey, batchID)
	if err != nil {
		h.respondBatchError(w, err, "getting batch")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"batch":    b,
		"progress": progress,
	})
}

// RestoreRequest is the body of POST /batch/{batchID}/restore.
type RestoreRequest struct {
	FileIDs []string `json:"file_ids"`
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	userKey, _ := reqctx.UserKey(r.Context())
	batchID := chi.URLParam(r, "batchID")

	var req RestoreRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	outcome, err := h.service.Restore(r.Context(), userKey, batchID, req.FileIDs)
	if err != nil {
		switch {
		case errors.Is(err, ErrRestoreExpired):
			httpserver.RespondError(w, http.StatusGone, "restore_expired", "rollback plan has expired")
		case errors.Is(err, ErrFreshAuthRequired):
			httpserver.RespondError(w, http.StatusUnauthorized, "fresh_auth_required", "recent authentication required for restore")
		default:
			h.respondBatchError(w, err, "restoring batch")
		}
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]any{"restored": len(outcome.Restored), "failed": len(outcome.Failed)})
		h.audit.LogFromRequest(r, "restore", "batch", parseOrNil(batchID), detail)
	}

	httpserver.Respond(w, http.StatusOK, outcome)
}

func (h *Handler) respondBatchError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, ErrBatchNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "batch not found")
	case errors.Is(err, ErrBatchStateInvalid):
		httpserver.RespondError(w, http.StatusConflict, "batch_state_invalid", "batch is not in a valid state for this operation")
	default:
		h.logger.Error(op, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "operation failed")
	}
}

func parseOrNil(id string) uuid.UUID {
	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil
	}
	return u
}
