package scan

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/filepilot/internal/audit"
	"github.com/wisbric/filepilot/internal/httpserver"
	"github.com/wisbric/filepilot/internal/reqctx"
	"github.com/wisbric/filepilot/pkg/events"
	"github.com/wisbric/filepilot/pkg/registry"
)

// Handler provides the scan HTTP surface.
type Handler struct {
	service *Service
	bus     *events.Bus
	logger  *slog.Logger
	audit   *audit.Writer
}

// NewHandler creates a scan Handler.
func NewHandler(service *Service, bus *events.Bus, logger *slog.Logger, auditWriter *audit.Writer) *Handler {
	return &Handler{service: service, bus: bus, logger: logger, audit: auditWriter}
}

// Routes returns a chi.Router with scan routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/start", h.handleStart)
	r.Route("/{scanID}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/cancel", h.handleCancel)
		r.Get("/stream", h.handleStream)
	})
	return r
}

// StartRequest is the body of POST /scan/start.
type StartRequest struct {
	MaxDepth            int  `json:"max_depth" validate:"gte=0,lte=50"`
	IncludeTrashed      bool `json:"include_trashed"`
	IncludeSharedDrives bool `json:"include_shared_drives"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	userKey, _ := reqctx.UserKey(r.Context())

	var req StartRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	job, err := h.service.Start(r.Context(), userKey, Config{
		MaxDepth:            req.MaxDepth,
		IncludeTrashed:      req.IncludeTrashed,
		IncludeSharedDrives: req.IncludeSharedDrives,
	})
	if err != nil {
		if errors.Is(err, registry.ErrScanAlreadyActive) {
			httpserver.RespondError(w, http.StatusConflict, "scan_already_active", "a scan is already active for this user")
			return
		}
		h.logger.Error("starting scan", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to start scan")
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]any{"max_depth": job.Config.MaxDepth})
		h.audit.LogFromRequest(r, "start", "scan", parseOrNil(job.ScanID), detail)
	}

	httpserver.Respond(w, http.StatusAccepted, map[string]string{"scan_id": job.ScanID})
}

// handleList serves the caller's scan history as a cursor page, newest
// first.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	userKey, _ := reqctx.UserKey(r.Context())

	params, err := httpserver.ParseCursorParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	var after *JobCursor
	if params.After != nil {
		after = &JobCursor{CreatedAt: params.After.CreatedAt, ScanID: params.After.ID.String()}
	}

	jobs, err := h.service.List(r.Context(), userKey, after, params.Limit+1)
	if err != nil {
		h.logger.Error("listing scans", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list scans")
		return
	}

	page := httpserver.NewCursorPage(jobs, params.Limit, func(j *Job) httpserver.Cursor {
		return httpserver.Cursor{CreatedAt: j.CreatedAt, ID: parseOrNil(j.ScanID)}
	})
	httpserver.Respond(w, http.StatusOK, page)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	userKey, _ := reqctx.UserKey(r.Context())
	scanID := chi.URLParam(r, "scanID")

	job, err := h.service.Get(r.Context(), userKey, scanID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "scan not found")
			return
		}
		h.logger.Error("getting scan", "error", err, "scan_id", scanID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get scan")
		return
	}

	httpserver.Respond(w, http.StatusOK, job)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	userKey, _ := reqctx.UserKey(r.Context())
	scanID := chi.URLParam(r, "scanID")

	if err := h.service.Cancel(r.Context(), userKey, scanID); err != nil {
		if errors.Is(err, ErrJobNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "scan not found")
			return
		}
		h.logger.Error("cancelling scan", "error", err, "scan_id", scanID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to cancel scan")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "cancel", "scan", parseOrNil(scanID), nil)
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}

// handleStream serves the scan's progress as server-sent events, replaying
// from ?from=<sequence> when given, and closes after the terminal event.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	userKey, _ := reqctx.UserKey(r.Context())
	scanID := chi.URLParam(r, "scanID")

	job, err := h.service.Get(r.Context(), userKey, scanID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "scan not found")
			return
		}
		h.logger.Error("getting scan for stream", "error", err, "scan_id", scanID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get scan")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	var from uint64
	if v := r.URL.Query().Get("from"); v != "" {
		from, _ = strconv.ParseUint(v, 10, 64)
	}

	topic := events.ScanTopic(scanID)
	ch, cancel := h.bus.Subscribe(topic, "sse:"+uuid.NewString())
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var lastSeq uint64
	terminal := false
	for _, ev := range h.bus.Replay(topic, from+1) {
		writeSSE(w, ev)
		lastSeq = ev.Sequence
		if ev.Kind == events.KindComplete || ev.Kind == events.KindError {
			terminal = true
		}
	}
	flusher.Flush()

	// A job already terminal with its buffer expired still terminates the
	// stream rather than hanging.
	if terminal || (job.Status.Terminal() && lastSeq == h.bus.LastSequence(topic)) {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Sequence <= lastSeq {
				continue
			}
			writeSSE(w, ev)
			lastSeq = ev.Sequence
			flusher.Flush()
			if ev.Kind == events.KindComplete || ev.Kind == events.KindError {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev events.Event) {
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Kind, ev.Payload)
}

func parseOrNil(id string) uuid.UUID {
	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil
	}
	return u
}
