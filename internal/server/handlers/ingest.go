package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/gotrainer/internal/errors"
	"github.com/3leaps/gotrainer/pkg/orchestrator"
)

// IngestHandler accepts status reports pushed by workers.
type IngestHandler struct {
	jobs   JobService
	logger *zap.Logger
}

func NewIngestHandler(jobs JobService, logger *zap.Logger) *IngestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestHandler{jobs: jobs, logger: logger}
}

type statusUpdateRequest struct {
	JobID string `json:"job_id"`
	orchestrator.StatusUpdate
}

// JobStatus handles POST /internal/jobs/{jobID}/status. A job_id in the body,
// when present, must match the path.
func (h *IngestHandler) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	if req.JobID != "" && req.JobID != jobID {
		respondWithError(w, r, apperrors.NewInvalidInput("job_id in body does not match path"))
		return
	}
	h.apply(w, r, jobID, req.StatusUpdate)
}

// StatusUpdate handles POST /api/training/internal/status-update where the
// job id travels in the body.
func (h *IngestHandler) StatusUpdate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		respondWithError(w, r, apperrors.NewInvalidInput("job_id is required"))
		return
	}
	h.apply(w, r, jobID, req.StatusUpdate)
}

func (h *IngestHandler) decode(w http.ResponseWriter, r *http.Request) (statusUpdateRequest, bool) {
	var req statusUpdateRequest
	body, err := readBody(w, r)
	if err != nil {
		respondWithError(w, r, err)
		return req, false
	}
	if err := validateBody(statusUpdateSchema, body); err != nil {
		respondWithError(w, r, err)
		return req, false
	}
	if err := json.Unmarshal(body, &req); err != nil {
		respondWithError(w, r, apperrors.NewInvalidInput("Request body is not valid JSON"))
		return req, false
	}
	return req, true
}

func (h *IngestHandler) apply(w http.ResponseWriter, r *http.Request, jobID string, upd orchestrator.StatusUpdate) {
	rec, err := h.jobs.IngestStatus(r.Context(), jobID, upd)
	if err != nil {
		h.logger.Debug("Status update rejected", zap.String("job_id", jobID), zap.Error(err))
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "job": rec})
}
