package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/gotrainer/internal/errors"
	"github.com/3leaps/gotrainer/internal/server/middleware"
	"github.com/3leaps/gotrainer/pkg/artifact"
	"github.com/3leaps/gotrainer/pkg/jobregistry"
	"github.com/3leaps/gotrainer/pkg/orchestrator"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

const defaultLogTail = 200

// JobService is the slice of the job lifecycle manager the HTTP layer uses.
type JobService interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*jobregistry.JobRecord, error)
	Query(ctx context.Context, jobID string) (*jobregistry.JobRecord, error)
	List(ctx context.Context, filter orchestrator.ListFilter) ([]jobregistry.JobRecord, error)
	Cancel(ctx context.Context, jobID string) (*jobregistry.JobRecord, error)
	Logs(ctx context.Context, jobID, stream string, tail int) ([]string, error)
	Artifact(ctx context.Context, jobID string) (*jobregistry.JobRecord, *artifact.Object, error)
	IngestStatus(ctx context.Context, jobID string, upd orchestrator.StatusUpdate) (*jobregistry.JobRecord, error)
}

// TrainingHandler serves the public training job API.
type TrainingHandler struct {
	jobs   JobService
	logger *zap.Logger
}

func NewTrainingHandler(jobs JobService, logger *zap.Logger) *TrainingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrainingHandler{jobs: jobs, logger: logger}
}

// trainingRequest is the submit body. dataset_path is accepted as an alias
// for dataset.
type trainingRequest struct {
	Dataset     string         `json:"dataset"`
	DatasetPath string         `json:"dataset_path"`
	Epochs      int            `json:"epochs"`
	BatchSize   int            `json:"batch_size"`
	LR          float64        `json:"lr"`
	Extra       map[string]any `json:"extra"`
}

func (req trainingRequest) params() jobregistry.Params {
	p := jobregistry.Params{
		Dataset:      strings.TrimSpace(req.Dataset),
		Epochs:       req.Epochs,
		BatchSize:    req.BatchSize,
		LearningRate: req.LR,
	}
	if p.Dataset == "" {
		p.Dataset = strings.TrimSpace(req.DatasetPath)
	}
	if len(req.Extra) > 0 {
		p.Extra = make(map[string]string, len(req.Extra))
		for k, v := range req.Extra {
			p.Extra[k] = extraValue(v)
		}
	}
	return p
}

func extraValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

type submitResponse struct {
	OK      bool                   `json:"ok"`
	JobID   string                 `json:"job_id"`
	PID     int                    `json:"pid"`
	Status  jobregistry.Status     `json:"status"`
	Message string                 `json:"message"`
	Job     *jobregistry.JobRecord `json:"job"`
}

// Submit handles POST /api/training.
func (h *TrainingHandler) Submit(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if err := validateBody(trainingRequestSchema, body); err != nil {
		respondWithError(w, r, err)
		return
	}
	var req trainingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondWithError(w, r, apperrors.NewInvalidInput("Request body is not valid JSON"))
		return
	}

	rec, err := h.jobs.Submit(r.Context(), orchestrator.SubmitRequest{
		Params: req.params(),
		UserID: middleware.UserIDFromContext(r.Context()),
	})
	if err != nil {
		h.logger.Warn("Training submit rejected", zap.Error(err))
		respondWithError(w, r, err)
		return
	}

	apperrors.WriteJSON(w, http.StatusAccepted, submitResponse{
		OK:      true,
		JobID:   rec.JobID,
		PID:     rec.PID,
		Status:  rec.Status,
		Message: "Training job started",
		Job:     rec,
	})
}

type listResponse struct {
	OK    bool                    `json:"ok"`
	Jobs  []jobregistry.JobRecord `json:"jobs"`
	Count int                     `json:"count"`
}

// List handles GET /api/training. An optional ?status= narrows the result.
func (h *TrainingHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := orchestrator.ListFilter{UserID: middleware.UserIDFromContext(r.Context())}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := jobregistry.ParseStatus(raw)
		if !ok {
			respondWithError(w, r, apperrors.NewInvalidInput(fmt.Sprintf("unknown status %q", raw)))
			return
		}
		filter.Status = status
	}

	records, err := h.jobs.List(r.Context(), filter)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "list jobs"))
		return
	}
	if records == nil {
		records = []jobregistry.JobRecord{}
	}
	apperrors.WriteJSON(w, http.StatusOK, listResponse{OK: true, Jobs: records, Count: len(records)})
}

// Status handles the query-string form GET /api/training/status?job_id=.
func (h *TrainingHandler) Status(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.URL.Query().Get("job_id"))
	if jobID == "" {
		respondWithError(w, r, apperrors.NewInvalidInput("job_id parameter required"))
		return
	}
	rec, ok := h.lookup(w, r, jobID)
	if !ok {
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "status": rec})
}

// Get handles GET /api/training/{jobID}.
func (h *TrainingHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r, chi.URLParam(r, "jobID"))
	if !ok {
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "job": rec})
}

// Stop handles POST /api/training/{jobID}/stop.
func (h *TrainingHandler) Stop(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, ok := h.lookup(w, r, jobID); !ok {
		return
	}
	rec, err := h.jobs.Cancel(r.Context(), jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"job_id":  rec.JobID,
		"status":  rec.Status,
		"message": "Training job stopped",
		"job":     rec,
	})
}

// Logs handles GET /api/training/{jobID}/logs?stream=stdout|stderr|both&tail=N.
func (h *TrainingHandler) Logs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	stream := r.URL.Query().Get("stream")
	if stream == "" {
		stream = "stdout"
	}
	tail := defaultLogTail
	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondWithError(w, r, apperrors.NewInvalidInput("tail must be a non-negative integer"))
			return
		}
		tail = n
	}

	if _, ok := h.lookup(w, r, jobID); !ok {
		return
	}
	lines, err := h.jobs.Logs(r.Context(), jobID, stream, tail)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"job_id": jobID,
		"stream": strings.ToLower(stream),
		"lines":  lines,
	})
}

// Download handles GET /api/training/{jobID}/download. Only completed jobs
// have an artifact.
func (h *TrainingHandler) Download(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	rec, obj, err := h.jobs.Artifact(r.Context(), jobID)
	if rec != nil && !visibleTo(rec, middleware.UserIDFromContext(r.Context())) {
		if obj != nil {
			_ = obj.Body.Close()
		}
		respondWithError(w, r, orchestrator.ErrJobNotFound)
		return
	}
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	defer func() { _ = obj.Body.Close() }()

	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.FileName(obj.Key)))
	if obj.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, obj.Body); err != nil {
		h.logger.Warn("Artifact download interrupted", zap.String("job_id", rec.JobID), zap.Error(err))
	}
}

// lookup fetches a job and hides jobs owned by another user.
func (h *TrainingHandler) lookup(w http.ResponseWriter, r *http.Request, jobID string) (*jobregistry.JobRecord, bool) {
	rec, err := h.jobs.Query(r.Context(), jobID)
	if err != nil {
		respondWithError(w, r, err)
		return nil, false
	}
	if !visibleTo(rec, middleware.UserIDFromContext(r.Context())) {
		respondWithError(w, r, orchestrator.ErrJobNotFound)
		return nil, false
	}
	return rec, true
}

// visibleTo reports whether user may see rec. Anonymous callers (auth
// disabled) and unowned records are unrestricted.
func visibleTo(rec *jobregistry.JobRecord, user string) bool {
	return user == "" || rec.UserID == "" || rec.UserID == user
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, apperrors.NewInvalidInput("Request body too large or unreadable")
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	return body, nil
}
