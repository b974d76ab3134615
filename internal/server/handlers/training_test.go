package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/gotrainer/internal/errors"
	"github.com/3leaps/gotrainer/internal/server/middleware"
	"github.com/3leaps/gotrainer/pkg/artifact"
	"github.com/3leaps/gotrainer/pkg/jobregistry"
	"github.com/3leaps/gotrainer/pkg/orchestrator"
)

// fakeJobs is an in-memory JobService.
type fakeJobs struct {
	mu        sync.Mutex
	records   map[string]*jobregistry.JobRecord
	submitted []orchestrator.SubmitRequest
	updates   []orchestrator.StatusUpdate
	submitErr error
	artifact  []byte
}

func newFakeJobs(records ...jobregistry.JobRecord) *fakeJobs {
	f := &fakeJobs{records: make(map[string]*jobregistry.JobRecord)}
	for i := range records {
		rec := records[i]
		f.records[rec.JobID] = &rec
	}
	return f
}

func (f *fakeJobs) Submit(_ context.Context, req orchestrator.SubmitRequest) (*jobregistry.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	params, err := orchestrator.ValidateParams(req.Params)
	if err != nil {
		return nil, err
	}
	rec := &jobregistry.JobRecord{
		JobID:     fmt.Sprintf("job_%d_test", len(f.submitted)),
		Status:    jobregistry.StatusQueued,
		PID:       4242,
		Params:    params,
		UserID:    req.UserID,
		CreatedAt: time.Now().UTC(),
	}
	f.records[rec.JobID] = rec
	return rec, nil
}

func (f *fakeJobs) Query(_ context.Context, jobID string) (*jobregistry.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrJobNotFound, jobID)
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeJobs) List(_ context.Context, filter orchestrator.ListFilter) ([]jobregistry.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []jobregistry.JobRecord
	for _, rec := range f.records {
		if filter.UserID != "" && rec.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (f *fakeJobs) Cancel(_ context.Context, jobID string) (*jobregistry.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[jobID]
	if !ok {
		return nil, orchestrator.ErrJobNotFound
	}
	if rec.Status.Terminal() {
		return nil, orchestrator.ErrJobNotRunning
	}
	rec.Status = jobregistry.StatusStopped
	cp := *rec
	return &cp, nil
}

func (f *fakeJobs) Logs(_ context.Context, jobID, stream string, tail int) ([]string, error) {
	if _, err := f.Query(context.Background(), jobID); err != nil {
		return nil, err
	}
	if stream != "stdout" && stream != "stderr" && stream != "both" {
		return nil, fmt.Errorf("%w: invalid stream %q", orchestrator.ErrInvalidParams, stream)
	}
	lines := []string{"one", "two", "three"}
	if tail > 0 && tail < len(lines) {
		lines = lines[len(lines)-tail:]
	}
	return lines, nil
}

func (f *fakeJobs) Artifact(ctx context.Context, jobID string) (*jobregistry.JobRecord, *artifact.Object, error) {
	rec, err := f.Query(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if rec.Status != jobregistry.StatusCompleted {
		return rec, nil, &orchestrator.NotCompleteError{JobID: rec.JobID, Status: rec.Status}
	}
	if f.artifact == nil {
		return rec, nil, orchestrator.ErrArtifactNotFound
	}
	return rec, &artifact.Object{
		Key:         "models/" + jobID + ".json",
		Size:        int64(len(f.artifact)),
		ContentType: "application/json",
		Body:        io.NopCloser(bytes.NewReader(f.artifact)),
	}, nil
}

func (f *fakeJobs) IngestStatus(_ context.Context, jobID string, upd orchestrator.StatusUpdate) (*jobregistry.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[jobID]
	if !ok {
		return nil, orchestrator.ErrJobNotFound
	}
	f.updates = append(f.updates, upd)
	if upd.Progress != nil {
		rec.Progress = *upd.Progress
	}
	if upd.Message != "" {
		rec.Message = upd.Message
	}
	cp := *rec
	return &cp, nil
}

func trainingRouter(jobs JobService) http.Handler {
	th := NewTrainingHandler(jobs, nil)
	ih := NewIngestHandler(jobs, nil)
	r := chi.NewRouter()
	r.Post("/api/training", th.Submit)
	r.Get("/api/training", th.List)
	r.Get("/api/training/status", th.Status)
	r.Post("/api/training/internal/status-update", ih.StatusUpdate)
	r.Get("/api/training/{jobID}", th.Get)
	r.Post("/api/training/{jobID}/stop", th.Stop)
	r.Get("/api/training/{jobID}/logs", th.Logs)
	r.Get("/api/training/{jobID}/download", th.Download)
	r.Post("/internal/jobs/{jobID}/status", ih.JobStatus)
	return r
}

func do(t *testing.T, h http.Handler, method, target, body, user string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	if user != "" {
		req = req.WithContext(middleware.WithUserID(req.Context(), user))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPError {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error
}

func TestSubmit_Accepted(t *testing.T) {
	jobs := newFakeJobs()
	h := trainingRouter(jobs)

	rec := do(t, h, http.MethodPost, "/api/training",
		`{"dataset_path":"data/train.csv","epochs":2,"batch_size":8,"lr":0.001,"extra":{"seed":7,"mixed":true,"tag":"x"}}`, "alice")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var body submitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.True(t, body.OK)
	assert.Equal(t, jobregistry.StatusQueued, body.Status)
	assert.Equal(t, 4242, body.PID)
	assert.NotEmpty(t, body.JobID)

	require.Len(t, jobs.submitted, 1)
	got := jobs.submitted[0]
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "data/train.csv", got.Params.Dataset)
	assert.Equal(t, 2, got.Params.Epochs)
	assert.Equal(t, map[string]string{"seed": "7", "mixed": "true", "tag": "x"}, got.Params.Extra)
}

func TestSubmit_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"missing dataset", `{"epochs":1}`},
		{"unknown field", `{"dataset":"d","colour":"red"}`},
		{"wrong type", `{"dataset":"d","epochs":"three"}`},
		{"not json", `{"dataset":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := newFakeJobs()
			rec := do(t, trainingRouter(jobs), http.MethodPost, "/api/training", tt.body, "")
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, apperrors.CodeInvalidInput, decodeError(t, rec).Code)
			assert.Empty(t, jobs.submitted)
		})
	}
}

func TestSubmit_WorkerUnavailable(t *testing.T) {
	jobs := newFakeJobs()
	jobs.submitErr = fmt.Errorf("%w: tried primary", orchestrator.ErrWorkerUnavailable)

	rec := do(t, trainingRouter(jobs), http.MethodPost, "/api/training", `{"dataset":"d"}`, "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, apperrors.CodeWorkerUnavailable, decodeError(t, rec).Code)
}

func TestStatus_QueryParam(t *testing.T) {
	jobs := newFakeJobs(jobregistry.JobRecord{JobID: "job_1", Status: jobregistry.StatusRunning, Progress: 40})
	h := trainingRouter(jobs)

	rec := do(t, h, http.MethodGet, "/api/training/status", "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/training/status?job_id=missing", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Job not found", decodeError(t, rec).Message)

	rec = do(t, h, http.MethodGet, "/api/training/status?job_id=job_1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		OK     bool                  `json:"ok"`
		Status jobregistry.JobRecord `json:"status"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.True(t, body.OK)
	assert.Equal(t, 40, body.Status.Progress)
}

func TestGet_HidesOtherUsersJobs(t *testing.T) {
	jobs := newFakeJobs(
		jobregistry.JobRecord{JobID: "job_a", Status: jobregistry.StatusRunning, UserID: "alice"},
		jobregistry.JobRecord{JobID: "job_shared", Status: jobregistry.StatusRunning},
	)
	h := trainingRouter(jobs)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/training/job_a", "", "alice").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/training/job_a", "", "bob").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/training/job_a", "", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/training/job_shared", "", "bob").Code)
}

func TestList(t *testing.T) {
	jobs := newFakeJobs(
		jobregistry.JobRecord{JobID: "job_a", Status: jobregistry.StatusRunning, UserID: "alice"},
		jobregistry.JobRecord{JobID: "job_b", Status: jobregistry.StatusCompleted, UserID: "alice"},
		jobregistry.JobRecord{JobID: "job_c", Status: jobregistry.StatusRunning, UserID: "bob"},
	)
	h := trainingRouter(jobs)

	decode := func(rec *httptest.ResponseRecorder) listResponse {
		var body listResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		return body
	}

	rec := do(t, h, http.MethodGet, "/api/training", "", "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode(rec).Count)

	rec = do(t, h, http.MethodGet, "/api/training?status=running", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode(rec).Count)

	rec = do(t, h, http.MethodGet, "/api/training", "", "carol")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"jobs":[]`)

	rec = do(t, h, http.MethodGet, "/api/training?status=PAUSED", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStop(t *testing.T) {
	jobs := newFakeJobs(
		jobregistry.JobRecord{JobID: "job_run", Status: jobregistry.StatusRunning, UserID: "alice"},
		jobregistry.JobRecord{JobID: "job_done", Status: jobregistry.StatusCompleted},
	)
	h := trainingRouter(jobs)

	rec := do(t, h, http.MethodPost, "/api/training/job_run/stop", "", "bob")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/training/job_run/stop", "", "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "STOPPED", body["status"])
	assert.Equal(t, "Training job stopped", body["message"])

	rec = do(t, h, http.MethodPost, "/api/training/job_done/stop", "", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperrors.CodeJobNotRunning, decodeError(t, rec).Code)
}

func TestLogs(t *testing.T) {
	jobs := newFakeJobs(jobregistry.JobRecord{JobID: "job_1", Status: jobregistry.StatusRunning})
	h := trainingRouter(jobs)

	rec := do(t, h, http.MethodGet, "/api/training/job_1/logs?tail=2", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Stream string   `json:"stream"`
		Lines  []string `json:"lines"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "stdout", body.Stream)
	assert.Equal(t, []string{"two", "three"}, body.Lines)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/training/job_1/logs?tail=-1", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/training/job_1/logs?stream=nope", "", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/training/job_x/logs", "", "").Code)
}

func TestDownload(t *testing.T) {
	jobs := newFakeJobs(
		jobregistry.JobRecord{JobID: "job_done", Status: jobregistry.StatusCompleted, UserID: "alice"},
		jobregistry.JobRecord{JobID: "job_run", Status: jobregistry.StatusRunning},
	)
	h := trainingRouter(jobs)

	rec := do(t, h, http.MethodGet, "/api/training/job_done/download", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Model file not found", decodeError(t, rec).Message)

	rec = do(t, h, http.MethodGet, "/api/training/job_run/download", "", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, apperrors.CodeJobNotComplete, e.Code)
	assert.Equal(t, "Job is not completed yet. Current status: RUNNING", e.Message)

	jobs.artifact = []byte(`{"weights":[1,2,3]}`)
	rec = do(t, h, http.MethodGet, "/api/training/job_done/download", "", "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="job_done.json"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, `{"weights":[1,2,3]}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/training/job_done/download", "", "bob")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngest_PathRoute(t *testing.T) {
	jobs := newFakeJobs(jobregistry.JobRecord{JobID: "job_1", Status: jobregistry.StatusRunning})
	h := trainingRouter(jobs)

	rec := do(t, h, http.MethodPost, "/internal/jobs/job_1/status",
		`{"progress":55,"message":"halfway","metrics":{"epoch":2,"loss":0.4}}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, jobs.updates, 1)
	assert.Equal(t, 55, *jobs.updates[0].Progress)
	require.NotNil(t, jobs.updates[0].Metrics)
	assert.Equal(t, 2, jobs.updates[0].Metrics.Epoch)

	rec = do(t, h, http.MethodPost, "/internal/jobs/job_1/status", `{"job_id":"job_2","progress":60}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/internal/jobs/job_1/status", `{"progress":140}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/internal/jobs/job_unknown/status", `{"progress":10}`, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, jobs.updates, 1)
}

func TestIngest_BodyRoute(t *testing.T) {
	jobs := newFakeJobs(jobregistry.JobRecord{JobID: "job_1", Status: jobregistry.StatusRunning})
	h := trainingRouter(jobs)

	rec := do(t, h, http.MethodPost, "/api/training/internal/status-update", `{"progress":10}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/training/internal/status-update", `{"job_id":"job_1","status":"RUNNING","progress":10}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, jobs.updates, 1)
	assert.Equal(t, "RUNNING", jobs.updates[0].Status)
}
