package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/gotrainer/internal/errors"
	"github.com/3leaps/gotrainer/internal/server/handlers"
	"github.com/3leaps/gotrainer/internal/server/middleware"
	"github.com/3leaps/gotrainer/pkg/artifact"
	"github.com/3leaps/gotrainer/pkg/jobregistry"
	"github.com/3leaps/gotrainer/pkg/notify"
	"github.com/3leaps/gotrainer/pkg/orchestrator"
	"github.com/3leaps/gotrainer/pkg/supervisor"
)

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New("127.0.0.1", 0)

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}

	var body apperrors.HTTPErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}

	if body.Error.Code != "NOT_FOUND" {
		t.Fatalf("expected error code NOT_FOUND, got %s", body.Error.Code)
	}
	if body.Error.RequestID == "" {
		t.Fatalf("expected request id in error envelope")
	}
}

func TestServer_Port(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"default port", 8080},
		{"custom port", 9000},
		{"zero port", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New("127.0.0.1", tt.port)
			assert.Equal(t, tt.port, srv.Port())
		})
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := New("127.0.0.1", 0)

	req := httptest.NewRequest(http.MethodPost, "/version", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "METHOD_NOT_ALLOWED", body.Error.Code)
}

func TestServer_RoutesRegistered(t *testing.T) {
	handlers.InitHealthManager("test")

	srv := New("127.0.0.1", 0)

	endpoints := []struct {
		method string
		path   string
		want   int
	}{
		{"GET", "/health", http.StatusOK},
		{"GET", "/health/live", http.StatusOK},
		{"GET", "/health/ready", http.StatusOK},
		{"GET", "/health/startup", http.StatusOK},
		{"GET", "/version", http.StatusOK},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			rec := httptest.NewRecorder()

			srv.Handler().ServeHTTP(rec, req)

			assert.Equal(t, ep.want, rec.Code, "endpoint %s %s should return %d", ep.method, ep.path, ep.want)
		})
	}
}

func TestServer_TrainingRoutesNeedJobs(t *testing.T) {
	srv := New("127.0.0.1", 0)

	req := httptest.NewRequest(http.MethodGet, "/api/training", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// newManager wires a real manager around a shell worker.
func newManager(t *testing.T, hub *notify.Hub) *orchestrator.Manager {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	root := t.TempDir()
	script := filepath.Join(root, "train.sh")
	body := "#!/bin/sh\necho 'Epoch 1/1 Step 5/10 Loss: 0.5'\necho 'Epoch 1/1 Step 10/10 Loss: 0.2'\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	art, err := artifact.NewFileStore(filepath.Join(root, "models"))
	require.NoError(t, err)

	store := jobregistry.NewFileStore(filepath.Join(root, "jobs"))
	m, err := orchestrator.New(orchestrator.Options{
		Store:      store,
		Supervisor: supervisor.New(supervisor.Config{PollInterval: 10 * time.Millisecond}),
		Resolver: orchestrator.NewResolver(orchestrator.ScriptStrategy{
			Label:       "primary",
			Pattern:     script,
			Interpreter: "/bin/sh",
		}),
		Publisher: hub,
		Artifacts: art,
		LogRoot:   store.RootDir(),
	})
	require.NoError(t, err)
	return m
}

func TestServer_SubmitAndPoll(t *testing.T) {
	hub := notify.NewHub(notify.HubConfig{})
	srv := New("127.0.0.1", 0, WithJobs(newManager(t, hub)), WithHub(hub))

	req := httptest.NewRequest(http.MethodPost, "/api/training", strings.NewReader(`{"dataset":"data.csv","epochs":1}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var submitted struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&submitted))
	assert.Equal(t, "QUEUED", submitted.Status)

	var job jobregistry.JobRecord
	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/api/training/"+submitted.JobID, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			return false
		}
		var body struct {
			Job jobregistry.JobRecord `json:"job"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			return false
		}
		job = body.Job
		return job.Status.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, jobregistry.StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
}

func TestServer_AuthAppliesToTrainingRoutesOnly(t *testing.T) {
	hub := notify.NewHub(notify.HubConfig{})
	srv := New("127.0.0.1", 0,
		WithJobs(newManager(t, hub)),
		WithAuthTokens(map[string]string{"s3cret": "alice"}),
		WithIngestLimiter(middleware.NewLimiter(1000, 10)),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/training", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/training", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// The internal channel takes no user token; unknown jobs are 404.
	req = httptest.NewRequest(http.MethodPost, "/internal/jobs/job_missing/status", strings.NewReader(`{"progress":5}`))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	srv := New("127.0.0.1", 0)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/version")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, <-done)
}
