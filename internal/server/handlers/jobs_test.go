package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/codequeue/internal/server/middleware"
	"github.com/3leaps/codequeue/pkg/client"
	"github.com/3leaps/codequeue/pkg/queue"
)

type jobsTestEnv struct {
	router chi.Router
	client *client.Client
	store  *queue.Store
}

func newJobsTestEnv(t *testing.T) *jobsTestEnv {
	t.Helper()

	store := queue.NewStore(t.TempDir())
	c := client.New(store, "owner@lab.example")

	api := NewJobsAPI(c, nil)
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Route("/api/v1/jobs", api.Routes)

	return &jobsTestEnv{router: router, client: c, store: store}
}

func (e *jobsTestEnv) submitJob(t *testing.T, name string, tags ...string) *queue.Job {
	t.Helper()

	folder := t.TempDir()
	script := "#!/bin/sh\necho hello\n"
	require.NoError(t, os.WriteFile(filepath.Join(folder, "run.sh"), []byte(script), 0755))

	job, err := e.client.Submit(context.Background(), folder, client.SubmitOptions{
		Target: "owner@lab.example",
		Name:   name,
		Tags:   tags,
	})
	require.NoError(t, err)
	return job
}

func (e *jobsTestEnv) do(method, path string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestJobsAPI_List(t *testing.T) {
	env := newJobsTestEnv(t)
	env.submitJob(t, "analysis-a", "genomics")
	env.submitJob(t, "analysis-b")

	rec := env.do(http.MethodGet, "/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp JobListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Count)
	assert.Len(t, resp.Jobs, 2)
}

func TestJobsAPI_ListFiltered(t *testing.T) {
	env := newJobsTestEnv(t)
	tagged := env.submitJob(t, "analysis-a", "genomics")
	env.submitJob(t, "analysis-b")

	rec := env.do(http.MethodGet, "/api/v1/jobs?tag=genomics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp JobListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, tagged.ID, resp.Jobs[0].ID)
}

func TestJobsAPI_ListEmptyIsArray(t *testing.T) {
	env := newJobsTestEnv(t)

	rec := env.do(http.MethodGet, "/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// An empty queue must serialize jobs as [], not null.
	assert.Contains(t, rec.Body.String(), `"jobs":[]`)
}

func TestJobsAPI_ListInvalidFilter(t *testing.T) {
	env := newJobsTestEnv(t)

	rec := env.do(http.MethodGet, "/api/v1/jobs?status=bogus", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "INVALID_FILTER", resp.Error.Code)
}

func TestJobsAPI_Get(t *testing.T) {
	env := newJobsTestEnv(t)
	job := env.submitJob(t, "analysis-a")

	// Short unique prefixes resolve like full ids.
	rec := env.do(http.MethodGet, "/api/v1/jobs/"+job.ID[:8], "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got queue.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, queue.StatusPending, got.Status)
}

func TestJobsAPI_GetUnknown(t *testing.T) {
	env := newJobsTestEnv(t)

	rec := env.do(http.MethodGet, "/api/v1/jobs/ffffffff", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestJobsAPI_Approve(t *testing.T) {
	env := newJobsTestEnv(t)
	job := env.submitJob(t, "analysis-a")

	rec := env.do(http.MethodPost, "/api/v1/jobs/"+job.ID+"/approve", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got queue.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, queue.StatusApproved, got.Status)

	// A second approve hits the state-machine guard.
	rec = env.do(http.MethodPost, "/api/v1/jobs/"+job.ID+"/approve", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "INVALID_TRANSITION", resp.Error.Code)
}

func TestJobsAPI_RejectWithReason(t *testing.T) {
	env := newJobsTestEnv(t)
	job := env.submitJob(t, "analysis-a")

	rec := env.do(http.MethodPost, "/api/v1/jobs/"+job.ID+"/reject",
		`{"reason":"unreviewed dependency"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var got queue.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, queue.StatusRejected, got.Status)
	assert.Equal(t, "unreviewed dependency", got.ErrorMessage)
}

func TestJobsAPI_RejectWithoutBody(t *testing.T) {
	env := newJobsTestEnv(t)
	job := env.submitJob(t, "analysis-a")

	rec := env.do(http.MethodPost, "/api/v1/jobs/"+job.ID+"/reject", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got queue.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, queue.StatusRejected, got.Status)
	assert.Equal(t, client.DefaultRejectReason, got.ErrorMessage)
}

func TestJobsAPI_RejectMalformedBody(t *testing.T) {
	env := newJobsTestEnv(t)
	job := env.submitJob(t, "analysis-a")

	rec := env.do(http.MethodPost, "/api/v1/jobs/"+job.ID+"/reject", "{not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "INVALID_BODY", resp.Error.Code)
}

func TestJobsAPI_Logs(t *testing.T) {
	env := newJobsTestEnv(t)
	job := env.submitJob(t, "analysis-a")

	logsDir := filepath.Dir(env.store.StdoutPath(job.ID))
	require.NoError(t, os.MkdirAll(logsDir, 0755))
	require.NoError(t, os.WriteFile(env.store.StdoutPath(job.ID), []byte("line1\nline2\nline3\n"), 0644))
	require.NoError(t, os.WriteFile(env.store.StderrPath(job.ID), []byte("warn\n"), 0644))

	rec := env.do(http.MethodGet, "/api/v1/jobs/"+job.ID+"/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp JobLogsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, job.ID, resp.JobID)
	assert.Equal(t, "line1\nline2\nline3\n", resp.Stdout)
	assert.Equal(t, "warn\n", resp.Stderr)
}

func TestJobsAPI_LogsTail(t *testing.T) {
	env := newJobsTestEnv(t)
	job := env.submitJob(t, "analysis-a")

	logsDir := filepath.Dir(env.store.StdoutPath(job.ID))
	require.NoError(t, os.MkdirAll(logsDir, 0755))
	require.NoError(t, os.WriteFile(env.store.StdoutPath(job.ID), []byte("line1\nline2\nline3\n"), 0644))

	rec := env.do(http.MethodGet, "/api/v1/jobs/"+job.ID+"/logs?tail=1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp JobLogsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "line3\n", resp.Stdout)
}

func TestJobsAPI_LogsBadTail(t *testing.T) {
	env := newJobsTestEnv(t)
	job := env.submitJob(t, "analysis-a")

	rec := env.do(http.MethodGet, "/api/v1/jobs/"+job.ID+"/logs?tail=many", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "INVALID_TAIL", resp.Error.Code)
}
