package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/codequeue/internal/server/middleware"
	"github.com/3leaps/codequeue/pkg/client"
	"github.com/3leaps/codequeue/pkg/queue"
)

// JobsAPI serves the owner-side jobs surface: listing, inspection, log
// retrieval, and approve/reject decisions. Submission stays CLI-only; the
// HTTP surface never accepts code.
type JobsAPI struct {
	client *client.Client
	log    *zap.Logger
}

// NewJobsAPI creates the jobs API over an existing queue client.
func NewJobsAPI(c *client.Client, log *zap.Logger) *JobsAPI {
	if log == nil {
		log = zap.NewNop()
	}
	return &JobsAPI{client: c, log: log}
}

// Routes registers the jobs endpoints on a router mounted at /api/v1/jobs.
func (a *JobsAPI) Routes(r chi.Router) {
	r.Get("/", a.listJobs)
	r.Get("/{id}", a.getJob)
	r.Get("/{id}/logs", a.getLogs)
	r.Post("/{id}/approve", a.approveJob)
	r.Post("/{id}/reject", a.rejectJob)
}

// JobListResponse is the body of GET /api/v1/jobs.
type JobListResponse struct {
	Jobs  []*queue.Job `json:"jobs"`
	Count int          `json:"count"`
}

// JobLogsResponse is the body of GET /api/v1/jobs/{id}/logs.
type JobLogsResponse struct {
	JobID  string `json:"job_id"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// RejectRequest is the optional body of POST /api/v1/jobs/{id}/reject.
type RejectRequest struct {
	Reason string `json:"reason"`
}

func (a *JobsAPI) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cfg := &queue.FilterConfig{
		Status:    q.Get("status"),
		Target:    q.Get("target"),
		Requester: q.Get("requester"),
		Tag:       q.Get("tag"),
	}

	filters, err := queue.NewFiltersFromConfig(cfg, time.Now().UTC())
	if err != nil {
		middleware.RespondError(w, r, http.StatusBadRequest,
			"INVALID_FILTER", err.Error(), nil)
		return
	}

	jobs, err := a.client.ListJobs(r.Context(), filters...)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}

	writeJSON(w, http.StatusOK, JobListResponse{Jobs: jobs, Count: len(jobs)})
}

func (a *JobsAPI) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.client.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *JobsAPI) getLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := a.client.GetJob(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	stdout, stderr, err := a.client.Logs(r.Context(), job.ID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	if tail := r.URL.Query().Get("tail"); tail != "" {
		n, err := strconv.Atoi(tail)
		if err != nil || n < 0 {
			middleware.RespondError(w, r, http.StatusBadRequest,
				"INVALID_TAIL", "tail must be a non-negative integer", nil)
			return
		}
		stdout, err = a.client.TailLogs(r.Context(), job.ID, n, false)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		stderr, err = a.client.TailLogs(r.Context(), job.ID, n, true)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, JobLogsResponse{
		JobID:  job.ID,
		Stdout: stdout,
		Stderr: stderr,
	})
}

func (a *JobsAPI) approveJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := a.client.Approve(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	a.log.Info("job approved via api",
		zap.String("job_id", job.ID),
		zap.String("request_id", middleware.GetRequestID(r.Context())))

	writeJSON(w, http.StatusOK, job)
}

func (a *JobsAPI) rejectJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req RejectRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.RespondError(w, r, http.StatusBadRequest,
				"INVALID_BODY", "reject body must be JSON", nil)
			return
		}
	}

	job, err := a.client.Reject(r.Context(), id, req.Reason)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	a.log.Info("job rejected via api",
		zap.String("job_id", job.ID),
		zap.String("reason", job.ErrorMessage),
		zap.String("request_id", middleware.GetRequestID(r.Context())))

	writeJSON(w, http.StatusOK, job)
}
