package server

import (
	"net/http"
	"strings"

	"github.com/me/kestrel/pkg/model"
)

// handleSubmitJob creates a job and dispatches what it can right away.
// POST /api/v1/jobs
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var spec model.JobSpec
	if !decodeBody(w, r, &spec) {
		return
	}

	res, err := s.sched.SubmitJob(r.Context(), spec)
	if err != nil {
		s.respondSchedulerError(w, r, err)
		return
	}
	s.logger.Info("job submitted",
		"job_id", res.JobID, "owner", spec.Owner, "size", spec.Size, "dispatched", len(res.Dispatched))
	respondCreated(w, RequestIDFromContext(r.Context()), res)
}

// handleListJobs lists active jobs, or every job of ?owner=.
// GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var (
		jobs []model.JobReport
		err  error
	)
	if owner := strings.TrimSpace(r.URL.Query().Get("owner")); owner != "" {
		jobs, err = s.sched.OwnerJobs(r.Context(), owner)
	} else {
		jobs, err = s.sched.ActiveJobs(r.Context())
	}
	if err != nil {
		s.respondSchedulerError(w, r, err)
		return
	}
	respondPage(w, RequestIDFromContext(r.Context()), jobs, listOptions(r))
}

// handleGetJob reports one job.
// GET /api/v1/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	report, err := s.sched.JobStatus(r.Context(), id)
	if err != nil {
		s.respondSchedulerError(w, r, err)
		return
	}
	respondOK(w, RequestIDFromContext(r.Context()), report)
}

// handleGetJobTasks returns the job record with every task's state, or only
// the tasks in ?status=.
// GET /api/v1/jobs/{id}/tasks
func (s *Server) handleGetJobTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	var status model.TaskStatus
	if v := strings.TrimSpace(r.URL.Query().Get("status")); v != "" {
		status = model.TaskStatus(v)
		if !status.IsValid() {
			respondError(w, RequestIDFromContext(r.Context()), http.StatusBadRequest,
				model.NewValidationError("invalid query parameter",
					model.FieldError{Field: "status", Message: "unknown task status " + v}))
			return
		}
	}
	detail, err := s.sched.JobDetail(r.Context(), id)
	if err != nil {
		s.respondSchedulerError(w, r, err)
		return
	}
	if status != "" {
		tasks := make([]model.Task, 0, len(detail.Tasks))
		for _, t := range detail.Tasks {
			if t.Status == status {
				tasks = append(tasks, t)
			}
		}
		detail.Tasks = tasks
	}
	respondOK(w, RequestIDFromContext(r.Context()), detail)
}

// handleCancelJob cancels a job on behalf of its owner.
// PUT /api/v1/jobs/{id}/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	var req struct {
		Requester string `json:"requester"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Requester) == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "requester", Message: "requester is required"}))
		return
	}

	res, err := s.sched.CancelJob(r.Context(), id, req.Requester)
	if err != nil {
		s.respondSchedulerError(w, r, err)
		return
	}
	s.logger.Info("job cancelled", "job_id", id, "cancel_requests", len(res.Requests))
	respondOK(w, reqID, res)
}

// handlePool summarizes the worker pools.
// GET /api/v1/pool
func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.sched.PoolStatus(r.Context())
	if err != nil {
		s.respondSchedulerError(w, r, err)
		return
	}
	respondOK(w, RequestIDFromContext(r.Context()), pool)
}

// handleRematch dispatches queued tasks of the listed jobs, or of every
// matchable job when the list is empty.
// POST /api/v1/rematch
func (s *Server) handleRematch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobIDs []int64 `json:"job_ids"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	assigned, err := s.sched.Rematch(r.Context(), req.JobIDs...)
	if err != nil {
		s.respondSchedulerError(w, r, err)
		return
	}
	if assigned == nil {
		assigned = []model.TaskRef{}
	}
	respondOK(w, RequestIDFromContext(r.Context()), map[string]any{"assigned": assigned})
}

// handleClean drops stale members of the available and busy pools.
// POST /api/v1/clean
func (s *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	n, err := s.sched.Clean(r.Context())
	if err != nil {
		s.respondSchedulerError(w, r, err)
		return
	}
	respondOK(w, RequestIDFromContext(r.Context()), map[string]int{"removed": n})
}
