package server

import (
	"net/http"
	"strings"

	"github.com/me/kestrel/pkg/model"
)

// taskReport is the body of a worker's task lifecycle report.
type taskReport struct {
	WorkerID string `json:"worker_id"`
}

// taskTarget decodes the path and body shared by the task endpoints.
func taskTarget(w http.ResponseWriter, r *http.Request) (workerID string, jobID int64, taskID int, ok bool) {
	if jobID, ok = jobIDParam(w, r); !ok {
		return
	}
	if taskID, ok = taskIDParam(w, r); !ok {
		return
	}
	var req taskReport
	if ok = decodeBody(w, r, &req); !ok {
		return
	}
	if strings.TrimSpace(req.WorkerID) == "" {
		respondError(w, RequestIDFromContext(r.Context()), http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "worker_id", Message: "worker_id is required"}))
		return "", 0, 0, false
	}
	return req.WorkerID, jobID, taskID, true
}

// handleStartTask records that a worker began a pending task.
// PUT /api/v1/jobs/{id}/tasks/{tid}/start
func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	workerID, jobID, taskID, ok := taskTarget(w, r)
	if !ok {
		return
	}
	if err := s.sched.StartTask(r.Context(), workerID, jobID, taskID); err != nil {
		s.respondSchedulerError(w, r, err)
		return
	}
	respondOK(w, RequestIDFromContext(r.Context()), model.Task{
		JobID:    jobID,
		TaskID:   taskID,
		WorkerID: workerID,
		Status:   model.TaskStatusRunning,
	})
}

// handleFinishTask records that a worker finished a task.
// PUT /api/v1/jobs/{id}/tasks/{tid}/finish
func (s *Server) handleFinishTask(w http.ResponseWriter, r *http.Request) {
	workerID, jobID, taskID, ok := taskTarget(w, r)
	if !ok {
		return
	}
	res, err := s.sched.FinishTask(r.Context(), workerID, jobID, taskID)
	if err != nil {
		s.respondSchedulerError(w, r, err)
		return
	}
	respondOK(w, RequestIDFromContext(r.Context()), res)
}

// handleResetTask returns a task to the queue after its dispatch failed.
// PUT /api/v1/jobs/{id}/tasks/{tid}/reset
func (s *Server) handleResetTask(w http.ResponseWriter, r *http.Request) {
	workerID, jobID, taskID, ok := taskTarget(w, r)
	if !ok {
		return
	}
	res, err := s.sched.ResetTask(r.Context(), workerID, jobID, taskID)
	if err != nil {
		s.respondSchedulerError(w, r, err)
		return
	}
	respondOK(w, RequestIDFromContext(r.Context()), res)
}
