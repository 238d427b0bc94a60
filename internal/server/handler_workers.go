package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/me/kestrel/pkg/model"
)

// handleRegisterWorker records a worker and its capabilities.
// POST /api/v1/workers
func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		ID           string   `json:"id"`
		Capabilities []string `json:"capabilities"`
		MaxTasks     int      `json:"max_tasks"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "id", Message: "id is required"}))
		return
	}
	if req.MaxTasks < 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid field",
				model.FieldError{Field: "max_tasks", Message: "max_tasks must not be negative"}))
		return
	}

	auth := WorkerAuthFromContext(r.Context())
	if bad := auth.Disallowed(req.Capabilities); len(bad) > 0 {
		s.logger.Warn("worker claimed capabilities outside its key",
			"worker_id", req.ID, "key_hash", auth.KeyID, "capabilities", bad)
		respondError(w, reqID, http.StatusForbidden, &model.APIError{
			Code:    model.ErrUnauthorized,
			Message: "worker key does not allow capabilities: " + strings.Join(bad, ", "),
		})
		return
	}

	worker, err := s.sched.RegisterWorker(r.Context(), req.ID, req.Capabilities, req.MaxTasks)
	if err != nil {
		s.respondSchedulerError(w, r, err)
		return
	}
	s.logger.Info("worker registered", "worker_id", worker.ID, "capabilities", worker.Capabilities)
	respondCreated(w, reqID, worker)
}

// handleListWorkers returns every registered worker.
// GET /api/v1/workers
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	workers, err := s.sched.Workers(r.Context())
	if err != nil {
		s.respondSchedulerError(w, r, err)
		return
	}
	respondPage(w, reqID, workers, listOptions(r))
}

// handleGetWorker returns one worker with the tasks it holds.
// GET /api/v1/workers/{id}
func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	detail, err := s.sched.Worker(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondSchedulerError(w, r, err)
		return
	}
	respondOK(w, RequestIDFromContext(r.Context()), detail)
}

// handleDeregisterWorker takes a worker offline and forgets it.
// DELETE /api/v1/workers/{id}
func (s *Server) handleDeregisterWorker(w http.ResponseWriter, r *http.Request) {
	res, err := s.sched.DeregisterWorker(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondSchedulerError(w, r, err)
		return
	}
	s.logger.Info("worker deregistered", "worker_id", res.WorkerID, "affected_jobs", res.AffectedJobs)
	respondOK(w, RequestIDFromContext(r.Context()), res)
}

// handleSetPresence applies a presence change.
// PUT /api/v1/workers/{id}/presence
func (s *Server) handleSetPresence(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req struct {
		State string `json:"state"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	state, ok := model.ParseWorkerState(strings.ToLower(strings.TrimSpace(req.State)))
	if !ok {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid presence state",
				model.FieldError{Field: "state", Message: "state must be available, busy or offline"}))
		return
	}

	res, err := s.sched.SetPresence(r.Context(), id, state)
	if err != nil {
		s.respondSchedulerError(w, r, err)
		return
	}
	s.logger.Debug("presence changed", "worker_id", id, "state", state)
	respondOK(w, reqID, res)
}

// handleShutdownWorker asks a worker's agent to exit.
// POST /api/v1/workers/{id}/shutdown
func (s *Server) handleShutdownWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.RequestShutdown(r.Context(), id); err != nil {
		s.respondSchedulerError(w, r, err)
		return
	}
	s.logger.Info("worker shutdown requested", "worker_id", id,
		"key_hash", WorkerAuthFromContext(r.Context()).KeyID)
	writeEnvelope(w, http.StatusAccepted, model.Response{
		RequestID: RequestIDFromContext(r.Context()),
		Data:      map[string]string{"worker_id": id},
	})
}
