package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

var endpoints = []endpointInfo{
	{"/api/v1/workers", []string{"GET", "POST"}, "List or register workers"},
	{"/api/v1/workers/{id}", []string{"GET", "DELETE"}, "Worker detail with held tasks, or deregister"},
	{"/api/v1/workers/{id}/presence", []string{"PUT"}, "Report presence: available, busy or offline"},
	{"/api/v1/workers/{id}/shutdown", []string{"POST"}, "Ask the worker's agent to exit"},
	{"/api/v1/jobs", []string{"GET", "POST"}, "Submit a job, list active jobs or ?owner= jobs"},
	{"/api/v1/jobs/{id}", []string{"GET"}, "Job status with per-status task counts"},
	{"/api/v1/jobs/{id}/tasks", []string{"GET"}, "Job detail with every task, or those in ?status="},
	{"/api/v1/jobs/{id}/cancel", []string{"PUT"}, "Cancel a job (owner only)"},
	{"/api/v1/jobs/{id}/tasks/{tid}/start", []string{"PUT"}, "Worker began a pending task"},
	{"/api/v1/jobs/{id}/tasks/{tid}/finish", []string{"PUT"}, "Worker finished a task"},
	{"/api/v1/jobs/{id}/tasks/{tid}/reset", []string{"PUT"}, "Dispatch to the worker failed; re-queue the task"},
	{"/api/v1/pool", []string{"GET"}, "Online, available and busy worker counts"},
	{"/api/v1/rematch", []string{"POST"}, "Dispatch queued tasks to available workers"},
	{"/api/v1/clean", []string{"POST"}, "Drop stale available and busy pool members"},
	{"/api/v1/events", []string{"GET"}, "Notification stream (SSE), filter with ?worker=, ?owner=, ?kind="},
	{"/api/v1/health", []string{"GET"}, "Server and store health"},
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "Kestrel API",
		Version:     "v1",
		Description: "Kestrel scheduler: capability-matched dispatch of job tasks to workers",
		Endpoints:   endpoints,
	})
}
