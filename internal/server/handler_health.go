package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/me/kestrel/pkg/model"
)

// Version is reported by /health and the discovery document.
const Version = "0.1.0"

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	GoVersion   string `json:"go_version"`
	Uptime      string `json:"uptime"`
	Store       string `json:"store"`
	StoreStatus string `json:"store_status"`
	Policy      string `json:"policy"`
	QueueDepth  int    `json:"queue_depth"`
	Subscribers int    `json:"subscribers"`
}

// handleHealth reports liveness. A store that fails to answer a ping makes
// the server unhealthy.
// GET /api/v1/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	resp := healthResponse{
		Status:      "healthy",
		Version:     Version,
		GoVersion:   runtime.Version(),
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		Store:       s.sched.StoreName(),
		StoreStatus: "ok",
		Policy:      s.sched.Config().Policy.Name(),
		QueueDepth:  s.sched.QueueDepth(),
		Subscribers: s.sched.Events().Subscribers(),
	}
	status := http.StatusOK
	if err := s.sched.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", "error", err)
		resp.Status = "unhealthy"
		resp.StoreStatus = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeEnvelope(w, status, model.Response{RequestID: reqID, Data: resp})
}
