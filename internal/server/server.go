package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/kestrel/internal/config"
	"github.com/me/kestrel/internal/scheduler"
)

// DefaultHeartbeat is the interval between SSE keep-alive comments.
const DefaultHeartbeat = 15 * time.Second

// Server is the Kestrel REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	sched     *scheduler.Scheduler
	keys      *WorkerKeyConfig
	heartbeat time.Duration
	eventBuf  int
}

// Option configures optional Server behaviour.
type Option func(*Server)

// WithWorkerKeys overrides the worker keys taken from the configuration.
func WithWorkerKeys(keys *WorkerKeyConfig) Option {
	return func(s *Server) {
		s.keys = keys
	}
}

// WithHeartbeat sets the SSE keep-alive interval.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithEventBuffer sets the per-stream notification buffer.
func WithEventBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.eventBuf = n
		}
	}
}

// New creates a new Server with all routes registered. The scheduler must be
// running for requests to be served.
func New(cfg config.ServerConfig, sched *scheduler.Scheduler, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		sched:     sched,
		keys:      LoadWorkerKeyConfig(cfg.WorkerKeys),
		heartbeat: DefaultHeartbeat,
		eventBuf:  64,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(tracingMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		r.Route("/workers", func(r chi.Router) {
			r.Use(workerAuthMiddleware(s.keys, s.logger))
			r.Get("/", s.handleListWorkers)
			r.Post("/", s.handleRegisterWorker)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetWorker)
				r.Delete("/", s.handleDeregisterWorker)
				r.Put("/presence", s.handleSetPresence)
				r.Post("/shutdown", s.handleShutdownWorker)
			})
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleSubmitJob)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Route("/tasks", func(r chi.Router) {
					r.Get("/", s.handleGetJobTasks)
					r.Route("/{tid}", func(r chi.Router) {
						r.Use(workerAuthMiddleware(s.keys, s.logger))
						r.Put("/start", s.handleStartTask)
						r.Put("/finish", s.handleFinishTask)
						r.Put("/reset", s.handleResetTask)
					})
				})
				r.Put("/cancel", s.handleCancelJob)
			})
		})

		r.Get("/pool", s.handlePool)
		r.Post("/rematch", s.handleRematch)
		r.Post("/clean", s.handleClean)

		r.Get("/events", s.handleEvents)
	})
}
