// Package api exposes the orchestrator over HTTP: job intake and
// queries for clients, the registration/heartbeat/poll surface for
// agents, and the claim/progress/report surface batches run through.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/questgrid/dispatch/pkg/config"
	"github.com/questgrid/dispatch/pkg/services"
	"github.com/questgrid/dispatch/pkg/store"
	"github.com/questgrid/dispatch/pkg/supervisor"
)

// Server wires the service layer into HTTP routes.
type Server struct {
	cfg        *config.Config
	store      store.Store
	intake     *services.IntakeService
	jobs       *services.JobService
	agents     *services.AgentService
	metrics    *services.MetricsService
	supervisor *supervisor.Supervisor

	http *http.Server
}

// NewServer creates the API server.
func NewServer(
	cfg *config.Config,
	st store.Store,
	intake *services.IntakeService,
	jobs *services.JobService,
	agents *services.AgentService,
	metrics *services.MetricsService,
	sup *supervisor.Supervisor,
) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		intake:     intake,
		jobs:       jobs,
		agents:     agents,
		metrics:    metrics,
		supervisor: sup,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), securityHeaders())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", s.handleMetrics)

	r.POST("/jobs", s.handleSubmit)
	r.GET("/jobs", s.handleListJobs)
	r.GET("/jobs/:id", s.handleGetJob)
	r.GET("/jobs/:id/audit", s.handleJobAudit)
	r.POST("/jobs/:id/cancel", s.handleCancelJob)

	r.POST("/agents", s.handleRegisterAgent)
	r.POST("/agents/:id/heartbeat", s.handleHeartbeat)
	r.POST("/agents/:id/poll", s.handlePoll)
	r.POST("/agents/:id/drain", s.handleDrain)

	r.POST("/batches/:id/claim", s.handleClaim)
	r.POST("/batches/:id/progress", s.handleProgress)
	r.POST("/batches/:id/report", s.handleReport)

	return r
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:    s.cfg.BindAddr,
		Handler: s.Router(),
	}
	slog.Info("API server listening", "addr", s.cfg.BindAddr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the context's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
