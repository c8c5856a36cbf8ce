// Package api implements the HTTP/WebSocket boundary (spec §6): job
// submission and lifecycle, session metadata and image serving, local
// service control, and the progress WebSocket protocol.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jflournoy/beamsearch/pkg/config"
	"github.com/jflournoy/beamsearch/pkg/gpu"
	"github.com/jflournoy/beamsearch/pkg/job"
	"github.com/jflournoy/beamsearch/pkg/progress"
	"github.com/jflournoy/beamsearch/pkg/store"
	"github.com/jflournoy/beamsearch/pkg/supervisor"
	"github.com/jflournoy/beamsearch/pkg/version"
)

// Server is the HTTP API server wiring every spec §6 endpoint to its
// backing component.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server

	cfg        *config.Config
	jobs       *job.Manager
	bus        *progress.Bus
	store      *store.Store
	supervisor *supervisor.Supervisor
	gpu        *gpu.Coordinator
}

// NewServer creates a Server and registers all routes.
func NewServer(cfg *config.Config, jobs *job.Manager, bus *progress.Bus, st *store.Store, sup *supervisor.Supervisor, coord *gpu.Coordinator) *Server {
	e := gin.New()
	e.Use(gin.Recovery())

	s := &Server{
		engine:     e,
		cfg:        cfg,
		jobs:       jobs,
		bus:        bus,
		store:      st,
		supervisor: sup,
		gpu:        coord,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.healthHandler)

	s.engine.POST("/api/beam-search", s.submitJobHandler)
	s.engine.POST("/api/jobs/:jobId/cancel", s.cancelJobHandler)
	s.engine.GET("/api/jobs/:jobId", s.jobStatusHandler)
	s.engine.GET("/api/jobs/:jobId/metadata", s.jobMetadataHandler)
	s.engine.GET("/api/jobs", s.listJobsHandler)
	s.engine.GET("/api/images/:sessionId/:filename", s.imageHandler)

	s.engine.GET("/api/services/status", s.servicesStatusHandler)
	s.engine.GET("/api/gpu/status", s.gpuStatusHandler)
	s.engine.POST("/api/services/:name/start", s.serviceStartHandler)
	s.engine.POST("/api/services/:name/stop", s.serviceStopHandler)
	s.engine.POST("/api/services/:name/restart", s.serviceRestartHandler)
	s.engine.DELETE("/api/services/:name/stop-lock", s.serviceDeleteStopLockHandler)
	s.engine.GET("/api/services/stop-locks", s.serviceStopLocksHandler)

	// The WebSocket protocol is accepted on any path (spec §6), so /ws is
	// just the conventional one; unmatched paths fall back to the same
	// upgrade attempt rather than a 404.
	s.engine.GET("/ws", s.websocketHandler)
	s.engine.NoRoute(s.websocketHandler)
}

// Start starts the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{Status: "ok", Version: version.Full(), Timestamp: time.Now()})
}
