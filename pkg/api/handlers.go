package api

import (
	"net/http"
	"os"
	"regexp"

	"github.com/gin-gonic/gin"

	"github.com/jflournoy/beamsearch/pkg/config"
	"github.com/jflournoy/beamsearch/pkg/orchestrator"
	"github.com/jflournoy/beamsearch/pkg/supervisor"
)

var (
	sessionIDPattern = regexp.MustCompile(`^ses-\d{6}$`)
	filenamePattern  = regexp.MustCompile(`^[A-Za-z0-9_\-.]+\.png$`)
)

// submitRequest is the wire shape of POST /api/beam-search. Pointer
// fields distinguish "omitted" (fall back to config defaults) from an
// explicit zero value.
type submitRequest struct {
	Prompt      string   `json:"prompt" binding:"required"`
	N           *int     `json:"n"`
	M           *int     `json:"m"`
	Iterations  *int     `json:"iterations"`
	Alpha       *float64 `json:"alpha"`
	Temperature *float64 `json:"temperature"`
	Steps       int      `json:"steps"`
	Guidance    float64  `json:"guidance"`
	Seed        *int64   `json:"seed"`
}

func (r submitRequest) toParams(defaults config.BeamSearchDefaults) orchestrator.Params {
	p := orchestrator.Params{
		Prompt:   r.Prompt,
		N:        defaults.BeamWidth,
		M:        defaults.KeepTop,
		Steps:    r.Steps,
		Guidance: r.Guidance,
		Seed:     r.Seed,

		Iterations:  defaults.Iterations,
		Alpha:       defaults.Alpha,
		Temperature: defaults.Temperature,
	}
	if r.N != nil {
		p.N = *r.N
	}
	if r.M != nil {
		p.M = *r.M
	}
	if r.Iterations != nil {
		p.Iterations = *r.Iterations
	}
	if r.Alpha != nil {
		p.Alpha = *r.Alpha
	}
	if r.Temperature != nil {
		p.Temperature = *r.Temperature
	}
	return p
}

func (s *Server) submitJobHandler(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt: must not be empty", "field": "prompt"})
		return
	}

	params := req.toParams(s.cfg.Defaults)
	snap, err := s.jobs.Submit(params)
	if err != nil {
		status, body := mapError(err)
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobId":  snap.JobID,
		"status": snap.Status,
		"params": snap.Params,
	})
}

func (s *Server) cancelJobHandler(c *gin.Context) {
	jobID := c.Param("jobId")
	if err := s.jobs.Cancel(jobID); err != nil {
		status, body := mapError(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) jobStatusHandler(c *gin.Context) {
	jobID := c.Param("jobId")
	snap, err := s.jobs.Status(jobID)
	if err != nil {
		status, body := mapError(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) jobMetadataHandler(c *gin.Context) {
	jobID := c.Param("jobId")
	meta, err := s.jobs.Metadata(jobID)
	if err != nil {
		status, body := mapError(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) listJobsHandler(c *gin.Context) {
	sessions, err := s.store.ListSessions()
	if err != nil {
		status, body := mapError(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) imageHandler(c *gin.Context) {
	sessionID := c.Param("sessionId")
	filename := c.Param("filename")

	if !sessionIDPattern.MatchString(sessionID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	if !filenamePattern.MatchString(filename) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filename"})
		return
	}

	data, err := s.store.GetImage(sessionID, filename)
	if err != nil {
		status, body := mapError(err)
		c.JSON(status, body)
		return
	}

	c.Header("Cache-Control", "public, max-age=3600")
	c.Data(http.StatusOK, "image/png", data)
}

func (s *Server) servicesStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.supervisor.GetAllStatuses())
}

// gpuStatusHandler reports which service family currently holds GPU
// residency, if any. Not part of the original endpoint table; added
// because the GPU coordinator's residency state is otherwise invisible
// to operators debugging a stuck eviction.
func (s *Server) gpuStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"resident": s.gpu.Resident()})
}

// StartOptionsFor derives supervisor.StartOptions for name from cfg,
// supporting the flux service's local-model env vars only for flux —
// no new config schema is introduced for the other three services,
// which always run the hosted path or a plain command with no model
// path fields. Exported so cmd/beamsearch can derive the same options
// when the GPU coordinator needs to restart a service after eviction.
func StartOptionsFor(name config.ServiceName, svcCfg config.ServiceConfig) supervisor.StartOptions {
	opts := supervisor.StartOptions{Command: svcCfg.StartCommand, Args: svcCfg.StartArgs}
	if name != config.ServiceFlux {
		return opts
	}
	opts.ModelPath = os.Getenv("FLUX_MODEL_PATH")
	opts.TextEncoderPath = os.Getenv("FLUX_TEXT_ENCODER_PATH")
	opts.TextEncoder2Path = os.Getenv("FLUX_TEXT_ENCODER_2_PATH")
	opts.VAEPath = os.Getenv("FLUX_VAE_PATH")
	return opts
}

func (s *Server) serviceStartHandler(c *gin.Context) {
	name := config.ServiceName(c.Param("name"))
	if !name.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown service name"})
		return
	}
	svcCfg, ok := s.cfg.ServiceConfig(name)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service not configured"})
		return
	}
	if s.supervisor.IsRunning(name) {
		c.JSON(http.StatusConflict, gin.H{"error": "already running"})
		return
	}

	opts := StartOptionsFor(name, svcCfg)
	if err := s.supervisor.Start(c.Request.Context(), name, opts); err != nil {
		status, body := mapError(err)
		c.JSON(status, body)
		return
	}

	pid, _ := s.supervisor.GetPID(name)
	c.JSON(http.StatusOK, gin.H{"pid": pid, "port": svcCfg.Port})
}

func (s *Server) serviceStopHandler(c *gin.Context) {
	name := config.ServiceName(c.Param("name"))
	if !name.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown service name"})
		return
	}
	if err := s.supervisor.StopUser(c.Request.Context(), name); err != nil {
		status, body := mapError(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) serviceRestartHandler(c *gin.Context) {
	name := config.ServiceName(c.Param("name"))
	if !name.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown service name"})
		return
	}
	if err := s.supervisor.Restart(c.Request.Context(), name); err != nil {
		status, body := mapError(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) serviceDeleteStopLockHandler(c *gin.Context) {
	name := config.ServiceName(c.Param("name"))
	if !name.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown service name"})
		return
	}
	if !s.supervisor.HasStopLock(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no stop lock"})
		return
	}
	if err := s.supervisor.DeleteStopLock(name); err != nil {
		status, body := mapError(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) serviceStopLocksHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.supervisor.GetAllStopLocks())
}
