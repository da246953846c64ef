package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/command"
	"github.com/corralhq/corral/pkg/doctor"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/queue"
	"github.com/corralhq/corral/pkg/registry"
	"github.com/corralhq/corral/pkg/scaler"
	"github.com/corralhq/corral/pkg/store"
	"github.com/corralhq/corral/pkg/vision"
)

// Server exposes the control plane over HTTP and WebSocket. Handlers
// are thin: parse, delegate to a component, map the error.
type Server struct {
	store      store.Store
	registry   *registry.Registry
	queue      *queue.Queue
	vision     *vision.Scheduler
	doctor     *doctor.Doctor
	scaler     *scaler.Scaler
	dispatcher *command.Dispatcher
	logger     zerolog.Logger

	engine *gin.Engine
	http   *http.Server
}

// Deps bundles the components the API surfaces
type Deps struct {
	Store      store.Store
	Registry   *registry.Registry
	Queue      *queue.Queue
	Vision     *vision.Scheduler
	Doctor     *doctor.Doctor
	Scaler     *scaler.Scaler
	Dispatcher *command.Dispatcher
}

// NewServer creates the HTTP server and wires all routes
func NewServer(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		store:      deps.Store,
		registry:   deps.Registry,
		queue:      deps.Queue,
		vision:     deps.Vision,
		doctor:     deps.Doctor,
		scaler:     deps.Scaler,
		dispatcher: deps.Dispatcher,
		logger:     log.WithComponent("api"),
		engine:     gin.New(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.engine
	r.Use(gin.Recovery())
	r.Use(requestMetrics())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	r.Use(cors.New(corsCfg))

	r.GET("/health", s.handleHealth)
	r.GET("/api/status", s.handleStatus)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Worker agent surface
	nodes := r.Group("/nodes")
	{
		nodes.POST("/register", s.handleRegister)
		nodes.GET("", s.handleListNodes)
		nodes.GET("/:id", s.handleGetNode)
		nodes.DELETE("/:id", s.handleDeregister)
		nodes.POST("/:id/heartbeat", s.handleHeartbeat)
		nodes.POST("/:id/power-history/query", s.handlePowerHistory)
		nodes.POST("/:id/command", s.handleCommand)
		nodes.GET("/:id/health", s.handleNodeHealth)
	}

	// Job queue surface
	q := r.Group("/queue")
	{
		q.POST("/jobs", s.handleSubmitJob)
		q.POST("/jobs/batch", s.handleSubmitBatch)
		q.POST("/jobs/cancel-batch", s.handleCancelBatch)
		q.GET("/jobs", s.handleListJobs)
		q.GET("/jobs/:id", s.handleGetJob)
		q.DELETE("/jobs/:id", s.handleCancelJob)
		q.POST("/jobs/:id/retry", s.handleRetryJob)
		q.GET("/stats", s.handleQueueStats)
		q.POST("/purge", s.handlePurgeJobs)
	}

	// Worker pull surface
	r.POST("/claim", s.handleClaim)
	r.POST("/complete/:job_id", s.handleComplete)
	r.POST("/progress/:job_id", s.handleProgress)

	// Vision scheduler surface
	v := r.Group("/vision")
	{
		v.POST("/generate", s.handleVisionGenerate)
		v.GET("/jobs/:id", s.handleVisionJob)
		v.DELETE("/jobs/:id", s.handleVisionCancel)
		v.GET("/status", s.handleVisionStatus)
		v.GET("/nodes", s.handleVisionNodes)
		v.POST("/nodes/heartbeat", s.handleVisionHeartbeat)
		v.POST("/models/switch/:node_id", s.handleModelSwitch)
	}

	// Doctor surface
	d := r.Group("/api/doctor")
	{
		d.GET("/status", s.handleDoctorStatus)
		d.GET("/problems", s.handleDoctorProblems)
		d.GET("/history", s.handleDoctorHistory)
		d.GET("/config", s.handleDoctorConfig)
		d.PUT("/config", s.handleDoctorConfigUpdate)
	}

	// Scaler surface
	sc := r.Group("/api/scaler")
	{
		sc.GET("/state", s.handleScalerState)
		sc.GET("/history", s.handleScalerHistory)
		sc.GET("/config", s.handleScalerConfig)
		sc.PUT("/config", s.handleScalerConfigUpdate)
	}

	// Maintenance surface, targeted by the doctor's executor
	m := r.Group("/api/maintenance")
	{
		m.POST("/disk/cleanup", s.handleDiskCleanup)
		m.POST("/restart-agent", s.handleRestartAgent)
		m.POST("/fix-s3-mounts", s.handleFixS3Mounts)
		m.POST("/health-check", s.handleHealthCheck)
		m.POST("/prune-docker", s.handlePruneDocker)
		m.POST("/retry-job", s.handleRetryDeadJob)
	}

	// Event streams
	ws := r.Group("/ws")
	{
		ws.GET("/metrics", s.handleWSMetrics)
		ws.GET("/doctor", s.handleWSDoctor)
		ws.GET("/alerts", s.handleWSAlerts)
		ws.GET("/logs/:node_id", s.handleWSLogs)
	}
}

// Start begins serving on addr. Blocks until the listener fails or
// Stop is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("API server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %v", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}

// handleStatus returns a one-call fleet overview for dashboards
func (s *Server) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()

	summary, err := s.registry.Summary(ctx)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	stats, err := s.queue.GetStats(ctx)
	if err != nil {
		s.respondErr(c, err)
		return
	}

	out := gin.H{
		"fleet": summary,
		"queue": stats,
	}
	if vs, err := s.vision.GetStatus(ctx); err == nil {
		out["vision"] = vs
	}
	if ds, err := s.doctor.GetStatus(ctx); err == nil {
		out["doctor"] = ds
	}
	if state, err := s.scaler.GetState(ctx); err == nil {
		out["scaler"] = state
	}
	c.JSON(http.StatusOK, out)
}
