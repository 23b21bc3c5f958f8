// Package server exposes the HTTP surface: debate launch and streaming,
// trace queries, template management and service health.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"dev.helix.reason/internal/broker"
	"dev.helix.reason/internal/config"
	"dev.helix.reason/internal/debate"
	"dev.helix.reason/internal/inference"
	"dev.helix.reason/internal/metrics"
	"dev.helix.reason/internal/templates"
	"dev.helix.reason/internal/trace"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Server wires the HTTP layer to the debate pipeline. It holds no debate
// logic: handlers validate, delegate and shape responses.
type Server struct {
	cfg     *config.Config
	client  *inference.Client
	catalog *templates.Store
	traces  *trace.Store
	orch    *debate.Orchestrator
	events  *broker.Broker
	metrics *metrics.Metrics
	logger  *logrus.Logger

	// runSem caps concurrently running debates; admission bounds the queue
	// of accepted-but-waiting ones on top of that.
	runSem    *semaphore.Weighted
	admission chan struct{}

	baseCtx    context.Context
	baseCancel context.CancelFunc
	httpServer *http.Server
}

// New assembles the server and its router.
func New(cfg *config.Config, client *inference.Client, catalog *templates.Store, traces *trace.Store, orch *debate.Orchestrator, events *broker.Broker, m *metrics.Metrics, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:        cfg,
		client:     client,
		catalog:    catalog,
		traces:     traces,
		orch:       orch,
		events:     events,
		metrics:    m,
		logger:     logger,
		runSem:     semaphore.NewWeighted(cfg.Server.MaxConcurrent),
		admission:  make(chan struct{}, cfg.Server.MaxConcurrent+cfg.Server.AdmissionQueue),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	s.routes(router)

	s.httpServer = &http.Server{
		Addr:        cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// No WriteTimeout: SSE responses stay open for the debate's lifetime.
	}
	return s
}

func (s *Server) routes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/models", s.handleModels)

		api.POST("/reason", s.handleReason)
		api.GET("/reason/:id/stream", s.handleStream)

		api.GET("/traces", s.handleListTraces)
		api.GET("/traces/candidates", s.handleCandidates)
		api.GET("/traces/:id", s.handleGetTrace)
		api.POST("/traces/:id/rate", s.handleRate)

		api.GET("/templates", s.handleListTemplates)
		api.POST("/templates/reindex", s.handleReindex)
	}
	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("HTTP server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, cancels running debates and drains the
// listener within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.baseCancel()
	err := s.httpServer.Shutdown(ctx)
	s.events.Close()
	return err
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start).Round(time.Millisecond).String(),
		}).Debug("Request handled")
	}
}
