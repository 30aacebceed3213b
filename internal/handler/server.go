package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"github.com/thedatagata/aep-event-forwarder/internal/config"
	"github.com/thedatagata/aep-event-forwarder/internal/observability"
)

// ginModeOnce ensures gin.SetMode is only called once.
var ginModeOnce sync.Once

// maxEventBytes caps the inbound request body.
const maxEventBytes = 10 << 20

// Server is the HTTP surface of the forwarder.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	adapter    *Adapter
	logger     observability.Logger
	metrics    *observability.Metrics
	limiter    atomic.Pointer[RateLimiter]

	mu      sync.Mutex
	running bool
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(
	cfg *config.ServerConfig,
	adapter *Adapter,
	logger observability.Logger,
	metrics *observability.Metrics,
) *Server {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		engine:  gin.New(),
		adapter: adapter,
		logger:  logger,
		metrics: metrics,
	}

	if cfg.RateLimit.Enabled {
		s.limiter.Store(NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, cfg.RateLimit.PerClient))
	}

	s.engine.Use(
		RequestID(),
		RequestLogger(logger),
		Recovery(logger),
	)
	if metrics != nil {
		s.engine.Use(MetricsMiddleware(metrics))
	}
	s.engine.Use(s.rateLimitMiddleware())

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:           cfg.Listen,
		Handler:        s.engine,
		MaxHeaderBytes: 1 << 20,
	}

	return s
}

// rateLimitMiddleware applies the current rate limiter, which may be
// swapped at runtime by a config reload.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rl := s.limiter.Load()
		if rl == nil {
			c.Next()
			return
		}
		RateLimit(rl, s.logger, s.metrics)(c)
	}
}

// ApplyConfig applies the reloadable subset of a new server config.
func (s *Server) ApplyConfig(cfg *config.ServerConfig) {
	if cfg.RateLimit.Enabled {
		s.limiter.Store(NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, cfg.RateLimit.PerClient))
	} else {
		s.limiter.Store(nil)
	}
}

// registerRoutes wires the endpoints.
func (s *Server) registerRoutes() {
	s.engine.POST("/events", s.handleEvent)
	s.engine.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
}

// handleEvent adapts an HTTP request to a trigger-style invocation.
func (s *Server) handleEvent(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxEventBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Could not read request body"})
		return
	}

	resp := s.adapter.Handle(c.Request.Context(), payload)
	c.Data(resp.StatusCode, "application/json", resp.Body)
}

// handleHealth reports liveness.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Engine returns the underlying gin engine, primarily for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting HTTP server",
		observability.String("address", s.httpServer.Addr),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Stop stops the HTTP server gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping HTTP server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}
