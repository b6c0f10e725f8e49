// Package server exposes the runtime over HTTP: flow validation and runs,
// script checks, state-machine control, historian queries and the live
// websocket stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/plantflow/flowengine/internal/historian"
	"github.com/plantflow/flowengine/internal/host"
	"github.com/plantflow/flowengine/internal/hub"
	"github.com/plantflow/flowengine/internal/scripting"
	"github.com/plantflow/flowengine/internal/tags"
	"github.com/plantflow/flowengine/internal/variables"
	"github.com/plantflow/flowengine/pkg/config"
	"github.com/plantflow/flowengine/pkg/logger"
	"github.com/plantflow/flowengine/pkg/metrics"
	"github.com/plantflow/flowengine/pkg/ratelimit"
	"github.com/plantflow/flowengine/pkg/telemetry"
)

type Deps struct {
	Host    *host.Host
	Scripts *scripting.Engine
	// History answers /history/query. Optional.
	History historian.Reader
	// Hub serves /ws. Optional.
	Hub       *hub.Hub
	Tags      tags.Access
	Variables variables.Store
	Telemetry *telemetry.Telemetry
	// Limiter throttles /api/v1 per client IP. Optional.
	Limiter ratelimit.RateLimiter
}

type Server struct {
	config     config.ServerConfig
	logger     logger.Logger
	httpServer *http.Server
	router     *gin.Engine
}

func New(cfg config.ServerConfig, deps Deps, log logger.Logger) (*Server, error) {
	if deps.Host == nil {
		return nil, errors.New("server: host is required")
	}
	if deps.Scripts == nil {
		deps.Scripts = scripting.NewEngine(scripting.DefaultConfig(), log)
	}
	if log == nil {
		log = logger.NewNop()
	}
	log = log.With("component", "server")

	h := &handlers{deps: deps, logger: log}
	router := setupRouter(h, deps, log)

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	}

	return &Server{
		config:     cfg,
		logger:     log,
		httpServer: httpServer,
		router:     router,
	}, nil
}

// Handler returns the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func setupRouter(h *handlers, deps Deps, log logger.Logger) *gin.Engine {
	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	if deps.Telemetry != nil {
		router.Use(deps.Telemetry.HTTPMiddleware())
	}
	router.Use(corsMiddleware())
	router.Use(loggingMiddleware(log))

	// Health checks
	router.GET("/health/live", h.Live)
	router.GET("/health/ready", h.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	if deps.Limiter != nil {
		v1.Use(ratelimit.Middleware(deps.Limiter, ratelimit.IPKeyFunc))
	}
	{
		v1.GET("/nodes", h.ListNodeTypes)

		v1.GET("/flows", h.ListFlows)
		v1.POST("/flows/validate", h.ValidateFlow)
		v1.POST("/flows/:id/run", h.RunFlow)
		v1.POST("/reload", h.Reload)

		v1.POST("/scripts/validate", h.ValidateScript)
		v1.POST("/scripts/execute", h.ExecuteScript)

		v1.GET("/statemachines", h.ListStateMachines)
		v1.GET("/statemachines/:id", h.GetStateMachine)
		v1.POST("/statemachines/:id/events", h.FireEvent)

		v1.POST("/history/query", h.QueryHistory)

		if deps.Hub != nil {
			v1.GET("/ws", gin.WrapF(deps.Hub.ServeWS))
		}
	}

	return router
}

func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func loggingMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(statusCode), latency.Seconds())

		if raw != "" {
			path = path + "?" + raw
		}
		log.Info("HTTP Request",
			"method", c.Request.Method,
			"path", path,
			"status", statusCode,
			"latency", latency,
			"ip", c.ClientIP(),
		)
	}
}
