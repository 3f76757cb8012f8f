package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	mw "github.com/tphakala/audiograph/internal/api/middleware"
	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/conf"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/logger"
	"github.com/tphakala/audiograph/internal/nodetype"
	"github.com/tphakala/audiograph/internal/observability"
)

// Engine is the part of an audiograph.Engine the server controls.
type Engine interface {
	ID() string
	Registry() *nodetype.Registry
	Update(next graph.Graph, reset bool) error
	Play() error
	Pause() error
	Stop() error
	Playing() bool
	Closed() bool
	State() string
	Graph() graph.Graph
	LiveIDs() []graph.NodeID
	Connections() []graph.EdgeID
	Context() audio.Context
	Levels() audio.Levels
}

// Server is the HTTP control server.
type Server struct {
	echo     *echo.Echo
	config   *Config
	engine   Engine
	metrics  *observability.Metrics
	log      logger.Logger

	mu       sync.Mutex
	listener net.Listener

	wg        sync.WaitGroup
	startTime time.Time
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

// WithMetrics records request metrics and serves /metrics from m's registry.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithConfig replaces the configuration derived from settings.
func WithConfig(cfg *Config) ServerOption {
	return func(s *Server) {
		s.config = cfg
	}
}

// New creates a control server for engine.
func New(engine Engine, settings *conf.Settings, opts ...ServerOption) (*Server, error) {
	s := &Server{
		config:    ConfigFromSettings(settings),
		engine:    engine,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}
	if s.log == nil {
		s.log = GetLogger()
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Server.ReadTimeout = s.config.ReadTimeout
	s.echo.Server.WriteTimeout = s.config.WriteTimeout
	s.echo.Server.IdleTimeout = s.config.IdleTimeout

	s.setupMiddleware()
	s.setupRoutes()

	s.log.Info("HTTP server initialized",
		logger.String("listen", s.config.Listen),
		logger.Bool("metrics", s.metrics != nil))
	return s, nil
}

// setupMiddleware configures the Echo middleware stack.
func (s *Server) setupMiddleware() {
	// Recovery middleware - should be first
	s.echo.Use(echomw.Recover())
	s.echo.Use(mw.NewRequestID())
	if s.metrics != nil {
		s.echo.Use(mw.NewMetrics(s.metrics.HTTP))
	}
	s.echo.Use(mw.NewRequestLogger(s.log))

	policy := mw.Policy{Origins: s.config.AllowedOrigins, BodyLimit: s.config.BodyLimit}
	s.echo.Use(policy.Chain()...)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.getStatus)
	v1.GET("/graph", s.getGraph)
	v1.PUT("/graph", s.putGraph)
	v1.POST("/playback/:action", s.postPlayback)
	v1.GET("/levels", s.getLevels)

	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
}

// healthCheck handles the server health check endpoint.
func (s *Server) healthCheck(c echo.Context) error {
	uptime := time.Since(s.startTime)
	status := "healthy"
	if s.engine.Closed() {
		status = "closed"
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":         status,
		"uptime":         uptime.String(),
		"uptime_seconds": uptime.Seconds(),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

// Start binds the listen address and serves in a background goroutine. It
// returns once the socket is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.config.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.echo.Listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server error", logger.Error(err))
		}
	}()
	s.log.Info("HTTP server started", logger.String("address", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run starts the server and shuts it down when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.log.Info("shutdown signal received")
	return s.Shutdown()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		s.log.Error("error during server shutdown", logger.Error(err))
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.wg.Wait()
	s.log.Info("server shutdown complete")
	return nil
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
