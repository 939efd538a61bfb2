// Package server sets up the HTTP server with all routes.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/aryanm/fraudguard/internal/alerts"
	"github.com/aryanm/fraudguard/internal/config"
	"github.com/aryanm/fraudguard/internal/fraud"
	"github.com/aryanm/fraudguard/internal/logging"
	"github.com/aryanm/fraudguard/internal/metrics"
	"github.com/aryanm/fraudguard/internal/ratelimit"
	"github.com/aryanm/fraudguard/internal/traces"
)

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg          *config.Config
	store        fraud.Store
	evaluator    *fraud.Evaluator
	alerts       *alerts.Dispatcher
	limiter      *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc
	traceStop    func(context.Context) error

	ready atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore sets a custom store (for testing).
func WithStore(store fraud.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a server instance. Storage is PostgreSQL when
// DATABASE_URL is set, otherwise in-memory.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("open database: %w", err)
			}
			if err := db.Ping(); err != nil {
				return nil, fmt.Errorf("connect to database: %w", err)
			}
			s.db = db
			s.store = fraud.NewPostgresStore(db)
			s.logger.Info("using postgres store")
		} else {
			s.store = fraud.NewMemoryStore()
			s.logger.Warn("DATABASE_URL not set, using in-memory store")
		}
	}

	s.alerts = alerts.NewDispatcher(cfg.AlertWebhookURL, s.logger)

	ruleCfg := fraud.DefaultRuleConfig()
	ruleCfg.FlaggedThreshold = cfg.FlaggedThreshold
	ruleCfg.BlockedThreshold = cfg.BlockedThreshold
	ruleCfg.VelocityWindow = cfg.VelocityWindow

	s.evaluator = fraud.NewEvaluator(s.store, fraud.NewEngine(ruleCfg),
		fraud.WithLogger(s.logger),
		fraud.WithAlertSender(s.alerts),
	)

	s.setupRouter()
	return s, nil
}

func (s *Server) setupRouter() {
	if s.cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestIDMiddleware())
	r.Use(s.loggingMiddleware())
	r.Use(metrics.Middleware())

	r.GET("/healthz", s.livenessHandler)
	r.GET("/readyz", s.readinessHandler)
	r.GET("/metrics", metrics.Handler())

	s.limiter = ratelimit.New(ratelimit.DefaultConfig())

	api := r.Group("/api/v1")
	api.Use(s.limiter.Middleware())
	fraud.NewHandler(s.store, s.evaluator, s.logger).RegisterRoutes(api)

	s.router = r
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"requestId", logging.RequestID(c.Request.Context()),
		)
	}
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	if s.db != nil {
		if err := s.db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "database unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Run starts the server and blocks until a shutdown signal, a server
// error, or ctx cancellation.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stop, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	s.traceStop = stop

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.alerts.Start(runCtx)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the HTTP server and background workers.
func (s *Server) Shutdown() error {
	s.ready.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.traceStop != nil {
		if err := s.traceStop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router exposes the gin engine (for testing).
func (s *Server) Router() *gin.Engine {
	return s.router
}
