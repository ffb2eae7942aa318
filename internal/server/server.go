// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/riskengine/internal/audit"
	"github.com/mbd888/riskengine/internal/config"
	"github.com/mbd888/riskengine/internal/configstore"
	"github.com/mbd888/riskengine/internal/engine"
	"github.com/mbd888/riskengine/internal/health"
	"github.com/mbd888/riskengine/internal/logging"
	"github.com/mbd888/riskengine/internal/metrics"
	"github.com/mbd888/riskengine/internal/params"
	"github.com/mbd888/riskengine/internal/profile"
	"github.com/mbd888/riskengine/internal/ratelimit"
	"github.com/mbd888/riskengine/internal/realtime"
	"github.com/mbd888/riskengine/internal/retry"
	"github.com/mbd888/riskengine/internal/scores"
	"github.com/mbd888/riskengine/internal/security"
	"github.com/mbd888/riskengine/internal/traces"
	"github.com/mbd888/riskengine/internal/validation"
)

// Version is reported by /health.
const Version = "0.1.0"

const (
	connectAttempts = 5
	connectDelay    = 500 * time.Millisecond
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	db            *sql.DB         // nil if using in-memory
	redis         *goredis.Client // nil without REDIS_URL
	redisNotifier *configstore.RedisNotifier
	configs       *configstore.Service
	profiles      profile.Store
	engine        *engine.Engine
	queue         *engine.RecomputeQueue
	whitelist     *engine.WhitelistTimer
	watcher       *engine.ConfigWatcher
	realtimeHub   *realtime.Hub
	health        *health.Registry
	rateLimiter   *ratelimit.Limiter
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger

	stopTracing  func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	background   *errgroup.Group
	drainDelay   time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing the listener.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.stopTracing = stopTracing

	var (
		paramStore  params.Store
		configStore configstore.Store
		scoreStore  scores.Store
		auditLog    audit.Log
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.UsesPostgres() {
		db, err := s.openDatabase(ctx)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		paramStore = params.NewPostgresStore(db)
		configStore = configstore.NewPostgresStore(db)
		scoreStore = scores.NewPostgresStore(db)
		auditLog = audit.NewPostgresLog(db)
		s.profiles = profile.NewPostgresStore(db)

		s.health.Register("postgres", health.PingChecker("postgres", db.PingContext))
	} else {
		paramStore = params.NewMemoryStore()
		configStore = configstore.NewMemoryStore()
		scoreStore = scores.NewMemoryStore()
		auditLog = audit.NewMemoryLog()
		s.profiles = profile.NewMemoryStore(auditLog)
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Config change notifications (Redis fan-out across replicas when configured)
	var notifier configstore.Notifier = configstore.NewLocalNotifier()
	if cfg.RedisURL != "" {
		rdb, err := s.openRedis(ctx)
		if err != nil {
			s.closeStorage()
			return nil, err
		}
		s.redis = rdb
		s.redisNotifier = configstore.NewRedisNotifier(rdb, "", s.logger)
		notifier = s.redisNotifier
		s.health.Register("redis", health.PingChecker("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
		s.logger.Info("config changes distributed via redis")
	}

	s.configs = configstore.NewService(configStore, notifier, s.logger)
	if err := s.seedConfigs(ctx); err != nil {
		s.closeStorage()
		return nil, err
	}

	s.engine = engine.New(engine.Deps{
		Params:   paramStore,
		Configs:  s.configs,
		Scores:   scoreStore,
		Profiles: s.profiles,
		Audit:    auditLog,
		Logger:   s.logger,
	})
	s.queue = engine.NewRecomputeQueue(s.engine, cfg.RecomputeWorkers, cfg.RecomputeQueueSize, s.logger)
	s.engine.UseQueue(s.queue)
	s.whitelist = engine.NewWhitelistTimer(s.engine, cfg.WhitelistSweepInterval, s.logger)
	s.watcher = engine.NewConfigWatcher(s.configs, s.profiles, s.engine, cfg.RecomputeWorkers, s.logger)
	s.health.Register("recompute_queue", health.BacklogChecker("recompute_queue", s.queue.Pending, cfg.RecomputeQueueSize))

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.engine.OnThresholdCrossed(s.realtimeHub.PublishEscalation)
	s.engine.OnTransition(s.realtimeHub.PublishTransition)
	s.logger.Info("realtime alert streaming enabled")

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) openDatabase(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	err = retry.DoNotify(ctx, connectAttempts, connectDelay, s.connectNotify("postgres"), func() error {
		return db.PingContext(ctx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func (s *Server) openRedis(ctx context.Context) (*goredis.Client, error) {
	if _, err := goredis.ParseURL(s.cfg.RedisURL); err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}

	var rdb *goredis.Client
	err := retry.DoNotify(ctx, connectAttempts, connectDelay, s.connectNotify("redis"), func() error {
		c, err := configstore.NewRedisClient(ctx, s.cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func (s *Server) connectNotify(target string) retry.Notify {
	return func(attempt int, err error, next time.Duration) {
		s.logger.Warn("dependency not reachable, retrying",
			"target", target,
			"attempt", attempt,
			"retry_in", next.String(),
			"error", err,
		)
	}
}

// seedConfigs activates seed configs for categories that have none yet.
func (s *Server) seedConfigs(ctx context.Context) error {
	reqs, err := configstore.LoadSeed(s.cfg.ConfigSeedPath)
	if err != nil {
		return err
	}
	n, err := s.configs.Seed(ctx, reqs)
	if err != nil {
		return err
	}
	s.logger.Info("configuration seeded", "activated", n, "seed_categories", len(reqs))
	return nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS
	s.router.Use(security.CORSMiddleware(s.corsOrigins()))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Operator identity (before rate limiting, which buckets by operator)
	s.router.Use(security.OperatorMiddleware())

	// Rate limiting
	if s.cfg.RateLimitRPM > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.ForRPM(s.cfg.RateLimitRPM))
		s.router.Use(s.rateLimiter.Middleware())
	}

	// Prometheus metrics
	s.router.Use(metrics.Middleware())
}

func (s *Server) corsOrigins() []string {
	if len(s.cfg.CORSOrigins) > 0 {
		return s.cfg.CORSOrigins
	}
	if s.cfg.IsDevelopment() {
		return []string{"*"}
	}
	return nil
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	// Escalation alerts for dashboards
	v1.GET("/alerts/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	engineHandler := engine.NewHandler(s.engine)
	configHandler := configstore.NewHandler(s.configs)

	// Signal ingestion and reads
	engineHandler.RegisterRoutes(v1)
	configHandler.RegisterRoutes(v1)

	// OPERATOR ROUTES (require X-Operator-ID)
	operator := v1.Group("")
	operator.Use(security.RequireOperator())
	{
		engineHandler.RegisterOperatorRoutes(operator)
		configHandler.RegisterOperatorRoutes(operator)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Realtime  map[string]any  `json:"realtime,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Realtime:  s.realtimeHub.Stats(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the background workers and the HTTP server, and blocks until
// ctx is cancelled, a shutdown signal arrives, or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background work outlives the signal so in-flight requests can drain
	// while workers still run.
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRunCtx = cancel

	g, gctx := errgroup.WithContext(runCtx)
	s.background = g
	s.startBackground(gctx)

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"recompute_workers", s.cfg.RecomputeWorkers,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.ready.Store(true)
	s.logger.Info("server ready")

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case <-gctx.Done():
		s.logger.Error("background worker stopped unexpectedly")
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	return s.Shutdown()
}

func (s *Server) startBackground(ctx context.Context) {
	g := s.background

	g.Go(func() error {
		s.realtimeHub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.queue.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return s.watcher.Run(ctx)
	})
	g.Go(func() error {
		s.whitelist.Start(ctx)
		return nil
	})

	if s.redisNotifier != nil {
		if err := s.redisNotifier.Start(ctx); err != nil {
			// Activations on this replica still reach its own watcher.
			s.logger.Warn("redis config subscription failed", "error", err)
		}
	}

	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
			return nil
		})
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stop background workers (hub, queue, watcher, timer)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.background != nil {
		if err := s.background.Wait(); err != nil {
			s.logger.Error("background worker error", "error", err)
		}
		s.logger.Info("background workers stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.closeStorage()

	if s.stopTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeStorage() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
