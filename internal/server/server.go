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
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/taskescrow/internal/audit"
	"github.com/mbd888/taskescrow/internal/auth"
	"github.com/mbd888/taskescrow/internal/config"
	"github.com/mbd888/taskescrow/internal/escrow"
	"github.com/mbd888/taskescrow/internal/gateway"
	"github.com/mbd888/taskescrow/internal/health"
	"github.com/mbd888/taskescrow/internal/logging"
	"github.com/mbd888/taskescrow/internal/metrics"
	"github.com/mbd888/taskescrow/internal/ratelimit"
	"github.com/mbd888/taskescrow/internal/realtime"
	"github.com/mbd888/taskescrow/internal/schedule"
	"github.com/mbd888/taskescrow/internal/security"
	"github.com/mbd888/taskescrow/internal/syncutil"
	"github.com/mbd888/taskescrow/internal/traces"
	"github.com/mbd888/taskescrow/internal/validation"
	"github.com/mbd888/taskescrow/migrations"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	gateway       escrow.PaymentGateway
	authMgr       *auth.Manager
	escrowService *escrow.Service
	auditLog      *audit.Log
	fanout        *audit.Fanout
	closers       []namedCloser // broker publishers, closed after the fanout drains
	scheduler     *schedule.Scheduler
	realtimeHub   *realtime.Hub
	health        *health.Registry
	rateLimiter   *ratelimit.Limiter
	db            *sql.DB               // nil if using in-memory
	redis         redis.UniversalClient // nil without REDIS_URL
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	stopTracing   func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

type namedCloser struct {
	name  string
	close func() error
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(gw escrow.PaymentGateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set gateway/logger)
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

	s.authMgr, err = auth.NewManager(cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	s.health = health.NewRegistry()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		escrowStore escrow.Store
		auditStore  audit.Store
		jobStore    schedule.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
		}

		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		auditStore = audit.NewPostgresStore(db)
		jobStore = schedule.NewPostgresStore(db)
		s.health.Register("database", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		escrowStore = escrow.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		jobStore = schedule.NewMemoryStore()
		s.logger.Warn("using in-memory storage (data will be lost on restart)")
	}

	// Per-escrow locking: Redis when several instances share the database
	var locker syncutil.Locker = syncutil.NewKeyedMutex()
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(redisOpts)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		locker = syncutil.NewRedisMutex(client, "taskescrow:escrow:", syncutil.WithTTL(lockLease(cfg)))
		s.health.Register("redis", health.Redis(client))
		s.logger.Info("distributed escrow locks enabled", "redis", maskDSN(cfg.RedisURL))
	}

	// Audit event streaming: websocket viewers always, brokers when configured
	s.realtimeHub = realtime.NewHub(s.logger)
	publishers := []audit.Publisher{s.realtimeHub}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := audit.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		publishers = append(publishers, kp)
		s.closers = append(s.closers, namedCloser{"kafka", kp.Close})
		s.logger.Info("audit events streaming to kafka", "topic", cfg.KafkaTopic)
	}
	if cfg.AMQPURL != "" {
		ap, err := audit.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, fmt.Errorf("failed to create amqp publisher: %w", err)
		}
		publishers = append(publishers, ap)
		s.closers = append(s.closers, namedCloser{"amqp", ap.Close})
		s.logger.Info("audit events streaming to amqp", "exchange", cfg.AMQPExchange)
	}
	s.fanout = audit.NewFanout(s.logger, 0, publishers...)
	s.fanout.Start()
	s.auditLog = audit.NewLog(auditStore, audit.WithPublisher(s.fanout), audit.WithLogger(s.logger))

	// Payment gateway
	if s.gateway == nil {
		if cfg.StripeSecretKey != "" {
			s.gateway = gateway.NewResilient(
				gateway.NewStripe(cfg.StripeSecretKey),
				gateway.WithCallTimeout(cfg.GatewayTimeout),
				gateway.WithLogger(s.logger),
			)
			s.logger.Info("payment gateway: stripe")
		} else {
			s.gateway = gateway.NewMemory()
			s.logger.Warn("payment gateway: in-memory (no money moves)")
		}
	}

	// Auto-release scheduler; the handler is wired once the service exists
	s.scheduler = schedule.New(jobStore, nil,
		schedule.WithSweep(cfg.SweepSchedule),
		schedule.WithLogger(s.logger),
	)

	s.escrowService = escrow.NewService(escrowStore, s.gateway,
		escrow.WithLocker(locker),
		escrow.WithEvents(s.auditLog),
		escrow.WithScheduler(s.scheduler),
		escrow.WithConfig(engineConfig(cfg)),
		escrow.WithLogger(s.logger),
	)
	s.scheduler.SetHandler(s.escrowService.AutoRelease)
	s.logger.Info("escrow engine configured",
		"currency", cfg.DefaultCurrency,
		"milestones_required", cfg.EnableMilestones,
		"partial_release", cfg.EnablePartialRelease,
	)

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

// engineConfig maps process configuration onto the escrow engine's.
func engineConfig(cfg *config.Config) escrow.Config {
	ec := escrow.DefaultConfig()
	ec.MinAmount = cfg.MinAmount
	ec.MaxAmount = cfg.MaxAmount
	ec.DefaultCurrency = cfg.DefaultCurrency
	ec.GatewayTimeout = cfg.GatewayTimeout
	ec.Fees = escrow.FeeSchedule{
		Default: escrow.FeeRates{Platform: cfg.PlatformFeeRate, Processing: cfg.ProcessingFeeRate},
	}
	if len(cfg.FeeOverrides) > 0 {
		ec.Fees.PerCurrency = make(map[string]escrow.FeeRates, len(cfg.FeeOverrides))
		for code, r := range cfg.FeeOverrides {
			ec.Fees.PerCurrency[code] = escrow.FeeRates{Platform: r.Platform, Processing: r.Processing}
		}
	}
	ec.DefaultTerms.AutoReleaseDays = cfg.AutoReleaseDays
	ec.DefaultTerms.DisputeDeadlineDays = cfg.DisputeDeadlineDays
	ec.DefaultTerms.RequireMilestones = cfg.EnableMilestones
	ec.DefaultTerms.AllowPartialRelease = cfg.EnablePartialRelease
	return ec
}

// lockLeaseMargin covers store writes and Redis round trips inside one hold.
const lockLeaseMargin = 30 * time.Second

// lockLease sizes the distributed escrow lock. One hold makes at most two
// gateway movements (a cancel's principal and fee refunds, or both legs of a
// split resolution), each bounded by the gateway timeout.
func lockLease(cfg *config.Config) time.Duration {
	return 2*cfg.GatewayTimeout + lockLeaseMargin
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Resolve the bearer token (if any) before rate limiting so limits
	// apply per actor rather than per IP.
	s.router.Use(auth.Middleware(s.authMgr))
	s.router.Use(s.actorMiddleware())

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitPerMinute,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
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

// actorMiddleware copies the authenticated actor into the request context
// so service-level logs carry it.
func (s *Server) actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actor := auth.ActorID(c); actor != "" {
			c.Request = c.Request.WithContext(logging.WithActor(c.Request.Context(), actor))
		}
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
			logger.Info("request completed",
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

	// WebSocket for real-time escrow events
	s.router.GET("/ws", s.websocketHandler)

	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware())

	// Public
	authHandler := auth.NewHandler()
	v1.GET("/auth/info", authHandler.Info)
	escrowHandler := escrow.NewHandler(s.escrowService)
	escrowHandler.RegisterRoutes(v1)

	// Authenticated
	protected := v1.Group("", auth.RequireAuth())
	protected.GET("/auth/me", authHandler.WhoAmI)
	escrowHandler.RegisterProtectedRoutes(protected)

	// Arbiter only
	arbiter := protected.Group("", auth.RequireRole(auth.RoleArbiter))
	audit.NewHandler(s.auditLog).RegisterRoutes(arbiter)
	arbiter.GET("/realtime/stats", s.realtimeStatsHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

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

// websocketHandler streams audit events to the caller. Browsers cannot set
// headers on a WebSocket handshake, so the token may also come as ?token=.
func (s *Server) websocketHandler(c *gin.Context) {
	p, ok := auth.GetPrincipal(c)
	if !ok {
		if raw := c.Query("token"); raw != "" {
			if tp, err := s.authMgr.Validate(raw); err == nil {
				p, ok = tp, true
			}
		}
	}
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Bearer token required (header or ?token=).",
		})
		return
	}
	s.realtimeHub.HandleWebSocket(c.Writer, c.Request, realtime.Viewer{
		ActorID: p.ActorID,
		Arbiter: p.IsArbiter(),
	})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"realtime": s.realtimeHub.Stats()})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Re-arm persisted auto-release deadlines and start the overdue sweep
	if err := s.scheduler.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// Database pool gauges
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop timers before the service they call loses its sinks
	s.scheduler.Stop()
	s.logger.Info("scheduler stopped")

	// Cancel the context for background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Stop rate limiter cleanup goroutine
	s.rateLimiter.Stop()

	// Deliver queued audit events, then close the brokers
	s.fanout.Close()
	for _, c := range s.closers {
		if err := c.close(); err != nil {
			s.logger.Error("publisher close error", "publisher", c.name, "error", err)
		}
	}

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

	if err := s.stopTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// EscrowService returns the engine behind the HTTP routes.
func (s *Server) EscrowService() *escrow.Service {
	return s.escrowService
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
