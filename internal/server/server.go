// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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

	"github.com/ticketd/ticketd/internal/accounting"
	"github.com/ticketd/ticketd/internal/checkout"
	"github.com/ticketd/ticketd/internal/config"
	"github.com/ticketd/ticketd/internal/health"
	"github.com/ticketd/ticketd/internal/idgen"
	"github.com/ticketd/ticketd/internal/ledger"
	"github.com/ticketd/ticketd/internal/logging"
	"github.com/ticketd/ticketd/internal/metrics"
	"github.com/ticketd/ticketd/internal/mockpay"
	"github.com/ticketd/ticketd/internal/order"
	"github.com/ticketd/ticketd/internal/ratelimit"
	"github.com/ticketd/ticketd/internal/security"
	"github.com/ticketd/ticketd/internal/session"
	"github.com/ticketd/ticketd/internal/traces"
	"github.com/ticketd/ticketd/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	backend  ledger.Client // raw ledger connection
	batcher  *ledger.Batcher
	accounts *accounting.Service
	orders   order.Store
	sessions session.Store
	provider *mockpay.Provider
	checkout *checkout.Service
	sweeper  *checkout.Sweeper

	memLimiter  *ratelimit.Limiter // nil when Redis-backed limiting is active
	checks      *health.Registry
	db          *sql.DB       // nil if using in-memory order store
	redisClient *redis.Client // nil if using in-memory session store

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	stopTracing  func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithLedger sets a custom ledger backend (for testing)
func WithLedger(client ledger.Client) Option {
	return func(s *Server) {
		s.backend = client
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set backend/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// The webhook delivery URL is fetched server side; in production it
	// must not point into private address space.
	if cfg.IsProduction() {
		if err := security.ValidateEndpointURL(cfg.MockWebhookURL); err != nil {
			return nil, fmt.Errorf("unsafe MOCK_WEBHOOK_URL: %w", err)
		}
	}

	// Ledger backend (TigerBeetle if TB_ADDRESS set, otherwise in-memory)
	if s.backend == nil {
		if cfg.TBAddress != "" {
			tb, err := ledger.DialTigerBeetle(cfg.TBClusterID, cfg.TBAddress)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to tigerbeetle: %w", err)
			}
			s.backend = tb
			s.logger.Info("using TigerBeetle ledger", "address", cfg.TBAddress, "cluster", cfg.TBClusterID)
		} else {
			s.backend = ledger.NewMemoryClient()
			s.logger.Info("using in-memory ledger (data will not persist)")
		}
	}
	s.batcher = ledger.NewBatcher(s.backend, ledger.DefaultBatcherConfig())

	s.accounts = accounting.New(s.batcher, accounting.Supplies{
		ClassA:     cfg.TicketSupplyA,
		ClassB:     cfg.TicketSupplyB,
		Goodies:    cfg.GoodieSupply,
		RestartMax: accounting.DefaultSupplies().RestartMax,
	}, s.logger)

	// Order store (Postgres if DATABASE_URL set, otherwise in-memory)
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
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		store := order.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate order store", "error", err)
		}
		s.orders = store
		s.logger.Info("using PostgreSQL order store", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.orders = order.NewMemoryStore()
		s.logger.Info("using in-memory order store (data will not persist)")
	}

	holdTimeout := time.Duration(cfg.HoldTimeoutSeconds) * time.Second
	sweepGrace := time.Duration(cfg.SweepGraceSeconds) * time.Second

	// Sessions outlive the hold slightly; later webhooks fall back to
	// the order store.
	sessionTTL := holdTimeout + time.Minute

	// Session store (Redis if SESSION_STORE_URL set, otherwise in-memory)
	if cfg.SessionStoreURL != "" {
		ropts, err := redis.ParseURL(cfg.SessionStoreURL)
		if err != nil {
			return nil, fmt.Errorf("invalid SESSION_STORE_URL: %w", err)
		}
		client := redis.NewClient(ropts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redisClient = client
		s.sessions = session.NewRedisStoreWithClient(client, sessionTTL)
		s.logger.Info("using Redis session store", "url", maskDSN(cfg.SessionStoreURL))
	} else {
		s.sessions = session.NewMemoryStore(sessionTTL)
		s.logger.Info("using in-memory session store (single instance only)")
	}

	s.provider = mockpay.New(cfg.WebhookSecret, cfg.MockWebhookURL)

	s.checkout = checkout.NewService(s.accounts, s.orders, s.sessions, s.provider, checkout.Config{
		HoldTimeout: holdTimeout,
		SweepGrace:  sweepGrace,
	}, s.logger)

	s.sweeper = checkout.NewSweeper(s.checkout,
		time.Duration(cfg.SweepIntervalSeconds)*time.Second, s.logger)

	s.registerHealthChecks()

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

func (s *Server) registerHealthChecks() {
	s.checks.Register("ledger", func(ctx context.Context) health.Status {
		st := health.Status{Name: "ledger", Healthy: true}
		if _, err := s.accounts.Inventory(ctx); err != nil {
			st.Healthy = false
			st.Detail = err.Error()
		}
		return st
	})

	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			st := health.Status{Name: "database", Healthy: true}
			if err := s.db.PingContext(ctx); err != nil {
				st.Healthy = false
				st.Detail = err.Error()
			}
			return st
		})
	}

	if s.redisClient != nil {
		s.checks.Register("sessions", func(ctx context.Context) health.Status {
			st := health.Status{Name: "sessions", Healthy: true}
			if err := s.redisClient.Ping(ctx).Err(); err != nil {
				st.Healthy = false
				st.Detail = err.Error()
			}
			return st
		})
	}
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

// checkoutLimiter builds the rate limiter applied to POST /api/checkout.
// Single instance uses the in-process token bucket; with Redis sessions
// the fixed window is shared across instances.
func (s *Server) checkoutLimiter() gin.HandlerFunc {
	if s.redisClient != nil {
		return ratelimit.Middleware(ratelimit.NewRedisLimiter(s.redisClient, s.cfg.RateLimitRPM, s.logger))
	}

	cfg := ratelimit.DefaultConfig()
	cfg.RequestsPerMinute = s.cfg.RateLimitRPM
	cfg.BurstSize = s.cfg.RateLimitBurst
	s.memLimiter = ratelimit.New(cfg)
	return ratelimit.Middleware(s.memLimiter)
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(16)
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

	s.router.GET("/", s.infoHandler)

	h := checkout.NewHandler(s.checkout, s.provider)

	// Public API. Order lookups validate the id shape before hitting the
	// store; checkout is the only rate limited route.
	api := s.router.Group("/api")
	api.Use(validation.IDParamMiddleware("id"))
	h.RegisterRoutes(api, s.checkoutLimiter())

	// Provider-facing webhook and the mock payment page
	h.RegisterPaymentRoutes(s.router)

	// Admin feeds, only when credentials are configured
	if user, pass, ok := s.cfg.AdminCredentials(); ok {
		admin := s.router.Group("/api/admin", gin.BasicAuth(gin.Accounts{user: pass}))
		h.RegisterAdminRoutes(admin)
	} else {
		s.logger.Info("admin endpoints disabled (no ADMIN_BASIC_AUTH set)")
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "ticketd",
		"description": "Ticket reservation and settlement over a double-entry ledger",
		"version":     "0.1.0",
		"currency":    "eur",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stopTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.stopTracing = stopTracing
	}

	// Seed ledger accounts and funding before accepting traffic. Both
	// calls are idempotent across restarts.
	initCtx, initCancel := context.WithTimeout(runCtx, 30*time.Second)
	defer initCancel()
	if err := s.accounts.InitializeSupply(initCtx); err != nil {
		return fmt.Errorf("failed to initialize ledger supply: %w", err)
	}
	if err := s.accounts.RecordRestart(initCtx); err != nil {
		s.logger.Warn("failed to record restart", "error", err)
	}

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

	// Start hold-timeout sweeper
	go s.sweeper.Start(runCtx)

	// Export connection pool gauges
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for background goroutines (sweeper, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	// Stop hold-timeout sweeper
	s.sweeper.Stop()
	s.logger.Info("sweeper stopped")

	// Stop rate limiter cleanup goroutine
	if s.memLimiter != nil {
		s.memLimiter.Stop()
	}

	// Drain the batcher; it owns the ledger connection and closes it
	s.batcher.Close()

	// Close session store (owns the Redis client when one is configured)
	if err := s.sessions.Close(); err != nil {
		s.logger.Error("session store close error", "error", err)
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	// Flush pending spans
	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
