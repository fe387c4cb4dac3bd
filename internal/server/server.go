// Package server wires the wallet services into one HTTP server.
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

	"github.com/mbd888/taskpay/internal/auth"
	"github.com/mbd888/taskpay/internal/checkout"
	"github.com/mbd888/taskpay/internal/config"
	"github.com/mbd888/taskpay/internal/escrow"
	"github.com/mbd888/taskpay/internal/fx"
	"github.com/mbd888/taskpay/internal/gateway"
	"github.com/mbd888/taskpay/internal/health"
	"github.com/mbd888/taskpay/internal/idgen"
	"github.com/mbd888/taskpay/internal/ledger"
	"github.com/mbd888/taskpay/internal/logging"
	"github.com/mbd888/taskpay/internal/metrics"
	"github.com/mbd888/taskpay/internal/notify"
	"github.com/mbd888/taskpay/internal/ratelimit"
	"github.com/mbd888/taskpay/internal/reconciliation"
	"github.com/mbd888/taskpay/internal/security"
	"github.com/mbd888/taskpay/internal/validation"
	"github.com/mbd888/taskpay/internal/webhooks"
	"github.com/mbd888/taskpay/internal/withdrawal"
	"github.com/mbd888/taskpay/migrations"
)

// Version is reported by /health.
const Version = "0.3.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	router  *gin.Engine
	httpSrv *http.Server

	db         *sql.DB
	store      ledger.Store
	rates      fx.Provider
	rateCache  *fx.RedisCache
	ledger     *ledger.Ledger
	gateways   *gateway.Registry
	verifier   *auth.Verifier
	hub        *notify.Hub
	kafka      *notify.KafkaSink
	dispatcher *notify.Dispatcher

	checkout   *checkout.Service
	reconciler *webhooks.Reconciler
	escrow     *escrow.Manager
	withdrawal *withdrawal.Processor
	audit      *reconciliation.Service
	auditTimer *reconciliation.Timer

	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	cancelRunCtx context.CancelFunc
	healthy      atomic.Bool
	ready        atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore sets the ledger store, bypassing DATABASE_URL (for testing)
func WithStore(store ledger.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithRateProvider sets the exchange-rate source (for testing)
func WithRateProvider(p fx.Provider) Option {
	return func(s *Server) {
		s.rates = p
	}
}

// WithGateways replaces the payment processors (for testing)
func WithGateways(providers ...gateway.Provider) Option {
	return func(s *Server) {
		s.gateways = gateway.NewRegistry(providers...)
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if s.store == nil {
		if err := s.openStore(ctx); err != nil {
			return nil, err
		}
	}

	if s.rates == nil {
		rates, err := s.rateProvider()
		if err != nil {
			return nil, err
		}
		s.rates = rates
	}
	s.ledger = ledger.New(s.store, fx.NewConverter(s.rates), cfg.DefaultCurrency)

	if s.gateways == nil {
		s.gateways = gateway.NewRegistry(
			gateway.NewFlutterwave(cfg.Flutterwave, nil),
			gateway.NewStripe(cfg.Stripe, nil),
			gateway.NewPayPal(cfg.PayPal, nil),
			gateway.NewWise(cfg.Wise, nil),
		)
	}

	// Notifications: the websocket hub always, Kafka and the mail hook when configured
	s.hub = notify.NewHub(cfg.CORSOrigins)
	sinks := []notify.Sink{s.hub}
	if len(cfg.Kafka.Brokers) > 0 {
		s.kafka = notify.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		sinks = append(sinks, s.kafka)
	}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret, nil))
	}
	s.dispatcher = notify.NewDispatcher(sinks...)
	s.logger.Info("notifications enabled", "sinks", s.dispatcher.Sinks())

	s.checkout = checkout.NewService(s.ledger, s.gateways)
	s.reconciler = webhooks.NewReconciler(s.ledger, s.gateways, s.dispatcher)
	s.escrow = escrow.NewManager(s.ledger, s.dispatcher)
	s.withdrawal = withdrawal.NewProcessor(s.ledger, s.gateways, s.dispatcher)
	s.audit = reconciliation.NewService(s.store)
	s.auditTimer = reconciliation.NewTimer(s.audit, reconciliation.DefaultInterval, s.logger)

	s.verifier = auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) openStore(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.store = ledger.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory ledger")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		s.logger.Info("migrations applied")
	}

	s.db = db
	s.store = ledger.NewPostgresStore(db)
	s.health.Register(health.PingChecker("database", db, 2*time.Second))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) rateProvider() (fx.Provider, error) {
	if s.cfg.FX.BaseURL == "" {
		rates, err := fx.ParseStaticRates(s.cfg.FX.StaticRates)
		if err != nil {
			return nil, fmt.Errorf("invalid FX_STATIC_RATES: %w", err)
		}
		s.logger.Warn("FX_BASE_URL not set, using static exchange rates", "pairs", len(rates))
		return fx.NewStaticProvider(rates), nil
	}

	var provider fx.Provider = fx.NewHTTPProvider(s.cfg.FX.BaseURL, s.cfg.FX.APIKey)
	if s.cfg.Redis.URL != "" {
		cache, err := fx.NewRedisCache(s.cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to configure redis: %w", err)
		}
		s.rateCache = cache
		s.health.Register(health.PingChecker("redis", cache, time.Second))
		provider = fx.NewCachedProvider(provider, cache, s.cfg.FX.CacheTTL)
		s.logger.Info("exchange rates cached in redis", "ttl", s.cfg.FX.CacheTTL)
	}
	return provider, nil
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Rate limiting is applied per route group, after authentication
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Processor callbacks authenticate by signature, not by JWT
	webhooks.NewHandler(s.reconciler).RegisterRoutes(s.router)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.verifier), s.rateLimiter.Middleware())
	{
		ledger.NewHandler(s.ledger).RegisterProtectedRoutes(v1)
		checkout.NewHandler(s.checkout).RegisterProtectedRoutes(v1)
		escrow.NewHandler(s.escrow).RegisterProtectedRoutes(v1)
		withdrawal.NewHandler(s.withdrawal).RegisterProtectedRoutes(v1)
		v1.GET("/ws", s.hub.HandleWebSocket)
	}

	internal := s.router.Group("/internal")
	internal.Use(auth.RequireAdmin(s.cfg.Auth.AdminSecret))
	{
		escrow.NewHandler(s.escrow).RegisterInternalRoutes(internal)
		withdrawal.NewHandler(s.withdrawal).RegisterInternalRoutes(internal)
		reconciliation.NewHandler(s.audit).RegisterInternalRoutes(internal)
	}
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

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"gateways", s.gateways.Kinds(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go func() {
		if err := s.dispatcher.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, notify.ErrClosed) {
			s.logger.Error("notification dispatcher stopped", "error", err)
		}
	}()
	go s.auditTimer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.auditTimer.Stop()

	// Queued notifications are delivered before the sinks close
	s.dispatcher.Close()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka writer close error", "error", err)
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.rateCache != nil {
		if err := s.rateCache.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
