// Package server wires storage, services, the escrow client, and the
// reconciliation watcher into the HTTP API.
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

	"github.com/mkarlsen/swapdesk/internal/assets"
	"github.com/mkarlsen/swapdesk/internal/chain"
	"github.com/mkarlsen/swapdesk/internal/config"
	"github.com/mkarlsen/swapdesk/internal/health"
	"github.com/mkarlsen/swapdesk/internal/logging"
	"github.com/mkarlsen/swapdesk/internal/metrics"
	"github.com/mkarlsen/swapdesk/internal/notify"
	"github.com/mkarlsen/swapdesk/internal/offers"
	"github.com/mkarlsen/swapdesk/internal/ratelimit"
	"github.com/mkarlsen/swapdesk/internal/realtime"
	"github.com/mkarlsen/swapdesk/internal/security"
	"github.com/mkarlsen/swapdesk/internal/trade"
	"github.com/mkarlsen/swapdesk/internal/validation"
	"github.com/mkarlsen/swapdesk/internal/watcher"
)

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg *config.Config

	assetService *assets.Service
	offerService *offers.Service
	coordinator  *trade.Coordinator
	ledger       *chain.Client
	eventWatcher *watcher.Watcher
	hub          *realtime.Hub
	notifStore   notify.Store
	healthChecks *health.Registry
	rateLimiter  *ratelimit.Limiter
	assetLister  assets.OwnershipLister

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithLedger injects a pre-built escrow client (for testing).
func WithLedger(client *chain.Client) Option {
	return func(s *Server) {
		s.ledger = client
	}
}

// WithAssetLister wires an external indexer for wallet asset enumeration.
func WithAssetLister(l assets.OwnershipLister) Option {
	return func(s *Server) {
		s.assetLister = l
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		logger:       logging.New(cfg.LogLevel, "json"),
		healthChecks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory.
	var (
		assetStore assets.Store
		offerStore offers.Store
		tradeStore trade.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		assetStore = assets.NewPostgresStore(db)
		offerStore = offers.NewPostgresStore(db)
		tradeStore = trade.NewPostgresStore(db)
		s.notifStore = notify.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.healthChecks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		assetStore = assets.NewMemoryStore()
		offerStore = offers.NewMemoryStore()
		tradeStore = trade.NewMemoryStore()
		s.notifStore = notify.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Realtime hub and notification fan-out.
	s.hub = realtime.NewHub(s.logger)
	emitter := notify.NewEmitter(s.notifStore, s.logger).WithHub(s.hub)

	// Asset registry and negotiation services.
	s.assetService = assets.NewService(assetStore)
	if s.assetLister != nil {
		s.assetService.WithLister(s.assetLister)
	}
	s.offerService = offers.NewService(offerStore, s.assetService).WithNotifier(emitter)

	// Escrow coordination needs a contract, an RPC endpoint, and a
	// signing key. Without them the service runs negotiation-only.
	if s.ledger == nil && cfg.EscrowEnabled() && cfg.PrivateKey != "" {
		client, err := chain.New(chain.Config{
			RPCURL:         cfg.RPCURL,
			PrivateKey:     cfg.PrivateKey,
			ChainID:        cfg.ChainID,
			EscrowContract: cfg.TradeContract,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create escrow client: %w", err)
		}
		s.ledger = client
	}

	if s.ledger != nil {
		s.coordinator = trade.NewCoordinator(offerStore, tradeStore, s.ledger, cfg.ChainID, cfg.ConfirmWait)

		reconciler := watcher.NewReconciler(offerStore, tradeStore, s.ledger, cfg.ChainID, s.logger).
			WithNotifier(emitter)
		s.eventWatcher = watcher.New(watcher.Config{
			PollInterval: cfg.PollInterval,
			StartBlock:   cfg.StartBlock,
		}, s.ledger, reconciler, s.logger)

		ledgerClient := s.ledger
		s.healthChecks.Register("ledger", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if _, err := ledgerClient.BlockNumber(ctx); err != nil {
				return health.Status{Name: "ledger", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "ledger", Healthy: true}
		})

		s.logger.Info("escrow coordination enabled",
			"contract", cfg.TradeContract,
			"chainId", cfg.ChainID,
		)
	} else {
		s.logger.Info("escrow coordination disabled (negotiation-only mode)")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// maskDSN hides password in connection string for logging.
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
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	limitCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limitCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(limitCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	assets.NewHandler(s.assetService).RegisterRoutes(v1)
	offers.NewHandler(s.offerService).RegisterRoutes(v1)
	notify.NewHandler(s.notifStore).RegisterRoutes(v1)

	if s.coordinator != nil {
		trade.NewHandler(s.coordinator).RegisterRoutes(v1)
	}

	v1.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthChecks.CheckAll(ctx)

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
		"name":    "swapdesk",
		"version": "0.1.0",
		"chainId": s.cfg.ChainID,
		"escrow":  s.coordinator != nil,
		"docs":    "/api",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, then blocks until a
// shutdown signal or context cancellation.
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)

	if s.eventWatcher != nil {
		if err := s.eventWatcher.Start(runCtx); err != nil {
			s.logger.Error("failed to start escrow watcher", "error", err)
		}
	}

	// Mark as ready after brief delay for startup
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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, watcher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.eventWatcher != nil {
		s.eventWatcher.Stop()
		s.logger.Info("escrow watcher stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil {
			s.logger.Error("ledger close error", "error", err)
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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}
