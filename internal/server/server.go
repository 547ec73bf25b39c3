// Package server wires the settlement engine into an HTTP API.
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
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/skinsettle/internal/auth"
	"github.com/mbd888/skinsettle/internal/chain"
	"github.com/mbd888/skinsettle/internal/circuitbreaker"
	"github.com/mbd888/skinsettle/internal/config"
	"github.com/mbd888/skinsettle/internal/health"
	"github.com/mbd888/skinsettle/internal/identity"
	"github.com/mbd888/skinsettle/internal/logging"
	"github.com/mbd888/skinsettle/internal/metrics"
	"github.com/mbd888/skinsettle/internal/oracle"
	"github.com/mbd888/skinsettle/internal/ratelimit"
	"github.com/mbd888/skinsettle/internal/realtime"
	"github.com/mbd888/skinsettle/internal/receipts"
	"github.com/mbd888/skinsettle/internal/security"
	"github.com/mbd888/skinsettle/internal/settlement"
	"github.com/mbd888/skinsettle/internal/steam"
	"github.com/mbd888/skinsettle/internal/traces"
	"github.com/mbd888/skinsettle/internal/validation"
	"github.com/mbd888/skinsettle/internal/webhooks"
)

// Version is reported by /health and the tracer resource.
var Version = "dev"

// sweepInterval is how often Monitoring records are reconciled.
const sweepInterval = 15 * time.Second

// Server wraps the HTTP server and all dependencies
type Server struct {
	cfg *config.Config

	steamClient *steam.Client // nil when a SteamAPI was injected
	steamAPI    settlement.SteamAPI
	cache       *steam.RedisCache // nil without REDIS_URL
	rdb         *redis.Client
	escrow      chain.Escrow
	escrowRPC   *chain.EscrowClient // nil with the mock escrow

	receipts    *receipts.Service
	watcher     *oracle.Watcher
	resolver    *identity.Resolver
	settlements *settlement.Service
	sweeper     *settlement.Timer
	authMgr     *auth.Manager
	realtimeHub *realtime.Hub
	webhooks    *webhooks.Dispatcher
	webhookDB   webhooks.Store
	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	db              *sql.DB // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	shutdownTracing func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownDelay   time.Duration

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

// WithSteamAPI replaces the Steam client (for testing)
func WithSteamAPI(api settlement.SteamAPI) Option {
	return func(s *Server) {
		s.steamAPI = api
	}
}

// WithEscrow replaces the escrow program client (for testing)
func WithEscrow(e chain.Escrow) Option {
	return func(s *Server) {
		s.escrow = e
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		logger:        logging.New(cfg.LogLevel, cfg.LogFormat),
		shutdownDelay: 5 * time.Second,
	}

	// Apply options first (may set logger or collaborators)
	for _, opt := range opts {
		opt(s)
	}

	shutdown, err := traces.Init(context.Background(), cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTracing = shutdown

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory stores (data is lost on restart)")
	}

	if err := s.setupSteam(); err != nil {
		return nil, err
	}

	authority, err := receipts.NewAuthority(cfg.OraclePrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load oracle key: %w", err)
	}
	s.logger.Info("oracle signer loaded", "oracleId", authority.OracleID())

	if err := s.setupEscrow(); err != nil {
		return nil, err
	}

	// Stores
	var (
		settlementStore settlement.Store = settlement.NewMemoryStore()
		receiptStore    receipts.Store   = receipts.NewMemoryStore()
		identityStore   identity.Store   = identity.NewMemoryStore()
		keyStore        auth.Store       = auth.NewMemoryStore()
		webhookStore    webhooks.Store   = webhooks.NewMemoryStore()
	)
	if s.db != nil {
		settlementStore = settlement.NewPostgresStore(s.db)
		receiptStore = receipts.NewPostgresStore(s.db)
		identityStore = identity.NewPostgresStore(s.db)
		keyStore = auth.NewPostgresStore(s.db)
		webhookStore = webhooks.NewPostgresStore(s.db)
	}
	s.webhookDB = webhookStore

	s.receipts = receipts.NewService(receiptStore, authority, s.logger)
	s.resolver = identity.NewResolver(identityStore, s.logger)
	s.authMgr = auth.NewManager(keyStore)

	s.watcher = oracle.New(oracle.Config{
		PollInterval: cfg.OraclePollInterval,
		Workers:      cfg.OracleWorkers,
		FetchTimeout: cfg.OracleFetchTimeout,
	}, s.steamAPI, s.receipts, s.logger)

	s.realtimeHub = realtime.NewHub(s.logger).WithAllowedOrigins(cfg.CORSOrigins)
	s.webhooks = webhooks.NewDispatcher(webhookStore, webhooks.Config{
		Timeout:   cfg.WebhookTimeout,
		Endpoints: s.endpointPolicy(),
	}, s.logger)

	stlCfg := settlement.DefaultConfig()
	stlCfg.DefaultDeadline = cfg.DefaultDeadline
	stlCfg.MinDeadline = cfg.MinDeadline
	stlCfg.MaxDeadline = cfg.MaxDeadline
	stlCfg.OwnershipMaxStaleness = cfg.OwnershipMaxStaleness

	s.settlements = settlement.NewService(settlementStore, s.steamAPI, s.escrow, s.watcher, s.receipts, s.logger).
		WithConfig(stlCfg).
		WithResolver(s.resolver).
		WithNotifier(s.realtimeHub).
		WithNotifier(s.webhooks)
	s.watcher.SetListener(s.settlements)
	s.sweeper = settlement.NewTimer(s.settlements, sweepInterval, s.logger)

	s.setupHealth()

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

func (s *Server) setupSteam() error {
	var cache steam.InventoryCache = steam.NewMemoryCache()
	if s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.rdb = redis.NewClient(opts)
		s.cache = steam.NewRedisCache(s.rdb, 0)
		cache = s.cache
		s.logger.Info("shared inventory cache enabled", "addr", opts.Addr)
	}

	if s.steamAPI != nil {
		return nil
	}

	s.steamClient = steam.NewClient(steam.Options{
		APIKey:            s.cfg.SteamAPIKey,
		APIURL:            s.cfg.SteamAPIURL,
		CommunityURL:      s.cfg.SteamCommunityURL,
		AppID:             s.cfg.SteamAppID,
		ContextID:         s.cfg.SteamContextID,
		DailyQuota:        s.cfg.SteamDailyQuota,
		RequestsPerSecond: s.cfg.SteamRPS,
		SessionID:         s.cfg.SteamSessionID,
		LoginSecure:       s.cfg.SteamLoginSecure,
		HTTPClient:        &http.Client{Timeout: s.cfg.SteamRequestTimeout},
		Cache:             cache,
		Breaker:           circuitbreaker.New(5, 30*time.Second),
		Logger:            s.logger,
	})
	s.steamAPI = s.steamClient
	if s.cfg.SteamAPIKey == "" {
		s.logger.Warn("STEAM_API_KEY not set, Steam calls will be rejected")
	}
	return nil
}

func (s *Server) setupEscrow() error {
	if s.escrow != nil {
		return nil
	}
	if s.cfg.UseMockEscrow() {
		s.escrow = chain.NewMockEscrow()
		s.logger.Warn("RPC_URL not set, using in-process mock escrow")
		return nil
	}

	key := s.cfg.ChainKey
	if key == "" {
		key = s.cfg.OraclePrivateKey
	}
	client, err := chain.NewEscrowClient(chain.Config{
		RPCURL:     s.cfg.RPCURL,
		PrivateKey: key,
		ChainID:    s.cfg.ChainID,
		Contract:   s.cfg.EscrowContract,
	})
	if err != nil {
		return fmt.Errorf("failed to connect escrow program: %w", err)
	}
	s.escrow = client
	s.escrowRPC = client
	s.logger.Info("escrow program configured",
		"chainId", s.cfg.ChainID,
		"contract", s.cfg.EscrowContract,
		"submitter", client.Address(),
	)
	return nil
}

func (s *Server) endpointPolicy() security.EndpointPolicy {
	return security.EndpointPolicy{
		AllowPrivate: s.cfg.WebhookAllowPrivate,
		RequireHTTPS: s.cfg.IsProduction(),
	}
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()

	if s.db != nil {
		s.health.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	if s.cache != nil {
		s.health.Register("redis", func(ctx context.Context) health.Status {
			if err := s.cache.Ping(ctx); err != nil {
				return health.Status{Name: "redis", Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
	}
	s.health.Register("oracle", func(context.Context) health.Status {
		// The watcher only runs once Run has started it.
		if s.ready.Load() && !s.watcher.Running() {
			return health.Status{Name: "oracle", Detail: "watcher stopped"}
		}
		return health.Status{Name: "oracle", Healthy: true}
	})
	if s.steamClient != nil {
		s.health.Register("steam", func(context.Context) health.Status {
			for endpoint, state := range s.steamClient.Breaker().Snapshot() {
				if state == circuitbreaker.StateOpen.String() {
					return health.Status{Name: "steam", Detail: "circuit open: " + endpoint}
				}
			}
			if s.steamClient.Quota().Remaining() == 0 {
				return health.Status{Name: "steam", Detail: "daily quota exhausted"}
			}
			return health.Status{Name: "steam", Healthy: true}
		})
	}
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

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	if s.cfg.APIRateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.APIRateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
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
	s.router.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))

	v1 := s.router.Group("/v1")
	v1.Use(validation.IdentityParamMiddleware())
	v1.Use(auth.Middleware(s.authMgr))
	v1.GET("/info", s.infoHandler)

	settlementHandler := settlement.NewHandler(s.settlements)
	receiptHandler := receipts.NewHandler(s.receipts)
	identityHandler := identity.NewHandler(s.resolver)
	authHandler := auth.NewHandler(s.authMgr)

	settlementHandler.RegisterRoutes(v1)
	receiptHandler.RegisterRoutes(v1)
	identityHandler.RegisterRoutes(v1)
	authHandler.RegisterRoutes(v1)

	// Operator API (requires an API key)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	settlementHandler.RegisterProtectedRoutes(protected)

	// Administrator API
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret, s.cfg.IsDevelopment()))
	settlementHandler.RegisterAdminRoutes(admin)
	identityHandler.RegisterAdminRoutes(admin)
	authHandler.RegisterAdminRoutes(admin)
	webhooks.NewHandler(s.webhookDB, s.endpointPolicy()).RegisterAdminRoutes(admin)
	admin.GET("/oracle", s.oracleStatusHandler)
	admin.GET("/realtime", s.realtimeStatsHandler)
}

func (s *Server) healthHandler(c *gin.Context) {
	c.Header("X-Skinsettle-Version", Version)
	s.health.Handler()(c)
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
	healthy, statuses := s.health.CheckAll(c.Request.Context())
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":       "skinsettle",
		"version":    Version,
		"oracleId":   s.receipts.OracleID(),
		"chainId":    s.cfg.ChainID,
		"contract":   s.cfg.EscrowContract,
		"mockEscrow": s.escrowRPC == nil,
		"appId":      s.cfg.SteamAppID,
	})
}

// OracleStatus is the administrative view of the delivery oracle.
type OracleStatus struct {
	Running        bool                `json:"running"`
	Targets        []oracle.TargetView `json:"targets"`
	QuotaRemaining *int64              `json:"quotaRemaining,omitempty"`
	QuotaResetsAt  *time.Time          `json:"quotaResetsAt,omitempty"`
	Circuits       map[string]string   `json:"circuits,omitempty"`
}

func (s *Server) oracleStatusHandler(c *gin.Context) {
	resp := OracleStatus{
		Running: s.watcher.Running(),
		Targets: s.watcher.Targets(),
	}
	if s.steamClient != nil {
		remaining := s.steamClient.Quota().Remaining()
		resets := s.steamClient.Quota().ResetsAt()
		resp.QuotaRemaining = &remaining
		resp.QuotaResetsAt = &resets
		resp.Circuits = s.steamClient.Breaker().Snapshot()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background components and blocks until
// a shutdown signal, context cancellation or server error.
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

	if err := s.startBackground(runCtx); err != nil {
		cancel()
		return err
	}

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
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
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startBackground repairs interrupted settlements, then starts the
// workers that move settlements forward.
func (s *Server) startBackground(ctx context.Context) error {
	go s.realtimeHub.Run(ctx)
	s.webhooks.Start(ctx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}

	// Reconcile before the oracle runs so restored targets are in place
	// for its first tick.
	rep, err := s.settlements.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	if rep.Errors > 0 {
		s.logger.Warn("startup reconciliation finished with errors", "errors", rep.Errors)
	}

	go s.watcher.Start(ctx)
	go s.sweeper.Start(ctx)
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.shutdownDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stop background work; the dispatcher drains queued events once its
	// context is cancelled.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.sweeper.Stop()
	s.watcher.Stop()
	s.settlements.Close()
	s.webhooks.Wait()
	s.logger.Info("background workers stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.escrowRPC != nil {
		if err := s.escrowRPC.Close(); err != nil {
			s.logger.Error("escrow client close error", "error", err)
		}
	}

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
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

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
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
