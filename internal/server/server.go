// Package server wires the settlement controller and exposes its operational
// HTTP surface: health, metrics, node hooks and peer notifications.
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
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/rampsettle/internal/appeals"
	"github.com/mbd888/rampsettle/internal/config"
	"github.com/mbd888/rampsettle/internal/escrow"
	"github.com/mbd888/rampsettle/internal/fees"
	"github.com/mbd888/rampsettle/internal/health"
	"github.com/mbd888/rampsettle/internal/logging"
	"github.com/mbd888/rampsettle/internal/metrics"
	"github.com/mbd888/rampsettle/internal/node"
	"github.com/mbd888/rampsettle/internal/notify"
	"github.com/mbd888/rampsettle/internal/orders"
	"github.com/mbd888/rampsettle/internal/settlement"
	"github.com/mbd888/rampsettle/internal/subscriptions"
	"github.com/mbd888/rampsettle/internal/watcher"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	orders       *orders.Service
	orderStore   orders.Store
	escrow       *escrow.Service
	appeals      *appeals.Service
	orchestrator *settlement.Orchestrator
	dispatcher   *watcher.Dispatcher
	subs         subscriptions.Registry
	hub          *notify.Hub
	expiryTimer  *orders.Timer
	health       *health.Registry

	node      settlement.NodeQuery
	generator escrow.Generator

	db           *sql.DB       // nil if using in-memory
	redis        *redis.Client // nil if using in-memory subscriptions
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
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

// WithVersion sets the build version reported by /health.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithNode replaces the node RPC client (for testing)
func WithNode(n settlement.NodeQuery) Option {
	return func(s *Server) {
		s.node = n
	}
}

// WithGenerator replaces the contract generator script runner (for testing)
func WithGenerator(g escrow.Generator) Option {
	return func(s *Server) {
		s.generator = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		health:  health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if s.node == nil {
		rpcClient, err := node.Dial(ctx, cfg.NodeRPCURL, cfg.NodeRPCUser, cfg.NodeRPCPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to dial node: %w", err)
		}
		s.node = node.NewClient(rpcClient).
			WithRetry(cfg.NodeRetryAttempts, cfg.NodeRetryBackoff).
			WithMinConfirmations(cfg.NodeMinConfirmations).
			WithLogger(s.logger)
		s.logger.Info("node RPC configured", "url", maskDSN(cfg.NodeRPCURL))
	}
	if s.generator == nil {
		s.generator = escrow.NewScriptGenerator(cfg.ContractScript).WithLogger(s.logger)
	}

	// Subscriptions (Redis if REDIS_URL set, otherwise in-memory)
	if cfg.RedisURL != "" {
		client, err := subscriptions.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		s.redis = client
		reg := subscriptions.NewRedisRegistry(client)
		s.subs = reg
		s.health.Register("redis", health.Ping("redis", reg.Ping))
		s.logger.Info("using Redis subscription registry", "url", maskDSN(cfg.RedisURL))
	} else {
		s.subs = subscriptions.NewMemoryRegistry()
		s.logger.Info("using in-memory subscription registry")
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		feeStore    fees.ScheduleStore
		escrowStore escrow.Store
		appealStore appeals.Store
		settleStore settlement.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db

		orderPG := orders.NewPostgresStore(db)
		escrowPG := escrow.NewPostgresStore(db)
		appealPG := appeals.NewPostgresStore(db, orderPG)

		s.orderStore = orderPG
		feeStore = fees.NewPostgresStore(db)
		escrowStore = escrowPG
		appealStore = appealPG
		settleStore = settlement.NewPostgresStore(orderPG, escrowPG, appealPG)
		s.health.Register("database", health.Ping("database", db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		orderMem := orders.NewMemoryStore()
		escrowMem := escrow.NewMemoryStore()
		appealMem := appeals.NewMemoryStore(orderMem)

		s.orderStore = orderMem
		feeStore = fees.NewMemoryStore()
		escrowStore = escrowMem
		appealStore = appealMem
		settleStore = settlement.NewMemoryStore(orderMem, escrowMem, appealMem)
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Order ledger and lifecycle
	ledger := orders.NewLedger(s.orderStore).WithLogger(s.logger)
	s.orders = orders.NewService(s.orderStore, ledger).WithLogger(s.logger)

	// Escrow contracts; the service opens placeholder transactions on pending statuses
	calc := fees.NewCalculator(feeStore, fees.Fallbacks{
		ContractFee:    cfg.ContractFee,
		ServiceFee:     cfg.ServiceFee,
		ArbitrationFee: cfg.ArbitrationFee,
	}).WithLogger(s.logger)
	s.escrow = escrow.NewService(escrowStore, s.orders, calc, s.generator).
		WithSubscriptions(s.subs).
		WithVersion(cfg.ContractVersion).
		WithLogger(s.logger)
	ledger.WithObserver(s.escrow)

	s.appeals = appeals.NewService(appealStore, ledger).WithLogger(s.logger)

	// Peer notifications
	s.hub = notify.NewHub(s.logger)
	sink := notify.NewMulti(s.logger, s.hub, notify.NewLogSink(s.logger))

	s.orchestrator = settlement.NewOrchestrator(settleStore, escrowStore, s.orders,
		escrow.NewVerifier(cfg.ServicerAddress), s.node).
		WithSubscriptions(s.subs).
		WithSink(sink).
		WithDecodeTimeout(cfg.NodeTimeout).
		WithAppealCooldown(cfg.DefaultAppealCooldown).
		WithLogger(s.logger)
	s.dispatcher = watcher.NewDispatcher(s.subs, escrowStore, s.orders, s.orchestrator).
		WithLogger(s.logger)

	s.expiryTimer = orders.NewTimer(s.orders, s.orderStore, cfg.ExpirySweepInterval, s.logger)
	s.health.Register("expiry_timer", health.Running("expiry_timer", s.expiryTimer.Running))

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

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
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

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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
	s.router.GET("/ws", gin.WrapF(s.hub.HandleWebSocket))

	v1 := s.router.Group("/v1")
	{
		v1.POST("/hooks/address", s.addressHookHandler)
		v1.GET("/orders/:id", s.orderHandler)
		v1.POST("/orders/:id/settle", s.settleHandler)
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
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
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

type addressHookRequest struct {
	Address string `json:"address" binding:"required"`
	TxID    string `json:"txid" binding:"required"`
}

// addressHookHandler receives "address seen in transaction" notifications
// from the node's watcher.
func (s *Server) addressHookHandler(c *gin.Context) {
	var req addressHookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	results, err := s.dispatcher.Notify(c.Request.Context(), req.Address, req.TxID)
	if errors.Is(err, watcher.ErrInFlight) {
		c.JSON(http.StatusAccepted, gin.H{"status": "in_flight"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	if results == nil {
		results = []*settlement.Result{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

type settleRequest struct {
	Action escrow.Action `json:"action" binding:"required"`
	TxID   string        `json:"txid" binding:"required"`
}

func (s *Server) settleHandler(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	ctx := logging.WithOrderID(c.Request.Context(), orderID)
	res, err := s.orchestrator.Settle(ctx, req.Action, orderID, req.TxID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) orderHandler(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	history, err := s.orderStore.History(ctx, orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"order": o, "history": history}

	contract, members, err := s.escrow.Contract(ctx, orderID)
	switch {
	case err == nil:
		resp["contract"] = contract
		resp["members"] = members
	case !errors.Is(err, escrow.ErrContractNotFound):
		writeError(c, err)
		return
	}

	appeal, err := s.appeals.Get(ctx, orderID)
	switch {
	case err == nil:
		resp["appeal"] = appeal
	case !errors.Is(err, appeals.ErrAppealNotFound):
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func orderIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_order_id", "message": "order id must be a positive integer"})
		return 0, false
	}
	return id, true
}

// writeError maps domain errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	var (
		te *orders.TransitionError
		ve *escrow.VerificationError
	)
	switch {
	case errors.As(err, &te):
		c.JSON(http.StatusConflict, gin.H{
			"error":     transitionCode(te.Kind),
			"message":   err.Error(),
			"current":   te.Current,
			"attempted": te.Attempted,
		})
	case errors.As(err, &ve):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":    "verification_failed",
			"message":  err.Error(),
			"expected": ve.Expected,
			"actual":   ve.Actual,
		})
	case errors.Is(err, node.ErrNodeUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "node_unavailable", "message": err.Error()})
	case errors.Is(err, settlement.ErrAlreadySettled):
		c.JSON(http.StatusConflict, gin.H{"error": "already_settled", "message": err.Error()})
	case errors.Is(err, escrow.ErrContractNotGenerated):
		c.JSON(http.StatusConflict, gin.H{"error": "contract_not_generated", "message": err.Error()})
	case errors.Is(err, orders.ErrOrderNotFound), errors.Is(err, escrow.ErrContractNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, settlement.ErrMissingTxID), errors.Is(err, escrow.ErrInvalidAction),
		errors.Is(err, subscriptions.ErrInvalidAddress):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "An unexpected error occurred"})
	}
}

func transitionCode(kind error) string {
	switch {
	case errors.Is(kind, orders.ErrDuplicateStatus):
		return "duplicate_status"
	case errors.Is(kind, orders.ErrOrderCompleted):
		return "order_completed"
	default:
		return "illegal_transition"
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.NodeTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"servicer", s.cfg.ServicerAddress,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.expiryTimer.Start(runCtx)
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

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

	s.expiryTimer.Stop()
	s.logger.Info("expiry timer stopped")

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
