// Package api exposes the control plane over HTTP: operator login, guarded
// control commands, and read-only state queries.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"trading-engine/internal/auth"
	"trading-engine/internal/controlplane"
	"trading-engine/internal/governance"
	"trading-engine/internal/ledger"
	"trading-engine/internal/logging"
	"trading-engine/internal/telemetry"
)

// RateLimiter provides simple in-memory rate limiting per endpoint
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a rate limiter allowing limit requests per window
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}
	r.requests[key] = append(recent, now)
	return true
}

// Operator is one configured control-plane login
type Operator struct {
	ID         string `json:"id"`
	SecretHash string `json:"secret_hash"`
	Role       string `json:"role"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string     `json:"host"`
	Port           int        `json:"port"`
	Operators      []Operator `json:"operators"`
	RateLimit      int        `json:"rate_limit"`
	RateWindowSecs int        `json:"rate_window_secs"`
}

// Query is the read-only ledger surface the API serves
type Query interface {
	HealthCheck(ctx context.Context) error
	GetOrder(ctx context.Context, orderID string) (*ledger.Order, error)
	GetOpenOrders(ctx context.Context) ([]*ledger.Order, error)
	GetOrdersNeedingReview(ctx context.Context) ([]*ledger.Order, error)
	GetAllPositions(ctx context.Context) ([]*ledger.Position, error)
	GetLatestAllocations(ctx context.Context) ([]*ledger.CapitalAllocation, error)
	GetAuditEntries(ctx context.Context, limit int) ([]*ledger.AuditEntry, error)
}

// StatsSource contributes a named section to the status endpoint
type StatsSource interface {
	Stats() map[string]interface{}
}

// Server is the control-plane HTTP server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig

	guard   *controlplane.Guard
	owner   *governance.Owner
	query   Query
	jwt     *auth.JWTManager
	secrets *auth.SecretManager
	hub     *telemetry.WSHub
	stats   map[string]StatsSource
	limiter *RateLimiter
	log     *logging.Logger
}

// NewServer wires the control-plane routes
func NewServer(config ServerConfig, guard *controlplane.Guard, owner *governance.Owner, query Query,
	jwt *auth.JWTManager, hub *telemetry.WSHub, stats map[string]StatsSource) *Server {

	limit := config.RateLimit
	if limit <= 0 {
		limit = 60
	}
	window := time.Duration(config.RateWindowSecs) * time.Second
	if window <= 0 {
		window = time.Minute
	}

	s := &Server{
		router:  gin.New(),
		config:  config,
		guard:   guard,
		owner:   owner,
		query:   query,
		jwt:     jwt,
		secrets: auth.NewSecretManager(auth.DefaultBcryptCost),
		hub:     hub,
		stats:   stats,
		limiter: NewRateLimiter(limit, window),
		log:     logging.WithComponent("api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	s.router.Use(s.rateLimitMiddleware())

	s.router.GET("/health", s.handleHealth)
	s.router.POST("/api/v1/auth/login", s.handleLogin)

	authed := s.router.Group("/api/v1", auth.Middleware(s.jwt))
	{
		authed.GET("/status", s.handleStatus)
		authed.GET("/orders/open", s.handleOpenOrders)
		authed.GET("/orders/reviews", s.handleReviewQueue)
		authed.GET("/orders/:id", s.handleGetOrder)
		authed.GET("/positions", s.handlePositions)
		authed.GET("/allocations", s.handleAllocations)
		authed.GET("/audit", s.handleAudit)

		control := authed.Group("/control", auth.RequireAdmin())
		control.POST("/:command", s.handleControl)
	}

	if s.hub != nil {
		s.router.GET("/ws", func(c *gin.Context) {
			s.hub.ServeWS(c.Writer, c.Request)
		})
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP() + ":" + c.FullPath()
		if !s.limiter.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// Start begins serving in a background goroutine
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("API server failed", "error", err)
		}
	}()
	s.log.Info("API server listening", "addr", addr)
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin engine for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}
