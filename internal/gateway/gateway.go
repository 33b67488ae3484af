// Package gateway exposes the bill-audit-and-settlement pipeline over HTTP.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/healthpay/healthpayd/internal/audit"
	"github.com/healthpay/healthpayd/internal/limits"
	"github.com/healthpay/healthpayd/internal/settlement"
	"github.com/healthpay/healthpayd/internal/wallet"
)

func init() {
	// API consumers expect plain JSON numbers for money fields.
	decimal.MarshalJSONWithoutQuotes = true
}

// TransactionLister lists persisted transactions. Implemented by the
// settlement store.
type TransactionLister interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]settlement.Transaction, error)
}

// Config holds gateway configuration.
type Config struct {
	Treasury        string // recipient of bill settlements
	TokenDecimals   int32
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// Gateway is the HTTP API.
type Gateway struct {
	router      *gin.Engine
	cfg         Config
	auditor     *audit.Engine
	enforcer    *limits.Enforcer
	bridge      *wallet.Bridge
	recorder    *settlement.Recorder
	lister      TransactionLister
	rateLimiter *rateLimiter

	registry         *prometheus.Registry
	requestsTotal    *prometheus.CounterVec
	settlementsTotal *prometheus.CounterVec
}

// New creates the gateway and wires its routes.
func New(cfg Config, auditor *audit.Engine, enforcer *limits.Enforcer, bridge *wallet.Bridge, recorder *settlement.Recorder, lister TransactionLister) *Gateway {
	if cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = 6
	}
	if cfg.RateLimitMax == 0 {
		cfg.RateLimitMax = 100
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = time.Minute
	}

	registry := prometheus.NewRegistry()
	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "healthpay_http_requests_total",
		Help: "HTTP requests by method and status.",
	}, []string{"method", "status"})
	settlementsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "healthpay_settlements_total",
		Help: "Settlement attempts by outcome.",
	}, []string{"outcome"})
	registry.MustRegister(requestsTotal, settlementsTotal)

	g := &Gateway{
		router:   gin.New(),
		cfg:      cfg,
		auditor:  auditor,
		enforcer: enforcer,
		bridge:   bridge,
		recorder: recorder,
		lister:   lister,
		rateLimiter: &rateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
		registry:         registry,
		requestsTotal:    requestsTotal,
		settlementsTotal: settlementsTotal,
	}

	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(gin.Recovery())
	g.router.Use(g.loggingMiddleware())
	g.router.Use(g.rateLimitMiddleware())

	g.router.GET("/health", g.healthCheck)
	g.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{})))

	v1 := g.router.Group("/api/v1")
	{
		v1.POST("/audit", g.auditBill)
		v1.POST("/payments", g.settleBill)
		v1.POST("/bills", g.submitBill)
		v1.GET("/transactions", g.listTransactions)

		v1.GET("/wallet/session", g.walletSession)
		v1.GET("/wallet/balance", g.walletBalance)
	}
}

// Router exposes the underlying engine, mainly for tests.
func (g *Gateway) Router() *gin.Engine {
	return g.router
}

// Start runs the gateway until the server stops.
func (g *Gateway) Start(addr string) error {
	return g.router.Run(addr)
}

// Middleware

func (g *Gateway) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		g.requestsTotal.WithLabelValues(c.Request.Method, http.StatusText(status)).Inc()
		slog.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", time.Since(start),
		)
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// rateLimiter is a sliding-window per-client limiter.
type rateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// Allow checks if a request is allowed.
func (rl *rateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	valid := make([]time.Time, 0, len(rl.requests[key]))
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}
