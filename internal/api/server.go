// Package api exposes the engine over HTTP/JSON under /api/v1 and a
// per-challenge websocket push channel. All responses use the
// {success, data, message?} envelope; typed errors map to status codes in
// exactly one place.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"prop-trading-engine/config"
	"prop-trading-engine/internal/apperr"
	"prop-trading-engine/internal/auth"
	"prop-trading-engine/internal/cache"
	"prop-trading-engine/internal/challenge"
	"prop-trading-engine/internal/database"
	"prop-trading-engine/internal/events"
	"prop-trading-engine/internal/ledger"
	"prop-trading-engine/internal/leaderboard"
	"prop-trading-engine/internal/payouts"
	"prop-trading-engine/internal/pricefeed"
)

// Rate limits for the abuse-prone endpoints.
const (
	loginRateLimit  = 10 // per IP per minute
	orderRateLimit  = 60 // per user per minute
	rateLimitWindow = time.Minute
)

// Deps bundles everything the server serves.
type Deps struct {
	Repo       *database.Repository
	Cache      *cache.CacheService
	Bus        *events.EventBus
	Feed       *pricefeed.Feed
	Auth       *auth.Service
	JWT        *auth.JWTManager
	Challenges *challenge.Service
	Trades     *ledger.Service
	Payouts    *payouts.Service
	Boards     *leaderboard.Service
}

// Server is the HTTP API server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     config.ServerConfig
	deps       Deps
	hub        *PushHub
	logger     zerolog.Logger
}

// NewServer builds the server, registers all routes, and wires the push hub
// into the event bus.
func NewServer(cfg config.ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(requestLogger(logger))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router: router,
		config: cfg,
		deps:   deps,
		hub:    NewPushHub(logger),
		logger: logger,
	}

	s.setupRoutes()

	// Engine events reach connected clients through the bus; the indirection
	// in events keeps the engine packages free of an api import.
	events.SetBroadcastChallenge(s.hub.Broadcast)
	deps.Bus.SubscribeAll(func(ev events.Event) {
		events.BroadcastChallenge(ev.ChallengeID, ev)
	})

	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealthLive)
	s.router.GET("/health/ready", s.handleHealthReady)

	v1 := s.router.Group("/api/v1")
	v1.Use(requestTimeout(s.config.RequestTimeout))

	// Public surface.
	v1.POST("/auth/telegram", s.rateLimitByIP("login", loginRateLimit), s.handleTelegramAuth)
	v1.POST("/auth/refresh", s.handleRefresh)
	v1.GET("/challenges", s.handleCatalog)
	v1.GET("/leaderboard/monthly", s.handleLeaderboard(leaderboard.ScopeMonthly))
	v1.GET("/leaderboard/alltime", s.handleLeaderboard(leaderboard.ScopeAllTime))

	// Authenticated surface.
	authed := v1.Group("")
	authed.Use(auth.Middleware(s.deps.JWT))
	{
		authed.POST("/auth/logout", s.handleLogout)

		authed.POST("/challenges/purchase", s.handlePurchase)
		authed.GET("/challenges/my", s.handleMyChallenges)
		authed.GET("/challenges/active", s.handleActiveChallenge)
		authed.GET("/challenges/:id", s.handleGetChallenge)
		authed.GET("/challenges/:id/rules", s.handleChallengeRules)

		authed.POST("/trading/order", s.rateLimitByUser("order", orderRateLimit), s.handleOpenPosition)
		authed.DELETE("/trading/order/:id", s.handleClosePosition)
		authed.GET("/trading/positions", s.handleOpenPositions)
		authed.DELETE("/trading/positions/all", s.handleCloseAllPositions)
		authed.GET("/trading/history", s.handleTradeHistory)
		authed.GET("/trading/kline", s.handleKlines)

		authed.GET("/stats/dashboard", s.handleDashboard)
		authed.GET("/stats/equity-curve", s.handleEquityCurve)

		authed.GET("/payouts", s.handleListPayouts)
		authed.GET("/payouts/available", s.handlePayoutAvailable)
		authed.POST("/payouts/request", s.handlePayoutRequest)

		admin := authed.Group("/admin")
		admin.Use(auth.RequireAdmin())
		{
			admin.GET("/users", s.handleAdminListUsers)
			admin.POST("/users/:id/block", s.handleAdminSetBlocked(true))
			admin.POST("/users/:id/unblock", s.handleAdminSetBlocked(false))
			admin.GET("/challenges", s.handleAdminListChallenges)
			admin.GET("/payouts", s.handleAdminListPayouts)
			admin.POST("/payouts/:id/approve", s.handleAdminPayoutApprove)
			admin.POST("/payouts/:id/reject", s.handleAdminPayoutReject)
			admin.POST("/payouts/:id/sent", s.handleAdminPayoutSent)
		}
	}

	// The websocket carries its token as a query param; the same middleware
	// resolves it.
	s.router.GET("/ws/trading/ws/:challenge_id", auth.Middleware(s.deps.JWT), s.handleChallengeWS)
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("HTTP server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and closes push connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	s.hub.Close()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealthLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleHealthReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.deps.Repo.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "degraded",
			"database": "unreachable",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"database": "ok",
		"cache":    s.deps.Cache.GetStats(),
	})
}

// respond writes the success envelope.
func respond(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// fail maps a typed error to its status exactly once.
func fail(c *gin.Context, err error) {
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"data":    nil,
			"message": "resource not found",
		})
		return
	}

	e := apperr.From(err)
	c.JSON(e.HTTPStatus(), gin.H{
		"success": false,
		"data":    nil,
		"message": e.Message,
	})
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func requestTimeout(d time.Duration) gin.HandlerFunc {
	if d <= 0 {
		d = 15 * time.Second
	}
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// rateLimitByIP protects unauthenticated endpoints; fails open when Redis is
// down.
func (s *Server) rateLimitByIP(scope string, limit int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.deps.Cache.AllowRate(c.Request.Context(), scope, c.ClientIP(), limit, rateLimitWindow) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"data":    nil,
				"message": "too many requests",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) rateLimitByUser(scope string, limit int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.deps.Cache.AllowRate(c.Request.Context(), scope, auth.GetUserID(c), limit, rateLimitWindow) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"data":    nil,
				"message": "too many requests",
			})
			return
		}
		c.Next()
	}
}
