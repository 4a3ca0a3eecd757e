// Package api is the operator-command HTTP surface (§6.5): pause/resume,
// trigger_reflection, blacklist/unblacklist, rollback_adaptation, plus a
// health endpoint and a live event feed over WebSocket — grounded in the
// teacher's internal/api/server.go gin+cors setup and rate limiter,
// narrowed from its multi-user/billing/license/vault surface down to
// this engine's single-operator command set, and its
// internal/api/websocket.go hub for the event broadcast feed.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/paperbot/engine/config"
	"github.com/paperbot/engine/internal/auth"
	"github.com/paperbot/engine/internal/domain"
	"github.com/paperbot/engine/internal/events"
	"github.com/paperbot/engine/internal/health"
)

// Engine is the subset of Orchestrator the operator API drives.
type Engine interface {
	Pause()
	Resume()
	Paused() bool
	TriggerReflection(ctx context.Context) error
}

// KnowledgeStore is the subset of internal/knowledge.KnowledgeStore the
// blacklist/rollback commands need.
type KnowledgeStore interface {
	SetCoinStatus(ctx context.Context, symbol string, status domain.CoinStatus, reason *string) error
	GetAdaptationsForTarget(ctx context.Context, target string) ([]domain.Adaptation, error)
	RecordRollback(ctx context.Context, id string, reason string) error
}

// HealthReporter is anything with a component health snapshot; Server
// polls one per component to answer GET /health.
type HealthReporter interface {
	Health() health.Health
}

// RateLimiter is a simple in-memory per-key request limiter, kept from
// the teacher's rate limiter verbatim (§6.5 commands are infrequent
// operator actions, not a hot path, but still worth bounding).
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter constructs a RateLimiter.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{requests: make(map[string][]time.Time), limit: limit, window: window}
}

// Allow reports whether key may make another request within the window.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)
	recent := r.requests[key][:0]
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

// Server is the operator-command HTTP+WebSocket API.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	cfg         config.ServerConfig
	authCfg     config.AuthConfig
	jwtManager  *auth.JWTManager
	engine      Engine
	store       KnowledgeStore
	bus         *events.EventBus
	components  []HealthReporter
	rateLimiter *RateLimiter
	hub         *WSHub
}

// New constructs a Server and wires its routes. jwtManager is nil when
// authCfg.Enabled is false.
func New(cfg config.ServerConfig, authCfg config.AuthConfig, jwtManager *auth.JWTManager, eng Engine, store KnowledgeStore, bus *events.EventBus, components []HealthReporter) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOriginFunc = func(origin string) bool {
		return cfg.AllowedOrigins == "*" || cfg.AllowedOrigins == origin
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	hub := NewWSHub()
	go hub.Run()
	bus.SubscribeAll(func(e events.Event) { hub.BroadcastEvent(e) })

	s := &Server{
		router:      router,
		cfg:         cfg,
		authCfg:     authCfg,
		jwtManager:  jwtManager,
		engine:      eng,
		store:       store,
		bus:         bus,
		components:  components,
		rateLimiter: NewRateLimiter(60, time.Minute),
		hub:         hub,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.POST("/api/auth/login", s.handleLogin)
	s.router.GET("/ws", s.handleWebSocket)

	commands := s.router.Group("/api/commands")
	commands.Use(s.rateLimitMiddleware())
	if s.authCfg.Enabled {
		commands.Use(s.authMiddleware())
	}
	commands.POST("/pause", s.handlePause)
	commands.POST("/resume", s.handleResume)
	commands.POST("/trigger_reflection", s.handleTriggerReflection)
	commands.POST("/blacklist", s.handleBlacklist)
	commands.POST("/unblacklist", s.handleUnblacklist)
	commands.POST("/rollback_adaptation", s.handleRollbackAdaptation)
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if _, err := s.jwtManager.ValidateAccessToken(header[len(prefix):]); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Username != s.authCfg.AdminUser || !auth.VerifyPassword(req.Password, s.authCfg.AdminPasswordHash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	token, err := s.jwtManager.GenerateAccessToken(req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": token, "token_type": "Bearer"})
}

// handleHealth answers the aggregate health of every wired component
// (§4.10: "overall is the worst").
func (s *Server) handleHealth(c *gin.Context) {
	statuses := make([]health.Status, 0, len(s.components))
	detail := make(map[string]health.Health, len(s.components))
	for _, comp := range s.components {
		h := comp.Health()
		statuses = append(statuses, h.Status)
		detail[h.Component] = h
	}
	overall := health.Worst(statuses...)
	code := http.StatusOK
	if overall == health.StatusFailed {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": overall, "components": detail, "paused": s.engine.Paused()})
}

func (s *Server) handlePause(c *gin.Context) {
	s.engine.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) handleResume(c *gin.Context) {
	s.engine.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

func (s *Server) handleTriggerReflection(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 65*time.Second)
	defer cancel()
	if err := s.engine.TriggerReflection(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"triggered": true})
}

func (s *Server) handleBlacklist(c *gin.Context) {
	var req struct {
		Symbol string `json:"symbol" binding:"required"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	reason := req.Reason
	if err := s.store.SetCoinStatus(c.Request.Context(), req.Symbol, domain.StatusBlacklisted, &reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": req.Symbol, "status": domain.StatusBlacklisted})
}

func (s *Server) handleUnblacklist(c *gin.Context) {
	var req struct {
		Symbol string `json:"symbol" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.store.SetCoinStatus(c.Request.Context(), req.Symbol, domain.StatusNormal, nil); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": req.Symbol, "status": domain.StatusNormal})
}

func (s *Server) handleRollbackAdaptation(c *gin.Context) {
	var req struct {
		AdaptationID string `json:"adaptation_id" binding:"required"`
		Reason       string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual operator rollback"
	}
	if err := s.store.RecordRollback(c.Request.Context(), req.AdaptationID, reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"adaptation_id": req.AdaptationID, "rolled_back": true})
}

// Run starts the HTTP listener and blocks until ctx is canceled, then
// shuts down within cfg.ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         addr(s.cfg),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownTimeout := time.Duration(s.cfg.ShutdownTimeout) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func addr(cfg config.ServerConfig) string {
	host := cfg.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}
