// Package admin is the operator surface: a small HTTP API for inspecting
// the engine and breaker and for the few mutations an operator is allowed
// to make (disengage the halt flag, force an engagement, reload config).
// Mutating routes require the out-of-band operator token; every accepted
// mutation is journaled as an audit event.
package admin

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mt5-crs/executor/internal/breaker"
	"github.com/mt5-crs/executor/internal/config"
	"github.com/mt5-crs/executor/internal/engine"
	"github.com/mt5-crs/executor/internal/journal"
)

// ReasonManualHalt is the default reason for an operator-forced engagement.
const ReasonManualHalt = "MANUAL_HALT"

// Deps is what the admin surface operates on. Journal may be nil.
type Deps struct {
	Engine  *engine.Engine
	Breaker *breaker.Breaker
	Center  *config.Center
	Journal *journal.Journal
}

// Server is the operator HTTP API.
type Server struct {
	router *gin.Engine
	deps   Deps
	addr   string
	token  string
	server *http.Server
	logger zerolog.Logger
}

// New builds the admin server. The operator token guards every mutating
// route; with no token configured those routes refuse outright.
func New(cfg config.AdminConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "X-Operator-Token"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	s := &Server{
		router: router,
		deps:   deps,
		addr:   cfg.Addr,
		token:  cfg.OperatorToken,
		logger: config.NewLogger("admin"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/breaker", s.handleBreaker)

	guarded := s.router.Group("/", s.requireOperator())
	{
		guarded.POST("/breaker/engage", s.handleEngage)
		guarded.POST("/breaker/disengage", s.handleDisengage)
		guarded.POST("/config/reload", s.handleReload)
	}
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", s.addr).Msg("Admin surface listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info().Msg("Admin surface stopping")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Engine.Status())
}

func (s *Server) handleBreaker(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Breaker.Snapshot())
}

type engageRequest struct {
	Reason   string            `json:"reason"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) handleEngage(c *gin.Context) {
	// An empty body is a bare manual halt.
	var req engageRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}
	if req.Reason == "" {
		req.Reason = ReasonManualHalt
	}

	if err := s.deps.Breaker.Engage(req.Reason, req.Metadata); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.audit(c, "breaker engaged", map[string]string{"reason": req.Reason})
	c.JSON(http.StatusOK, s.deps.Breaker.Snapshot())
}

func (s *Server) handleDisengage(c *gin.Context) {
	prev := s.deps.Breaker.Snapshot()
	if err := s.deps.Breaker.Disengage(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.audit(c, "breaker disengaged", map[string]string{"previous_reason": prev.Reason})
	c.JSON(http.StatusOK, s.deps.Breaker.Snapshot())
}

func (s *Server) handleReload(c *gin.Context) {
	if err := s.deps.Center.Reload(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	s.audit(c, "config reloaded", nil)
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}

// requireOperator gates mutating routes on the X-Operator-Token header.
// Tokens are compared as SHA-256 digests so length never leaks.
func (s *Server) requireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.token == "" {
			c.JSON(http.StatusForbidden, gin.H{
				"error": "no operator token configured, mutating routes are disabled",
			})
			c.Abort()
			return
		}
		got := sha256.Sum256([]byte(c.GetHeader("X-Operator-Token")))
		want := sha256.Sum256([]byte(s.token))
		if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
			s.logger.Warn().
				Str("ip", c.ClientIP()).
				Str("path", c.Request.URL.Path).
				Msg("Operator token rejected")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid operator token"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// audit journals an accepted mutation with the caller's address.
func (s *Server) audit(c *gin.Context, detail string, meta map[string]string) {
	if meta == nil {
		meta = map[string]string{}
	}
	meta["client_ip"] = c.ClientIP()
	if err := s.deps.Journal.RecordEvent(c.Request.Context(), journal.EventAdmin, "operator", detail, meta); err != nil {
		s.logger.Warn().Err(err).Str("detail", detail).Msg("Audit event not recorded")
	}
}

// requestLogger logs each request the way the rest of the process logs.
func requestLogger() gin.HandlerFunc {
	logger := config.NewLogger("admin")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		event := logger.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP())
		if len(c.Errors) > 0 {
			event.Str("errors", c.Errors.String())
		}
		event.Msg("Admin request")
	}
}
