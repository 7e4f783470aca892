// Package api serves the read-only status surface: loop health, stored positions, the
// ledger, kill switch state, recent events and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"futures-agent/config"
	"futures-agent/internal/bot"
	"futures-agent/internal/circuit"
	"futures-agent/internal/events"
	"futures-agent/internal/ledger"
	"futures-agent/internal/logging"
	"futures-agent/internal/position"
)

// AgentStatus reports per-symbol loop health.
type AgentStatus interface {
	Status() []bot.LoopStatus
}

// PositionReader reads stored position state.
type PositionReader interface {
	position.Store
	position.Lister
}

// LedgerReader exposes recent outcomes and per-strategy scores.
type LedgerReader interface {
	Recent(n int) []ledger.Entry
	Leaderboard() []ledger.Score
}

// KillSwitchStatus reports kill switch configuration and trips.
type KillSwitchStatus interface {
	Status() circuit.Status
}

// PriceSource marks stored positions to market. Optional.
type PriceSource interface {
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// Sources are the components the server reads from. Nil sources answer 503.
type Sources struct {
	Agent      AgentStatus
	Positions  PositionReader
	Prices     PriceSource
	Ledger     LedgerReader
	KillSwitch KillSwitchStatus
	History    *events.History
	Metrics    http.Handler
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     config.ServerConfig
	src        Sources
	logger     *logging.Logger
	started    time.Time
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, src Sources, logger *logging.Logger) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	s := &Server{
		router:  router,
		config:  cfg,
		src:     src,
		logger:  logger.WithComponent("api"),
		started: time.Now(),
	}

	router.Use(s.requestLogger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.src.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.src.Metrics))
	}

	api := s.router.Group("/api")
	if s.config.JWTSecret != "" {
		api.Use(Middleware([]byte(s.config.JWTSecret)))
	}
	{
		api.GET("/positions", s.handleListPositions)
		api.GET("/positions/:symbol", s.handleGetPosition)
		api.GET("/ledger", s.handleLedger)
		api.GET("/ledger/scores", s.handleScores)
		api.GET("/killswitch", s.handleKillSwitch)
		api.GET("/events", s.handleEvents)
	}
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", addr, "auth", s.config.JWTSecret != "")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithDuration(time.Since(start)).Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"client_ip", c.ClientIP(),
		)
	}
}
