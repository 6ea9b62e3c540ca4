// Package server provides the HTTP API for treedb.
//
// Every data endpoint is session-scoped: the caller opens a session against a
// (database, table) pair via POST /api/config, then passes its id on each
// request as a ?session= query parameter or an X-Session-Id header. Handlers
// resolve the session, bind an execution context for the duration of the
// request, and translate domain errors into stable status codes.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/jpl-au/treedb/internal/browse"
	"github.com/jpl-au/treedb/internal/session"
)

// Server provides HTTP endpoints for treedb.
type Server struct {
	echo     *echo.Echo
	sessions *session.Manager
	browser  *browse.Browser
	logger   *zap.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// Defaults is the binding reported by GET /api/config when the caller
	// has no session yet; clients prefill the binding form from it.
	Defaults session.Binding
}

// NewServer creates a new HTTP server.
func NewServer(sessions *session.Manager, browser *browse.Browser, logger *zap.Logger, cfg *Config) (*Server, error) {
	if sessions == nil {
		return nil, fmt.Errorf("session manager cannot be nil")
	}
	if browser == nil {
		return nil, fmt.Errorf("browser cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 8765,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		sessions: sessions,
		browser:  browser,
		logger:   logger,
		config:   cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Health check
	s.echo.GET("/health", s.handleHealth)

	api := s.echo.Group("/api")
	api.GET("/meta", s.handleMeta)

	api.GET("/nodes", s.handleListNodes)
	api.POST("/nodes", s.handleCreateNode)
	api.PUT("/nodes/:id", s.handleUpdateNode)
	api.DELETE("/nodes/:id", s.handleDeleteNode)
	api.POST("/nodes/:id/move", s.handleMoveNode)
	api.POST("/nodes/restore", s.handleRestoreNodes)

	api.POST("/sort-order/rebuild", s.handleRebuildSortOrder)
	api.GET("/foreign/:column", s.handleForeignOptions)

	api.GET("/config", s.handleGetConfig)
	api.POST("/config", s.handleUpdateConfig)
	api.GET("/config/tables", s.handleListTables)
	api.GET("/config/db-files", s.handleBrowseDatabases)

	api.DELETE("/session", s.handleDeleteSession)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// sessionID extracts the caller's session id from the query string or the
// X-Session-Id header. Returns "" when absent.
func sessionID(c echo.Context) string {
	if id := strings.TrimSpace(c.QueryParam("session")); id != "" {
		return id
	}
	return strings.TrimSpace(c.Request().Header.Get("X-Session-Id"))
}

// requireSession resolves the caller's session, touching its last-active
// time. A missing id maps to 400, an unknown or expired one to 410.
func (s *Server) requireSession(c echo.Context) (*session.Session, error) {
	id := sessionID(c)
	if id == "" {
		return nil, errMissingSession
	}
	sess := s.sessions.Get(id, true)
	if sess == nil {
		return nil, session.ErrSessionNotFound
	}
	return sess, nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
