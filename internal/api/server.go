// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api provides the HTTP server of the config service. It wires the
// gin engine, the shared middleware and the management routes.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ctangarife/openclaw-docker/internal/api/handlers/management"
	"github.com/ctangarife/openclaw-docker/internal/config"
	"github.com/ctangarife/openclaw-docker/internal/logging"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// readHeaderTimeout bounds how long a client may take to send headers.
const readHeaderTimeout = 10 * time.Second

type serverOptionConfig struct {
	extraMiddleware    []gin.HandlerFunc
	engineConfigurator func(*gin.Engine)
}

// ServerOption customises the HTTP server.
type ServerOption func(*serverOptionConfig)

// WithMiddleware appends middleware after the logger and recovery handlers.
func WithMiddleware(mw ...gin.HandlerFunc) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.extraMiddleware = append(cfg.extraMiddleware, mw...)
	}
}

// WithEngineConfigurator runs fn on the engine before routes are added.
func WithEngineConfigurator(fn func(*gin.Engine)) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.engineConfigurator = fn
	}
}

// Server is the config API HTTP server.
type Server struct {
	engine *gin.Engine
	server *http.Server
	mgmt   *management.Handler
	cfg    *config.Config
}

// NewServer creates the gin engine, registers every route and prepares the
// HTTP server on cfg.Host:cfg.Port.
func NewServer(cfg *config.Config, deps management.Dependencies, opts ...ServerOption) *Server {
	optionState := &serverOptionConfig{}
	for i := range opts {
		opts[i](optionState)
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	if optionState.engineConfigurator != nil {
		optionState.engineConfigurator(engine)
	}
	engine.Use(logging.GinLogger())
	engine.Use(logging.GinRecovery())
	engine.Use(corsMiddleware())
	for _, mw := range optionState.extraMiddleware {
		engine.Use(mw)
	}

	deps.Config = cfg
	s := &Server{
		engine: engine,
		mgmt:   management.NewHandler(deps),
		cfg:    cfg,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	h := s.mgmt
	s.engine.GET("/health", h.Health)

	api := s.engine.Group("/api")
	api.GET("/notifications/stream", h.NotificationStream)

	authed := api.Group("")
	authed.Use(h.Middleware())

	creds := authed.Group("/credentials")
	creds.GET("", h.ListCredentials)
	creds.POST("", h.CreateCredential)
	creds.POST("/sync", h.SyncCredentials)
	creds.GET("/sync", h.SyncCredentials)
	creds.PATCH("/:id", h.UpdateCredential)
	creds.DELETE("/:id", h.DeleteCredential)

	cfg := authed.Group("/config")
	cfg.GET("", h.GetConfig)
	cfg.PUT("", h.PutConfig)
	cfg.GET("/available-models", h.AvailableModels)

	gw := authed.Group("/gateway")
	gw.GET("/docker/check", h.DockerCheck)
	gw.GET("/status", h.GatewayStatus)
	gw.POST("/restart", h.RestartGateway)
	gw.POST("/exec", h.ExecInGateway)
	gw.GET("/logs", h.GatewayLogs)

	q := authed.Group("/queue")
	q.GET("/stats", h.QueueStats)
	q.GET("/stats/:provider", h.QueueProviderStats)
	q.GET("/defaults", h.QueueDefaults)
	q.PUT("/limits/:provider", h.SetQueueLimit)
	q.POST("/clear", h.ClearQueues)
	q.GET("/config", h.GetQueueConfig)
	q.POST("/config", h.SaveQueueConfig)

	authed.POST("/chat", h.Chat)
}

// Engine returns the gin engine, for tests and embedding.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Addr returns the listen address.
func (s *Server) Addr() string { return s.server.Addr }

// Start listens and serves until Stop is called. It blocks.
func (s *Server) Start() error {
	if s == nil || s.server == nil {
		return fmt.Errorf("failed to start HTTP server: server not initialized")
	}
	log.Infof("config API listening on %s", s.server.Addr)
	if errServe := s.server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", errServe)
	}
	return nil
}

// Stop gracefully shuts down the server without interrupting active requests.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("Stopping API server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	log.Debug("API server stopped")
	return nil
}

// corsMiddleware reflects the request origin so the bundled web UI can call
// the API from another port.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, "+management.UISecretHeader)
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
