// Package api serves the tracker over HTTP.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gmsas95/myrai-meds/internal/config"
	"github.com/gmsas95/myrai-meds/internal/medication"
	"github.com/gmsas95/myrai-meds/internal/metrics"
	"github.com/gmsas95/myrai-meds/internal/scheduler"
	"github.com/gmsas95/myrai-meds/internal/skills"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Deps are the collaborators the server exposes
type Deps struct {
	Service  *medication.Service
	Driver   *scheduler.Driver
	Skills   *skills.Registry
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	// Ping checks storage health; nil means always healthy
	Ping    func(ctx context.Context) error
	Version string
}

// Server handles the HTTP API
type Server struct {
	app    *fiber.App
	config *config.Config
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// New creates a new API server
func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Skills == nil {
		deps.Skills = skills.NewRegistry()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}

	readTimeout := time.Duration(cfg.Server.ReadTimeout) * time.Second
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := time.Duration(cfg.Server.WriteTimeout) * time.Second
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		logger: logger,
		now:    time.Now,
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "myrai-meds",
		ReadTimeout:           readTimeout,
		WriteTimeout:          writeTimeout,
		IdleTimeout:           120 * time.Second,
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})

	s.setupRoutes()
	return s
}

// App exposes the fiber app, mainly for tests
func (s *Server) App() *fiber.App {
	return s.app
}

// Start listens on the configured address and blocks
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Address, s.config.Server.Port)
	s.logger.Info("HTTP server listening", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}
