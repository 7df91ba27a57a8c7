package api

import (
	"strings"

	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) setupRoutes() {
	s.app.Use(recover.New())
	if s.config.Logging.Development {
		s.app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		}))
	}
	s.app.Use(s.metricsMiddleware())

	origins := strings.Join(s.config.Security.AllowOrigins, ",")
	if origins == "" {
		origins = "*"
	}
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := s.app.Group("/api")

	api.Get("/health", s.handleHealth)
	api.Post("/auth/login", s.handleLogin)

	protected := api.Use(s.authMiddleware())

	protected.Get("/medicines", s.handleListMedicines)
	protected.Post("/medicines", s.handleCreateMedicine)
	protected.Get("/medicines/:id", s.handleGetMedicine)
	protected.Put("/medicines/:id", s.handleUpdateMedicine)
	protected.Post("/medicines/:id/reconcile", s.handleReconcileMedicine)

	protected.Get("/doses", s.handleListDoses)
	protected.Post("/doses/:id/take", s.handleTakeDose)
	protected.Post("/doses/:id/skip", s.handleSkipDose)
	protected.Post("/doses/:id/notes", s.handleAddNote)

	protected.Get("/adherence", s.handleAdherence)
	protected.Post("/sweep", s.handleSweep)

	protected.Get("/tools", s.handleListTools)
	protected.Post("/tools/execute", s.handleExecuteTool)
}
