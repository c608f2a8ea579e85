package api

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/timeout"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1broseidon/wxhistory/internal/config"
	"github.com/1broseidon/wxhistory/internal/engine"
	"github.com/1broseidon/wxhistory/internal/logging"
)

// Server represents the API server
type Server struct {
	app        *fiber.App
	config     *config.Config
	configPath string
	engine     *engine.Engine
	logger     *logging.Logger
	gatherer   prometheus.Gatherer
	validate   *validator.Validate
}

// NewServer creates a new API server over eng. configPath is re-read by the
// reload endpoint; an empty path disables it. A nil gatherer disables /metrics.
func NewServer(cfg *config.Config, configPath string, eng *engine.Engine, logger *logging.Logger, gatherer prometheus.Gatherer) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "wxhistory",
		DisableStartupMessage: true,
		ServerHeader:          "wxhistory",
		ErrorHandler:          errorHandler(logger),
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		IdleTimeout:           120 * time.Second,
		ReadBufferSize:        8192,
	})

	s := &Server{
		app:        app,
		config:     cfg,
		configPath: configPath,
		engine:     eng,
		logger:     logger,
		gatherer:   gatherer,
		validate:   validator.New(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	if s.config.Logging.Level == "debug" {
		s.app.Use(logger.New(logger.Config{
			Format: "${time} | ${status} | ${latency} | ${method} ${path}\n",
		}))
	}

	corsOrigins := "*"
	if len(s.config.Server.CORSOrigins) > 0 {
		corsOrigins = strings.Join(s.config.Server.CORSOrigins, ",")
	}
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: corsOrigins,
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	requestTimeout := s.config.Server.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	s.app.Use(timeout.NewWithContext(func(c *fiber.Ctx) error {
		return c.Next()
	}, requestTimeout))
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/ready", s.readyHandler)

	if s.gatherer != nil && s.config.Metrics.Enabled {
		path := s.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.app.Get(path, adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	api := s.app.Group("/api/v1")

	api.Post("/queries", s.recordQueryHandler)
	api.Post("/fetch", s.fetchHandler)

	api.Get("/history", s.listHistoryHandler)
	api.Delete("/history", s.clearHistoryHandler)
	api.Get("/stats", s.statsHandler)

	api.Post("/reports", s.generateReportHandler)
	api.Post("/reports/export", s.exportReportHandler)

	api.Get("/favorites", s.listFavoritesHandler)
	api.Post("/favorites", s.addFavoriteHandler)
	api.Delete("/favorites/:name", s.removeFavoriteHandler)
	api.Post("/favorites/:name/promote", s.promoteFavoriteHandler)

	api.Get("/config", s.getConfigHandler)
	api.Post("/reload", s.reloadConfigHandler)
}

// Start starts the server
func (s *Server) Start() error {
	address := s.config.Server.Host + ":" + s.config.Server.Port

	s.logger.WithComponent(logging.ComponentAPI).
		WithEvent(logging.EventServerStart).
		WithFields(map[string]interface{}{
			"address": address,
		}).
		Info("Starting HTTP server")

	return s.app.Listen(address)
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.logger.WithComponent(logging.ComponentAPI).
		WithEvent(logging.EventServerStop).
		Info("Stopping HTTP server")
	return s.app.Shutdown()
}

func errorHandler(logger *logging.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		log := logger.WithComponent(logging.ComponentAPI).
			WithFields(map[string]interface{}{
				"method": c.Method(),
				"path":   c.Path(),
				"status": code,
			}).
			WithError(err)
		if code >= fiber.StatusInternalServerError {
			log.Error("HTTP request error")
		} else {
			log.Debug("HTTP request rejected")
		}

		return c.Status(code).JSON(fiber.Map{
			"error":   true,
			"message": err.Error(),
		})
	}
}
