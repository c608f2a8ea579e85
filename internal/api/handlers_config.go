package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/1broseidon/wxhistory/internal/config"
	"github.com/1broseidon/wxhistory/internal/logging"
)

// getConfigHandler returns the configuration in effect as YAML, with secrets
// redacted
func (s *Server) getConfigHandler(c *fiber.Ctx) error {
	out, err := s.engine.Config().YAML()
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "application/yaml; charset=utf-8")
	return c.Send(out)
}

// reloadConfigHandler re-reads the configuration file and applies it to the
// engine. An invalid file leaves the running configuration untouched.
func (s *Server) reloadConfigHandler(c *fiber.Ctx) error {
	if s.configPath == "" {
		return fiber.NewError(fiber.StatusConflict, "server was started without a config file")
	}

	cfg, err := config.LoadConfig(s.configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		s.logger.WithComponent(logging.ComponentAPI).
			WithError(err).
			Warn("Rejected configuration reload")
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	if err := s.engine.Reconfigure(cfg); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	s.logger.ConfigEvent(logging.EventConfigReload, "Configuration reloaded via API", map[string]interface{}{
		"path": s.configPath,
	})

	return c.JSON(fiber.Map{
		"status":  "reloaded",
		"message": "History, report and export settings applied",
	})
}
