package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/legal-rag/backend/internal/status"
	"github.com/legal-rag/backend/pkg/logger"
)

type StatusHandler struct {
	reporter *status.Reporter
}

func NewStatusHandler(reporter *status.Reporter) *StatusHandler {
	return &StatusHandler{reporter: reporter}
}

func (h *StatusHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.reporter.Stats(c.UserContext())
	if err != nil {
		logger.Error("Failed to collect stats", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to collect stats",
		})
	}
	return c.JSON(stats)
}

func (h *StatusHandler) Health(c *fiber.Ctx) error {
	health := h.reporter.Health(c.UserContext())
	if health.Status != status.StatusHealthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(health)
	}
	return c.JSON(health)
}
