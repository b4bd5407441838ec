package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/kiemusic/internal/hub"
	"github.com/makeasinger/kiemusic/internal/reconcile"
)

type HealthHandler struct {
	engine   *reconcile.Engine
	hub      *hub.Hub
	services map[string]bool
}

// NewHealthHandler reports the given collaborators as configured or not
func NewHealthHandler(e *reconcile.Engine, h *hub.Hub, services map[string]bool) *HealthHandler {
	return &HealthHandler{engine: e, hub: h, services: services}
}

// Health handles GET /health
// @Summary      Health check
// @Tags         Health
// @Produce      json
// @Success      200 {object} map[string]interface{}
// @Router       /health [get]
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":      "ok",
		"activeLoops": h.engine.Active(),
		"subscribers": h.hub.Count(),
		"services":    h.services,
	})
}
