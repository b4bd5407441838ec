package handler

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/kiemusic/internal/auth"
	"github.com/makeasinger/kiemusic/internal/hub"
	"github.com/makeasinger/kiemusic/internal/middleware"
	"github.com/makeasinger/kiemusic/internal/reconcile"
	"github.com/makeasinger/kiemusic/internal/service"
)

type RouterConfig struct {
	Service       *service.GenerationService
	Engine        *reconcile.Engine
	Hub           *hub.Hub
	Events        *EventsHandler
	Authenticator *auth.Authenticator
	// Gateway trusts X-User-* headers instead of checking tokens
	Gateway       bool
	RateLimiter   *middleware.RateLimiter
	SubmitPerHour int
	Services      map[string]bool
}

// SetupRouter registers every route on app
func SetupRouter(app *fiber.App, cfg RouterConfig) {
	validate := validator.New()

	generations := NewGenerationHandler(cfg.Service, validate)
	projects := NewProjectHandler(cfg.Service, validate)
	health := NewHealthHandler(cfg.Engine, cfg.Hub, cfg.Services)
	authHandler := NewAuthHandler(cfg.Authenticator)

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})
	app.Get("/health", health.Health)

	// ForwardAuth verification endpoint (internal, called by the gateway)
	app.Get("/auth/verify", authHandler.Verify)

	// Live updates
	app.Get("/events", cfg.Events.Stream)
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(cfg.Hub.ServeWebsocket))

	authMiddleware := middleware.Authenticate(cfg.Authenticator)
	if cfg.Gateway {
		authMiddleware = middleware.Gateway()
	}
	api := app.Group("/api", authMiddleware)

	api.Get("/projects", projects.List)
	api.Post("/projects", projects.Create)
	api.Get("/projects/:id", projects.Get)
	api.Patch("/projects/:id", projects.Rename)
	api.Delete("/projects/:id", projects.Delete)

	submitLimit := cfg.RateLimiter.SubmitLimit(cfg.SubmitPerHour)
	api.Post("/generations", submitLimit, generations.Create)
	api.Post("/generations/extend", submitLimit, generations.Extend)
	api.Get("/generations/by-task/:taskId", generations.GetByTask)
	api.Get("/generations/:id", generations.Get)
	api.Get("/generations/:id/songs/:audioId", generations.Song)
}
