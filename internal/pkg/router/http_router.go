package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// HttpRouter installs the routes that live outside /api: liveness and the
// provider webhooks, which authenticate by signature instead of API key.
type HttpRouter struct {
	deps Dependencies
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "time": time.Now().UTC()})
	})

	if h.deps.Billing != nil {
		app.Post("/webhooks/:provider", h.deps.Billing.HandleWebhook)
	}
}

func NewHttpRouter(deps Dependencies) *HttpRouter {
	return &HttpRouter{deps: deps}
}
