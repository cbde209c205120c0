package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PlanFox/app/controllers"
	"github.com/ManuelReschke/PlanFox/app/models"
	"github.com/ManuelReschke/PlanFox/internal/pkg/middleware"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// UserStore is what the routes need from the user repository.
type UserStore interface {
	middleware.APIKeyUsers
	GetByID(id uint) (*models.User, error)
}

// Dependencies carries the wired controllers into the routers.
type Dependencies struct {
	Users   UserStore
	Billing *controllers.BillingController
	Plans   *controllers.PlanController
	Admin   *controllers.AdminBillingController
	// Limiter is applied to authenticated API routes; nil disables it.
	Limiter fiber.Handler
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// The public router goes first: webhooks and health must not pass through
	// API key authentication.
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
