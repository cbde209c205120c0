package router

import (
	"github.com/gofiber/fiber/v2"

	apiv1 "github.com/ManuelReschke/PlanFox/internal/api/v1"
	"github.com/ManuelReschke/PlanFox/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api")
	v1 := api.Group("/v1")

	apiServer := apiv1.NewAPIServer(h.deps.Users)
	v1.Get("/ping", apiServer.GetPing)

	// Public catalog. Registered before the authenticated groups so these
	// handlers answer without running their middleware.
	v1.Get("/plans", h.deps.Plans.HandleListPlans)
	v1.Get("/subscriptions/policy", h.deps.Plans.HandlePolicy)

	authed := []fiber.Handler{middleware.APIKeyAuthMiddleware(h.deps.Users)}
	if h.deps.Limiter != nil {
		authed = append(authed, h.deps.Limiter)
	}

	v1.Get("/account", append(authed, apiServer.GetAccount)...)

	subs := v1.Group("/subscriptions", authed...)
	subs.Post("/checkout", h.deps.Billing.HandleCheckout)
	subs.Post("/upgrade", h.deps.Billing.HandleUpgrade)
	subs.Post("/downgrade", h.deps.Billing.HandleDowngrade)
	subs.Post("/cancel", h.deps.Billing.HandleCancel)
	subs.Get("/quota", h.deps.Billing.HandleQuota)
	subs.Get("/my_subscription", h.deps.Billing.HandleMySubscriptions)

	h.registerAdminRoutes(v1.Group("/admin", append(authed, middleware.RequireAdmin)...))
}

func (h ApiRouter) registerAdminRoutes(admin fiber.Router) {
	ac := h.deps.Admin

	admin.Get("/billing/policy", ac.HandleGetPolicy)
	admin.Put("/billing/policy", ac.HandleUpdatePolicy)
	admin.Put("/billing/providers/:provider", ac.HandleUpsertProvider)
	admin.Post("/billing/sync", ac.HandleSyncAll)
	admin.Post("/billing/events/:id/replay", ac.HandleReplayEvent)
	admin.Get("/billing/metrics", ac.HandleMetrics)
	admin.Get("/billing/stats", ac.HandleStats)

	// Prices
	admin.Post("/plans/:slug/prices", ac.HandleAddPrice)
	admin.Put("/plans/:slug/prices/:currency", ac.HandleUpdatePrice)
	admin.Delete("/plans/:slug/prices/:currency", ac.HandleDeletePrice)

	admin.Post("/subscriptions/:id/sync", ac.HandleSyncSubscription)
	admin.Post("/users/:id/subscription", ac.HandleAssignPlan)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
