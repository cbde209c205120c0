package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PlanFox/app/models"
	"github.com/ManuelReschke/PlanFox/internal/pkg/billing"
	"github.com/ManuelReschke/PlanFox/internal/pkg/statistics"
)

// PolicyAdmin edits the billing policy.
type PolicyAdmin interface {
	PolicyReader
	Update(ctx context.Context, policy *models.BillingPolicy) (*models.BillingPolicy, error)
	UpsertProviderConfig(ctx context.Context, cfg *models.ProviderConfig) (*models.BillingPolicy, error)
}

// PriceAdmin edits plan prices.
type PriceAdmin interface {
	AddPrice(slug, currency string, amount decimal.Decimal, isDefault *bool) (*models.PlanPrice, error)
	UpdatePrice(slug, currency string, amount *decimal.Decimal, isDefault *bool) (*models.PlanPrice, error)
	DeletePrice(slug, currency string) error
}

// SubscriptionAdmin runs operator actions on subscriptions.
type SubscriptionAdmin interface {
	SyncStatus(ctx context.Context, subscriptionID uint) (*models.Subscription, error)
	SyncAll(ctx context.Context) ([]billing.SyncReport, error)
	StartOrChange(ctx context.Context, userID uint, planSlug, currency string) (*models.Subscription, error)
}

// EventReplayer re-applies stored provider events.
type EventReplayer interface {
	Replay(ctx context.Context, eventLogID uint) (*billing.WebhookResult, error)
}

// MetricsSource exposes billing counters.
type MetricsSource interface {
	Snapshot(ctx context.Context) (map[string]int64, error)
}

// StatsSource returns the subscription overview.
type StatsSource interface {
	Get(ctx context.Context) (*statistics.Snapshot, error)
	Refresh(ctx context.Context) (*statistics.Snapshot, error)
}

var (
	_ PolicyAdmin       = (*billing.PolicyStore)(nil)
	_ PriceAdmin        = (*billing.Catalog)(nil)
	_ SubscriptionAdmin = (*billing.Service)(nil)
	_ EventReplayer     = (*billing.Reconciler)(nil)
	_ StatsSource       = (*statistics.Service)(nil)
)

// AdminBillingController serves the operator endpoints.
type AdminBillingController struct {
	policies PolicyAdmin
	prices   PriceAdmin
	subs     SubscriptionAdmin
	events   EventReplayer
	metrics  MetricsSource
	stats    StatsSource
}

func NewAdminBillingController(policies PolicyAdmin, prices PriceAdmin, subs SubscriptionAdmin, events EventReplayer, metrics MetricsSource, stats StatsSource) *AdminBillingController {
	return &AdminBillingController{policies: policies, prices: prices, subs: subs, events: events, metrics: metrics, stats: stats}
}

func (ac *AdminBillingController) HandleGetPolicy(c *fiber.Ctx) error {
	policy, err := ac.policies.Current(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(policy)
}

// HandleUpdatePolicy applies a partial update: omitted fields keep their
// current value. Provider configs are edited through their own endpoint.
func (ac *AdminBillingController) HandleUpdatePolicy(c *fiber.Ctx) error {
	current, err := ac.policies.Current(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	next := *current
	if err := c.BodyParser(&next); err != nil {
		return badRequest(c, "Invalid request body.")
	}
	next.ID = current.ID
	next.ProviderConfigs = nil

	updated, err := ac.policies.Update(c.UserContext(), &next)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(updated)
}

type providerConfigRequest struct {
	IsActive           *bool          `json:"is_active"`
	Priority           *int           `json:"priority" validate:"omitempty,min=0"`
	AdditionalSettings models.JSONMap `json:"additional_settings"`
}

// HandleUpsertProvider creates or edits the configuration of one provider.
func (ac *AdminBillingController) HandleUpsertProvider(c *fiber.Ctx) error {
	var req providerConfigRequest
	if err := parseBody(c, &req); err != nil {
		return bodyError(c, err)
	}
	current, err := ac.policies.Current(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}

	cfg := models.ProviderConfig{Provider: c.Params("provider")}
	if existing := current.ProviderConfig(cfg.Provider); existing != nil {
		cfg = *existing
	}
	if req.IsActive != nil {
		cfg.IsActive = *req.IsActive
	}
	if req.Priority != nil {
		cfg.Priority = *req.Priority
	}
	if req.AdditionalSettings != nil {
		cfg.AdditionalSettings = req.AdditionalSettings
	}

	policy, err := ac.policies.UpsertProviderConfig(c.UserContext(), &cfg)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(policy)
}

type addPriceRequest struct {
	Currency  string          `json:"currency" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
	IsDefault *bool           `json:"is_default"`
}

type updatePriceRequest struct {
	Amount    *decimal.Decimal `json:"amount"`
	IsDefault *bool            `json:"is_default"`
}

func (ac *AdminBillingController) HandleAddPrice(c *fiber.Ctx) error {
	var req addPriceRequest
	if err := parseBody(c, &req); err != nil {
		return bodyError(c, err)
	}
	price, err := ac.prices.AddPrice(c.Params("slug"), req.Currency, req.Amount, req.IsDefault)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(price)
}

func (ac *AdminBillingController) HandleUpdatePrice(c *fiber.Ctx) error {
	var req updatePriceRequest
	if err := parseBody(c, &req); err != nil {
		return bodyError(c, err)
	}
	if req.Amount == nil && req.IsDefault == nil {
		return badRequest(c, "Nothing to update.")
	}
	price, err := ac.prices.UpdatePrice(c.Params("slug"), c.Params("currency"), req.Amount, req.IsDefault)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(price)
}

func (ac *AdminBillingController) HandleDeletePrice(c *fiber.Ctx) error {
	if err := ac.prices.DeletePrice(c.Params("slug"), c.Params("currency")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// HandleSyncSubscription pulls the remote status of one subscription.
func (ac *AdminBillingController) HandleSyncSubscription(c *fiber.Ctx) error {
	id, ok := paramUint(c, "id")
	if !ok {
		return badRequest(c, "Invalid subscription id.")
	}
	sub, err := ac.subs.SyncStatus(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(billing.NewSubscriptionView(*sub))
}

// HandleSyncAll runs a full sync pass synchronously.
func (ac *AdminBillingController) HandleSyncAll(c *fiber.Ctx) error {
	reports, err := ac.subs.SyncAll(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	if reports == nil {
		reports = []billing.SyncReport{}
	}
	return c.JSON(fiber.Map{"reports": reports})
}

type assignPlanRequest struct {
	PlanSlug string `json:"plan_slug" validate:"required"`
	Currency string `json:"currency" validate:"omitempty,len=3,alpha"`
}

// HandleAssignPlan puts a user on a plan without a payment provider.
func (ac *AdminBillingController) HandleAssignPlan(c *fiber.Ctx) error {
	userID, ok := paramUint(c, "id")
	if !ok {
		return badRequest(c, "Invalid user id.")
	}
	var req assignPlanRequest
	if err := parseBody(c, &req); err != nil {
		return bodyError(c, err)
	}
	sub, err := ac.subs.StartOrChange(c.UserContext(), userID, req.PlanSlug, req.Currency)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(billing.NewSubscriptionView(*sub))
}

func (ac *AdminBillingController) HandleReplayEvent(c *fiber.Ctx) error {
	id, ok := paramUint(c, "id")
	if !ok {
		return badRequest(c, "Invalid event id.")
	}
	result, err := ac.events.Replay(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"event_id": result.EventID, "kind": result.Kind, "applied": result.Applied})
}

func (ac *AdminBillingController) HandleMetrics(c *fiber.Ctx) error {
	counters, err := ac.metrics.Snapshot(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"counters": counters})
}

// HandleStats returns subscription counts, cached for a few minutes.
// refresh=true recomputes them.
func (ac *AdminBillingController) HandleStats(c *fiber.Ctx) error {
	get := ac.stats.Get
	if c.QueryBool("refresh") {
		get = ac.stats.Refresh
	}
	snap, err := get(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(snap)
}
