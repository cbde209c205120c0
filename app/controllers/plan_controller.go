package controllers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PlanFox/app/models"
	"github.com/ManuelReschke/PlanFox/internal/pkg/billing"
)

// PlanCatalog lists the public plan catalog.
type PlanCatalog interface {
	ListPlans(filter billing.PlanFilter) (*billing.PlanListing, error)
}

// PolicyReader returns the current billing policy.
type PolicyReader interface {
	Current(ctx context.Context) (*models.BillingPolicy, error)
}

var (
	_ PlanCatalog  = (*billing.Catalog)(nil)
	_ PolicyReader = (*billing.PolicyStore)(nil)
)

// PlanController serves the public catalog and the rendered billing policy.
type PlanController struct {
	catalog  PlanCatalog
	policies PolicyReader
}

func NewPlanController(catalog PlanCatalog, policies PolicyReader) *PlanController {
	return &PlanController{catalog: catalog, policies: policies}
}

// HandleListPlans returns the active plans with prices and a comparison
// table per interval. interval may be a comma separated list or "all".
func (pc *PlanController) HandleListPlans(c *fiber.Ctx) error {
	prices := strings.ToLower(strings.TrimSpace(c.Query("prices", billing.PricesAll)))
	switch prices {
	case billing.PricesAll, billing.PricesSelected, billing.PricesNone:
	default:
		return badRequest(c, "prices must be one of all, selected, none.")
	}

	listing, err := pc.catalog.ListPlans(billing.PlanFilter{
		Intervals: billing.ParseIntervals(c.Query("interval")),
		Currency:  c.Query("currency"),
		Prices:    prices,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(listing)
}

// HandlePolicy returns the generated policy document.
func (pc *PlanController) HandlePolicy(c *fiber.Ctx) error {
	policy, err := pc.policies.Current(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	if strings.TrimSpace(policy.PolicyText) == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "No billing policy has been published yet."})
	}
	return c.JSON(fiber.Map{
		"last_updated": policy.UpdatedAt,
		"policy_html":  policy.PolicyText,
	})
}
