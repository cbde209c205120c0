package controllers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PlanFox/app/models"
	"github.com/ManuelReschke/PlanFox/internal/pkg/billing"
	"github.com/ManuelReschke/PlanFox/internal/pkg/usercontext"
)

// SubscriptionService is the subscription side of billing.Service.
type SubscriptionService interface {
	Checkout(ctx context.Context, user *models.User, in billing.CheckoutInput) (*billing.CheckoutResult, error)
	Upgrade(ctx context.Context, user *models.User, in billing.ChangeInput) (*billing.ChangeResult, error)
	Downgrade(ctx context.Context, user *models.User, in billing.ChangeInput) (*billing.ChangeResult, error)
	Cancel(ctx context.Context, user *models.User) (*billing.CancelResult, error)
	ListSubscriptions(ctx context.Context, userID uint, page, size int) (billing.Page[billing.SubscriptionView], error)
}

// QuotaService reports remaining usage allowances.
type QuotaService interface {
	RemainingQuota(ctx context.Context, userID uint, key string) (billing.Quota, error)
}

// UserLookup loads the authenticated user.
type UserLookup interface {
	GetByID(id uint) (*models.User, error)
}

// WebhookReceiver verifies, records and applies provider events.
type WebhookReceiver interface {
	HandleWebhook(ctx context.Context, provider string, payload []byte, header func(string) string) (*billing.WebhookResult, error)
}

var (
	_ SubscriptionService = (*billing.Service)(nil)
	_ QuotaService        = (*billing.Ledger)(nil)
	_ WebhookReceiver     = (*billing.Reconciler)(nil)
)

// BillingController serves the subscription endpoints of the authenticated
// user and the provider webhooks.
type BillingController struct {
	subs     SubscriptionService
	quotas   QuotaService
	users    UserLookup
	webhooks WebhookReceiver
}

func NewBillingController(subs SubscriptionService, quotas QuotaService, users UserLookup, webhooks WebhookReceiver) *BillingController {
	return &BillingController{subs: subs, quotas: quotas, users: users, webhooks: webhooks}
}

type checkoutRequest struct {
	PlanSlug       string `json:"plan_slug" validate:"required"`
	Currency       string `json:"currency" validate:"omitempty,len=3,alpha"`
	PaymentGateway string `json:"payment_gateway"`
}

type changeRequest struct {
	PlanSlug string `json:"plan_slug" validate:"required"`
	// Plan changes always use the provider of the live subscription; the
	// field is accepted for compatibility with older clients.
	PaymentGateway string `json:"payment_gateway"`
}

func (bc *BillingController) currentUser(c *fiber.Ctx) (*models.User, error) {
	user, err := bc.users.GetByID(usercontext.GetUserID(c))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unknown user."})
		}
		return nil, respondError(c, err)
	}
	return user, nil
}

// HandleCheckout starts a purchase and returns the provider redirect.
func (bc *BillingController) HandleCheckout(c *fiber.Ctx) error {
	var req checkoutRequest
	if err := parseBody(c, &req); err != nil {
		return bodyError(c, err)
	}
	user, err := bc.currentUser(c)
	if user == nil {
		return err
	}
	result, err := bc.subs.Checkout(c.UserContext(), user, billing.CheckoutInput{
		PlanSlug: req.PlanSlug,
		Currency: req.Currency,
		Provider: req.PaymentGateway,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(result)
}

func (bc *BillingController) handleChange(c *fiber.Ctx, change func(context.Context, *models.User, billing.ChangeInput) (*billing.ChangeResult, error)) error {
	var req changeRequest
	if err := parseBody(c, &req); err != nil {
		return bodyError(c, err)
	}
	user, err := bc.currentUser(c)
	if user == nil {
		return err
	}
	result, err := change(c.UserContext(), user, billing.ChangeInput{PlanSlug: req.PlanSlug})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": result.Message, "provider": result.Provider, "effect": result.Effect})
}

// HandleUpgrade moves the live subscription to a more expensive plan.
func (bc *BillingController) HandleUpgrade(c *fiber.Ctx) error {
	return bc.handleChange(c, bc.subs.Upgrade)
}

// HandleDowngrade moves the live subscription to a cheaper plan.
func (bc *BillingController) HandleDowngrade(c *fiber.Ctx) error {
	return bc.handleChange(c, bc.subs.Downgrade)
}

// HandleCancel cancels the live subscription according to the policy.
func (bc *BillingController) HandleCancel(c *fiber.Ctx) error {
	user, err := bc.currentUser(c)
	if user == nil {
		return err
	}
	result, err := bc.subs.Cancel(c.UserContext(), user)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(result)
}

// HandleQuota returns the remaining allowance of one entitlement key.
// remaining is null for unlimited keys.
func (bc *BillingController) HandleQuota(c *fiber.Ctx) error {
	key := strings.TrimSpace(c.Query("key"))
	if key == "" {
		return badRequest(c, "key is required.")
	}
	quota, err := bc.quotas.RemainingQuota(c.UserContext(), usercontext.GetUserID(c), key)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"key": key, "remaining": quota.Value()})
}

// HandleMySubscriptions lists the caller's subscriptions, newest first.
func (bc *BillingController) HandleMySubscriptions(c *fiber.Ctx) error {
	page, size := billing.NormalizePage(c.QueryInt("page", 1), c.QueryInt("page_size", billing.DefaultPageSize))
	result, err := bc.subs.ListSubscriptions(c.UserContext(), usercontext.GetUserID(c), page, size)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(result)
}

// HandleWebhook receives a provider event. The body is verified before
// anything else; once the event is logged the provider gets a 200 even if
// applying it failed, so it does not retry what is already stored.
func (bc *BillingController) HandleWebhook(c *fiber.Ctx) error {
	provider := c.Params("provider")
	payload := append([]byte(nil), c.Body()...)

	result, err := bc.webhooks.HandleWebhook(c.UserContext(), provider, payload, func(name string) string {
		return c.Get(name)
	})
	if err != nil {
		return respondError(c, err)
	}
	if result.Duplicate {
		return c.JSON(fiber.Map{"ok": true, "duplicate": true})
	}
	return c.JSON(fiber.Map{"ok": true, "event_id": result.EventID, "applied": result.Applied})
}
