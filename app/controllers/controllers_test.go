package controllers

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PlanFox/app/models"
	"github.com/ManuelReschke/PlanFox/internal/pkg/billing"
	"github.com/ManuelReschke/PlanFox/internal/pkg/statistics"
	"github.com/ManuelReschke/PlanFox/internal/pkg/usercontext"
)

func ruleError(class error, message string, fields map[string]interface{}) error {
	return errors.Mark(&billing.RuleError{Message: message, Fields: fields}, class)
}

type stubSubs struct {
	checkoutIn billing.CheckoutInput
	changeIn   billing.ChangeInput
	err        error
	page       int
	size       int
}

func (s *stubSubs) Checkout(_ context.Context, _ *models.User, in billing.CheckoutInput) (*billing.CheckoutResult, error) {
	s.checkoutIn = in
	if s.err != nil {
		return nil, s.err
	}
	return &billing.CheckoutResult{CheckoutURL: "https://pay.example.com/session_1", Message: "Redirecting to payment.", Provider: "stripe"}, nil
}

func (s *stubSubs) Upgrade(_ context.Context, _ *models.User, in billing.ChangeInput) (*billing.ChangeResult, error) {
	s.changeIn = in
	if s.err != nil {
		return nil, s.err
	}
	return &billing.ChangeResult{Message: "Upgraded.", Provider: "stripe", Effect: models.EffectImmediate}, nil
}

func (s *stubSubs) Downgrade(_ context.Context, _ *models.User, in billing.ChangeInput) (*billing.ChangeResult, error) {
	s.changeIn = in
	if s.err != nil {
		return nil, s.err
	}
	return &billing.ChangeResult{Message: "Downgrade scheduled.", Provider: "stripe", Effect: models.EffectEndOfPeriod}, nil
}

func (s *stubSubs) Cancel(context.Context, *models.User) (*billing.CancelResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &billing.CancelResult{Message: "Cancelled.", Effect: models.EffectEndOfPeriod, RefundPolicy: models.RefundPolicyPartial, Provider: "stripe", Status: models.SubscriptionStatusCanceled}, nil
}

func (s *stubSubs) ListSubscriptions(_ context.Context, _ uint, page, size int) (billing.Page[billing.SubscriptionView], error) {
	s.page, s.size = page, size
	return billing.Page[billing.SubscriptionView]{Count: 0, Page: page, Results: []billing.SubscriptionView{}}, nil
}

type stubQuotas struct{ quota billing.Quota }

func (s stubQuotas) RemainingQuota(context.Context, uint, string) (billing.Quota, error) {
	return s.quota, nil
}

type stubUserLookup struct{}

func (stubUserLookup) GetByID(id uint) (*models.User, error) {
	if id != 1 {
		return nil, gorm.ErrRecordNotFound
	}
	return &models.User{ID: 1, Email: "alice@example.com"}, nil
}

type stubWebhooks struct {
	result *billing.WebhookResult
	err    error
	sig    string
	body   string
}

func (s *stubWebhooks) HandleWebhook(_ context.Context, provider string, payload []byte, header func(string) string) (*billing.WebhookResult, error) {
	s.sig = header("Stripe-Signature")
	s.body = string(payload)
	return s.result, s.err
}

// asUser authenticates every request as the user in X-Test-User.
func asUser(c *fiber.Ctx) error {
	switch c.Get("X-Test-User") {
	case "1":
		usercontext.Set(c, usercontext.UserContext{UserID: 1, IsLoggedIn: true})
	case "9":
		usercontext.Set(c, usercontext.UserContext{UserID: 9, IsLoggedIn: true})
	}
	return c.Next()
}

func newBillingApp(subs *stubSubs, quotas QuotaService, webhooks *stubWebhooks) *fiber.App {
	bc := NewBillingController(subs, quotas, stubUserLookup{}, webhooks)
	app := fiber.New()
	app.Post("/webhooks/:provider", bc.HandleWebhook)
	api := app.Group("/api", asUser)
	api.Post("/checkout", bc.HandleCheckout)
	api.Post("/upgrade", bc.HandleUpgrade)
	api.Post("/downgrade", bc.HandleDowngrade)
	api.Post("/cancel", bc.HandleCancel)
	api.Get("/quota", bc.HandleQuota)
	api.Get("/mine", bc.HandleMySubscriptions)
	return app
}

func do(t *testing.T, app *fiber.App, method, path, body string, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

var alice = map[string]string{"X-Test-User": "1"}

func TestCheckoutEndpoint(t *testing.T) {
	t.Parallel()
	subs := &stubSubs{}
	app := newBillingApp(subs, stubQuotas{}, &stubWebhooks{})

	status, body := do(t, app, "POST", "/api/checkout", `{"plan_slug":"basic","currency":"ngn","payment_gateway":"paystack"}`, alice)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "https://pay.example.com/session_1", body["checkout_url"])
	assert.Equal(t, "stripe", body["provider"])
	assert.Equal(t, billing.CheckoutInput{PlanSlug: "basic", Currency: "ngn", Provider: "paystack"}, subs.checkoutIn)

	tests := []struct {
		name   string
		body   string
		user   map[string]string
		status int
		errMsg string
	}{
		{name: "missing plan", body: `{"currency":"USD"}`, user: alice, status: fiber.StatusBadRequest, errMsg: "plan_slug is required."},
		{name: "empty body", user: alice, status: fiber.StatusBadRequest, errMsg: "plan_slug is required."},
		{name: "bad currency", body: `{"plan_slug":"basic","currency":"dollars"}`, user: alice, status: fiber.StatusBadRequest, errMsg: "currency is invalid."},
		{name: "malformed json", body: `{"plan_slug":`, user: alice, status: fiber.StatusBadRequest, errMsg: "Invalid request body."},
		{name: "unknown user", body: `{"plan_slug":"basic"}`, user: map[string]string{"X-Test-User": "9"}, status: fiber.StatusUnauthorized},
	}
	for _, tc := range tests {
		status, body := do(t, app, "POST", "/api/checkout", tc.body, tc.user)
		assert.Equal(t, tc.status, status, tc.name)
		if tc.errMsg != "" {
			assert.Equal(t, tc.errMsg, body["error"], tc.name)
		}
	}
}

func TestServiceErrorsAreTranslated(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
		body   map[string]interface{}
	}{
		{
			name:   "policy violation with fields",
			err:    ruleError(billing.ErrPolicyViolation, "You already have an active subscription.", map[string]interface{}{"current_plan": "Basic", "current_plan_price": "10.00"}),
			status: fiber.StatusBadRequest,
			body:   map[string]interface{}{"error": "You already have an active subscription.", "current_plan": "Basic", "current_plan_price": "10.00"},
		},
		{
			name:   "disabled action",
			err:    ruleError(billing.ErrActionDisabled, "Plan upgrades are currently disabled.", nil),
			status: fiber.StatusForbidden,
			body:   map[string]interface{}{"error": "Plan upgrades are currently disabled."},
		},
		{
			name:   "gateway",
			err:    ruleError(billing.ErrGateway, "The payment provider is unavailable.", nil),
			status: fiber.StatusBadGateway,
			body:   map[string]interface{}{"error": "The payment provider is unavailable."},
		},
		{
			name:   "unclassified",
			err:    errors.New("connection reset"),
			status: fiber.StatusInternalServerError,
			body:   map[string]interface{}{"error": "Internal server error."},
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			app := newBillingApp(&stubSubs{err: tc.err}, stubQuotas{}, &stubWebhooks{})
			status, body := do(t, app, "POST", "/api/upgrade", `{"plan_slug":"pro"}`, alice)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.body, body)
		})
	}
}

func TestChangeAndCancelEndpoints(t *testing.T) {
	t.Parallel()
	subs := &stubSubs{}
	app := newBillingApp(subs, stubQuotas{}, &stubWebhooks{})

	status, body := do(t, app, "POST", "/api/downgrade", `{"plan_slug":"free","payment_gateway":"paystack"}`, alice)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "free", subs.changeIn.PlanSlug)
	assert.Equal(t, models.EffectEndOfPeriod, body["effect"])

	status, body = do(t, app, "POST", "/api/cancel", "", alice)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "partial", body["refund_policy"])
	assert.Equal(t, "canceled", body["status"])
}

func TestQuotaEndpoint(t *testing.T) {
	t.Parallel()

	limited := newBillingApp(&stubSubs{}, stubQuotas{quota: billing.Quota{Kind: billing.QuotaRemaining, Remaining: 7}}, &stubWebhooks{})
	status, body := do(t, limited, "GET", "/api/quota?key=jobs_per_day", "", alice)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, map[string]interface{}{"key": "jobs_per_day", "remaining": float64(7)}, body)

	unlimited := newBillingApp(&stubSubs{}, stubQuotas{quota: billing.Quota{Kind: billing.QuotaUnlimited}}, &stubWebhooks{})
	_, body = do(t, unlimited, "GET", "/api/quota?key=jobs_per_day", "", alice)
	assert.Nil(t, body["remaining"])
	assert.Contains(t, body, "remaining")

	status, _ = do(t, unlimited, "GET", "/api/quota", "", alice)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestMySubscriptionsClampsPaging(t *testing.T) {
	t.Parallel()
	subs := &stubSubs{}
	app := newBillingApp(subs, stubQuotas{}, &stubWebhooks{})

	status, body := do(t, app, "GET", "/api/mine?page=0&page_size=500", "", alice)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, 1, subs.page)
	assert.Equal(t, billing.MaxPageSize, subs.size)
	assert.Equal(t, []interface{}{}, body["results"])
}

func TestWebhookEndpoint(t *testing.T) {
	t.Parallel()

	hooks := &stubWebhooks{result: &billing.WebhookResult{EventID: "evt_1", Applied: true}}
	app := newBillingApp(&stubSubs{}, stubQuotas{}, hooks)
	status, body := do(t, app, "POST", "/webhooks/stripe", `{"id":"evt_1"}`, map[string]string{"Stripe-Signature": "t=1,v1=abc"})
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, true, body["applied"])
	assert.Equal(t, "t=1,v1=abc", hooks.sig)
	assert.Equal(t, `{"id":"evt_1"}`, hooks.body)

	hooks.result = &billing.WebhookResult{EventID: "evt_1", Duplicate: true}
	_, body = do(t, app, "POST", "/webhooks/stripe", `{"id":"evt_1"}`, nil)
	assert.Equal(t, map[string]interface{}{"ok": true, "duplicate": true}, body)

	hooks.result, hooks.err = nil, ruleError(billing.ErrUnauthorized, "Invalid webhook signature.", nil)
	status, _ = do(t, app, "POST", "/webhooks/stripe", `{}`, nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	hooks.err = errors.New("insert event: deadlock")
	status, _ = do(t, app, "POST", "/webhooks/stripe", `{}`, nil)
	assert.Equal(t, fiber.StatusInternalServerError, status)
}

type stubCatalog struct{ filter billing.PlanFilter }

func (s *stubCatalog) ListPlans(filter billing.PlanFilter) (*billing.PlanListing, error) {
	s.filter = filter
	return &billing.PlanListing{Plans: []billing.PlanView{{Slug: "basic"}}}, nil
}

type stubPolicies struct {
	policy  *models.BillingPolicy
	updated *models.BillingPolicy
	upsert  *models.ProviderConfig
}

func (s *stubPolicies) Current(context.Context) (*models.BillingPolicy, error) {
	p := *s.policy
	return &p, nil
}

func (s *stubPolicies) Update(_ context.Context, p *models.BillingPolicy) (*models.BillingPolicy, error) {
	if p.RefundPolicy == "sometimes" {
		return nil, ruleError(billing.ErrValidation, "Invalid billing policy.", nil)
	}
	s.updated = p
	return p, nil
}

func (s *stubPolicies) UpsertProviderConfig(_ context.Context, cfg *models.ProviderConfig) (*models.BillingPolicy, error) {
	s.upsert = cfg
	return s.policy, nil
}

func TestPlanEndpoints(t *testing.T) {
	t.Parallel()
	catalog := &stubCatalog{}
	policies := &stubPolicies{policy: &models.BillingPolicy{
		PolicyText: "<h2>Refunds</h2>",
		UpdatedAt:  time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC),
	}}
	pc := NewPlanController(catalog, policies)
	app := fiber.New()
	app.Get("/plans", pc.HandleListPlans)
	app.Get("/policy", pc.HandlePolicy)

	status, body := do(t, app, "GET", "/plans?interval=monthly,Yearly&currency=ngn&prices=selected", "", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, billing.PlanFilter{Intervals: []string{"monthly", "yearly"}, Currency: "ngn", Prices: "selected"}, catalog.filter)
	assert.Len(t, body["plans"], 1)

	status, _ = do(t, app, "GET", "/plans?prices=some", "", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, body = do(t, app, "GET", "/policy", "", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "<h2>Refunds</h2>", body["policy_html"])
	assert.Equal(t, "2026-03-01T12:00:00Z", body["last_updated"])

	policies.policy.PolicyText = ""
	status, _ = do(t, app, "GET", "/policy", "", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

type stubPrices struct {
	added   decimal.Decimal
	updated *decimal.Decimal
	deleted string
}

func (s *stubPrices) AddPrice(slug, currency string, amount decimal.Decimal, isDefault *bool) (*models.PlanPrice, error) {
	if slug != "basic" {
		return nil, ruleError(billing.ErrNotFound, "Plan not found.", nil)
	}
	s.added = amount
	return &models.PlanPrice{Currency: strings.ToUpper(currency), Amount: amount}, nil
}

func (s *stubPrices) UpdatePrice(_, currency string, amount *decimal.Decimal, _ *bool) (*models.PlanPrice, error) {
	s.updated = amount
	return &models.PlanPrice{Currency: currency, Amount: *amount}, nil
}

func (s *stubPrices) DeletePrice(_, currency string) error {
	s.deleted = currency
	return nil
}

type stubAdminSubs struct{ assigned string }

func (s *stubAdminSubs) SyncStatus(_ context.Context, id uint) (*models.Subscription, error) {
	if id != 5 {
		return nil, ruleError(billing.ErrNotFound, "Subscription not found.", nil)
	}
	return &models.Subscription{ID: 5, Status: models.SubscriptionStatusPastDue, Currency: "USD"}, nil
}

func (s *stubAdminSubs) SyncAll(context.Context) ([]billing.SyncReport, error) {
	return []billing.SyncReport{{Provider: "stripe", Checked: 2}}, nil
}

func (s *stubAdminSubs) StartOrChange(_ context.Context, userID uint, planSlug, _ string) (*models.Subscription, error) {
	s.assigned = planSlug
	return &models.Subscription{ID: 9, UserID: userID, Status: models.SubscriptionStatusActive}, nil
}

type stubReplayer struct{}

func (stubReplayer) Replay(_ context.Context, id uint) (*billing.WebhookResult, error) {
	return &billing.WebhookResult{EventLogID: id, EventID: "evt_9", Applied: true}, nil
}

type stubMetrics map[string]int64

type stubStats struct{ refreshed bool }

func (s *stubStats) Get(context.Context) (*statistics.Snapshot, error) {
	return &statistics.Snapshot{TotalUsers: 3}, nil
}

func (s *stubStats) Refresh(context.Context) (*statistics.Snapshot, error) {
	s.refreshed = true
	return &statistics.Snapshot{TotalUsers: 4}, nil
}

func (s stubMetrics) Snapshot(context.Context) (map[string]int64, error) { return s, nil }

func TestAdminBillingEndpoints(t *testing.T) {
	t.Parallel()
	policies := &stubPolicies{policy: &models.BillingPolicy{
		ID: 1, AllowUpgrade: true, RefundPolicy: models.RefundPolicyPartial,
		ProviderConfigs: []models.ProviderConfig{{ID: 3, Provider: "paystack", Priority: 2}},
	}}
	prices := &stubPrices{}
	subs := &stubAdminSubs{}
	stats := &stubStats{}
	ac := NewAdminBillingController(policies, prices, subs, stubReplayer{}, stubMetrics{"webhook.stripe.received": 4}, stats)

	app := fiber.New()
	app.Put("/policy", ac.HandleUpdatePolicy)
	app.Put("/providers/:provider", ac.HandleUpsertProvider)
	app.Post("/plans/:slug/prices", ac.HandleAddPrice)
	app.Put("/plans/:slug/prices/:currency", ac.HandleUpdatePrice)
	app.Delete("/plans/:slug/prices/:currency", ac.HandleDeletePrice)
	app.Post("/subscriptions/:id/sync", ac.HandleSyncSubscription)
	app.Post("/sync", ac.HandleSyncAll)
	app.Post("/users/:id/subscription", ac.HandleAssignPlan)
	app.Post("/events/:id/replay", ac.HandleReplayEvent)
	app.Get("/metrics", ac.HandleMetrics)
	app.Get("/stats", ac.HandleStats)

	status, _ := do(t, app, "PUT", "/policy", `{"allow_upgrade":false}`, nil)
	assert.Equal(t, fiber.StatusOK, status)
	require.NotNil(t, policies.updated)
	assert.False(t, policies.updated.AllowUpgrade)
	assert.Equal(t, models.RefundPolicyPartial, policies.updated.RefundPolicy)
	assert.Equal(t, uint(1), policies.updated.ID)

	status, _ = do(t, app, "PUT", "/policy", `{"refund_policy":"sometimes"}`, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = do(t, app, "PUT", "/providers/paystack", `{"is_active":true}`, nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, uint(3), policies.upsert.ID)
	assert.True(t, policies.upsert.IsActive)
	assert.Equal(t, 2, policies.upsert.Priority)

	status, _ = do(t, app, "PUT", "/providers/flutterwave", `{"priority":-1}`, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, body := do(t, app, "POST", "/plans/basic/prices", `{"currency":"eur","amount":"8.50"}`, nil)
	assert.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, "EUR", body["currency"])
	assert.True(t, prices.added.Equal(decimal.RequireFromString("8.5")))

	status, _ = do(t, app, "POST", "/plans/nope/prices", `{"currency":"eur","amount":1}`, nil)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = do(t, app, "PUT", "/plans/basic/prices/USD", `{}`, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	status, _ = do(t, app, "PUT", "/plans/basic/prices/USD", `{"amount":12}`, nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.True(t, prices.updated.Equal(decimal.NewFromInt(12)))

	req := httptest.NewRequest("DELETE", "/plans/basic/prices/NGN", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "NGN", prices.deleted)

	status, body = do(t, app, "POST", "/subscriptions/5/sync", "", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, models.SubscriptionStatusPastDue, body["status"])
	status, _ = do(t, app, "POST", "/subscriptions/abc/sync", "", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	status, _ = do(t, app, "POST", "/subscriptions/6/sync", "", nil)
	assert.Equal(t, fiber.StatusNotFound, status)

	_, body = do(t, app, "POST", "/sync", "", nil)
	assert.Len(t, body["reports"], 1)

	status, _ = do(t, app, "POST", "/users/2/subscription", `{}`, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	status, _ = do(t, app, "POST", "/users/2/subscription", `{"plan_slug":"pro"}`, nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "pro", subs.assigned)

	_, body = do(t, app, "POST", "/events/12/replay", "", nil)
	assert.Equal(t, "evt_9", body["event_id"])

	_, body = do(t, app, "GET", "/metrics", "", nil)
	assert.Equal(t, map[string]interface{}{"webhook.stripe.received": float64(4)}, body["counters"])

	_, body = do(t, app, "GET", "/stats", "", nil)
	assert.Equal(t, float64(3), body["total_users"])
	_, body = do(t, app, "GET", "/stats?refresh=true", "", nil)
	assert.Equal(t, float64(4), body["total_users"])
	assert.True(t, stats.refreshed)
}
