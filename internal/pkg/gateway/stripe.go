package gateway

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ManuelReschke/PlanFox/app/models"
)

const stripeSignatureHeader = "Stripe-Signature"

// StripeGateway talks to Stripe through stripe-go.
type StripeGateway struct {
	creds  Credentials
	api    stripeAPI
	newAPI func(secretKey string) stripeAPI
}

func NewStripeGateway() *StripeGateway {
	return &StripeGateway{newAPI: newStripeClient}
}

func (g *StripeGateway) Provider() string { return models.ProviderStripe }

// Configure binds credentials. The API client is only created when a secret
// key is present; webhook verification works with the webhook secret alone.
func (g *StripeGateway) Configure(creds Credentials) error {
	g.creds = creds
	g.api = nil
	if strings.TrimSpace(creds.SecretKey) != "" {
		g.api = g.newAPI(strings.TrimSpace(creds.SecretKey))
	}
	return nil
}

func (g *StripeGateway) client() (stripeAPI, error) {
	if g.api == nil {
		return nil, errors.Wrap(ErrNotConfigured, "STRIPE_SECRET_KEY is not configured")
	}
	return g.api, nil
}

// EnsureProduct returns the Stripe product of plan, creating it when missing
// and reactivating it when archived.
func (g *StripeGateway) EnsureProduct(ctx context.Context, plan *models.Plan) (string, error) {
	api, err := g.client()
	if err != nil {
		return "", err
	}

	if plan.StripeProductID != "" {
		product, err := api.GetProduct(ctx, plan.StripeProductID)
		if err == nil {
			if !product.Active {
				params := &stripe.ProductUpdateParams{Active: stripe.Bool(true)}
				if _, err := api.UpdateProduct(ctx, product.ID, params); err != nil {
					return "", errors.Wrapf(err, "reactivate stripe product %s", product.ID)
				}
			}
			return product.ID, nil
		}
		log.Warnf("[Stripe] Product %s of plan %s not retrievable, creating a new one: %v", plan.StripeProductID, plan.Slug, err)
	}

	params := &stripe.ProductCreateParams{
		Name: stripe.String(plan.Name),
	}
	if plan.Description != "" {
		params.Description = stripe.String(plan.Description)
	}
	params.AddMetadata("slug", plan.Slug)
	params.AddMetadata("interval", plan.Interval)

	product, err := api.CreateProduct(ctx, params)
	if err != nil {
		return "", errors.Wrapf(err, "create stripe product for plan %s", plan.Slug)
	}
	plan.StripeProductID = product.ID
	return product.ID, nil
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutHandle, error) {
	api, err := g.client()
	if err != nil {
		return nil, err
	}
	if req.Plan == nil || req.Price == nil || req.User == nil {
		return nil, errors.New("checkout request requires user, plan and price")
	}
	if req.Plan.StripeProductID == "" {
		if _, err := g.EnsureProduct(ctx, req.Plan); err != nil {
			return nil, err
		}
	}

	userID := strconv.FormatUint(uint64(req.User.ID), 10)
	customerID := req.ExternalCustomerID
	if customerID == "" {
		params := &stripe.CustomerCreateParams{
			Email: stripe.String(req.User.Email),
			Name:  stripe.String(req.User.Name),
		}
		params.AddMetadata("user_id", userID)
		customer, err := api.CreateCustomer(ctx, params)
		if err != nil {
			return nil, errors.Wrap(err, "create stripe customer")
		}
		customerID = customer.ID
	}

	price, err := g.createPrice(ctx, req.Plan, req.Price)
	if err != nil {
		return nil, err
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(customerID),
		ClientReferenceID: stripe.String(userID),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(price.ID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: map[string]string{
				"user_id":   userID,
				"plan_slug": req.Plan.Slug,
			},
		},
	}
	if g.creds.SuccessURL != "" {
		params.SuccessURL = stripe.String(g.creds.SuccessURL)
	}
	if g.creds.CancelURL != "" {
		params.CancelURL = stripe.String(g.creds.CancelURL)
	}
	params.AddMetadata("user_id", userID)
	params.AddMetadata("plan_slug", req.Plan.Slug)

	session, err := api.CreateCheckoutSession(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "create stripe checkout session")
	}

	return &CheckoutHandle{
		URL:                session.URL,
		Reference:          session.ID,
		ExternalCustomerID: customerID,
	}, nil
}

func (g *StripeGateway) createPrice(ctx context.Context, plan *models.Plan, price *models.PlanPrice) (*stripe.Price, error) {
	params := &stripe.PriceCreateParams{
		Currency:   stripe.String(strings.ToLower(price.Currency)),
		UnitAmount: stripe.Int64(ToMinorUnits(price.Amount)),
		Product:    stripe.String(plan.StripeProductID),
		Recurring: &stripe.PriceCreateRecurringParams{
			Interval: stripe.String(StripeInterval(plan.Interval)),
		},
	}
	params.AddMetadata("plan_slug", plan.Slug)

	created, err := g.api.CreatePrice(ctx, params)
	if err != nil {
		return nil, errors.Wrapf(err, "create stripe price for plan %s", plan.Slug)
	}
	return created, nil
}

func (g *StripeGateway) ProcessUpgrade(ctx context.Context, sub *models.Subscription, change PlanChange) (*ChangeOutcome, error) {
	return g.swapPrice(ctx, sub, change)
}

// ProcessDowngrade swaps the price. A downgrade at period end keeps the
// subscription running and swaps without proration, so the cheaper price is
// first invoiced at renewal.
func (g *StripeGateway) ProcessDowngrade(ctx context.Context, sub *models.Subscription, change PlanChange) (*ChangeOutcome, error) {
	if change.Effect == models.EffectEndOfPeriod {
		change.Prorate = false
	}
	return g.swapPrice(ctx, sub, change)
}

func (g *StripeGateway) swapPrice(ctx context.Context, sub *models.Subscription, change PlanChange) (*ChangeOutcome, error) {
	api, err := g.client()
	if err != nil {
		return nil, err
	}
	if sub.ExternalSubscriptionID == "" {
		return nil, errors.New("subscription has no stripe subscription id")
	}

	remote, err := api.GetSubscription(ctx, sub.ExternalSubscriptionID)
	if err != nil {
		return nil, errors.Wrapf(err, "retrieve stripe subscription %s", sub.ExternalSubscriptionID)
	}
	item := firstStripeItem(remote)
	if item == nil {
		return nil, errors.Newf("stripe subscription %s has no items", sub.ExternalSubscriptionID)
	}

	if change.Plan.StripeProductID == "" {
		if _, err := g.EnsureProduct(ctx, change.Plan); err != nil {
			return nil, err
		}
	}
	price, err := g.createPrice(ctx, change.Plan, change.Price)
	if err != nil {
		return nil, err
	}

	proration := "none"
	if change.Prorate {
		proration = "create_prorations"
	}
	params := &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(false),
		ProrationBehavior: stripe.String(proration),
		Items: []*stripe.SubscriptionUpdateItemParams{
			{
				ID:    stripe.String(item.ID),
				Price: stripe.String(price.ID),
			},
		},
	}
	params.AddMetadata("plan_slug", change.Plan.Slug)

	updated, err := api.UpdateSubscription(ctx, sub.ExternalSubscriptionID, params)
	if err != nil {
		return nil, errors.Wrapf(err, "update stripe subscription %s", sub.ExternalSubscriptionID)
	}

	out := &ChangeOutcome{ExternalSubscriptionID: updated.ID}
	if it := firstStripeItem(updated); it != nil {
		out.PeriodStart = unixTime(it.CurrentPeriodStart)
		out.PeriodEnd = unixTime(it.CurrentPeriodEnd)
	}
	return out, nil
}

func (g *StripeGateway) ProcessCancellation(ctx context.Context, sub *models.Subscription, effect string) (*CancelOutcome, error) {
	api, err := g.client()
	if err != nil {
		return nil, err
	}
	if sub.ExternalSubscriptionID == "" {
		return &CancelOutcome{AlreadyInactive: true}, nil
	}

	remote, err := api.GetSubscription(ctx, sub.ExternalSubscriptionID)
	if err != nil {
		if stripeNotFound(err) {
			return &CancelOutcome{AlreadyInactive: true}, nil
		}
		return nil, errors.Wrapf(err, "retrieve stripe subscription %s", sub.ExternalSubscriptionID)
	}
	if remote.Status == stripe.SubscriptionStatusCanceled || remote.Status == stripe.SubscriptionStatusIncompleteExpired {
		return &CancelOutcome{AlreadyInactive: true}, nil
	}

	if effect == models.EffectImmediate {
		if _, err := api.CancelSubscription(ctx, sub.ExternalSubscriptionID); err != nil {
			return nil, errors.Wrapf(err, "cancel stripe subscription %s", sub.ExternalSubscriptionID)
		}
		return &CancelOutcome{}, nil
	}

	params := &stripe.SubscriptionUpdateParams{CancelAtPeriodEnd: stripe.Bool(true)}
	if _, err := api.UpdateSubscription(ctx, sub.ExternalSubscriptionID, params); err != nil {
		return nil, errors.Wrapf(err, "schedule stripe cancellation for %s", sub.ExternalSubscriptionID)
	}
	return &CancelOutcome{}, nil
}

func (g *StripeGateway) SyncStatus(ctx context.Context, sub *models.Subscription) (*RemoteStatus, error) {
	api, err := g.client()
	if err != nil {
		return nil, err
	}
	if sub.ExternalSubscriptionID == "" {
		return nil, errors.Wrap(ErrRemoteNotFound, "subscription has no stripe subscription id")
	}

	remote, err := api.GetSubscription(ctx, sub.ExternalSubscriptionID)
	if err != nil {
		if stripeNotFound(err) {
			return nil, errors.Mark(err, ErrRemoteNotFound)
		}
		return nil, err
	}

	status := &RemoteStatus{
		Status:            MapStripeStatus(string(remote.Status)),
		CancelAtPeriodEnd: remote.CancelAtPeriodEnd,
	}
	if item := firstStripeItem(remote); item != nil {
		status.PeriodStart = unixTime(item.CurrentPeriodStart)
		status.PeriodEnd = unixTime(item.CurrentPeriodEnd)
	}
	return status, nil
}

func (g *StripeGateway) IssueRefund(ctx context.Context, sub *models.Subscription, refundPolicy string, now time.Time) (*Refund, error) {
	if refundPolicy == models.RefundPolicyNone {
		return &Refund{Skipped: true, Currency: sub.Currency}, nil
	}
	api, err := g.client()
	if err != nil {
		return nil, err
	}
	if sub.ExternalCustomerID == "" {
		return nil, errors.Wrap(ErrRemoteNotFound, "subscription has no stripe customer id")
	}

	charge, err := api.LastSucceededCharge(ctx, sub.ExternalCustomerID)
	if err != nil {
		return nil, err
	}
	currency := strings.ToUpper(string(charge.Currency))
	amount := RefundAmount(refundPolicy, charge.AmountReceived, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)
	if amount <= 0 {
		return &Refund{Skipped: true, Currency: currency}, nil
	}

	params := &stripe.RefundCreateParams{
		PaymentIntent: stripe.String(charge.ID),
		Amount:        stripe.Int64(amount),
	}
	params.AddMetadata("subscription_id", strconv.FormatUint(uint64(sub.ID), 10))
	params.AddMetadata("refund_policy", refundPolicy)

	refund, err := api.CreateRefund(ctx, params)
	if err != nil {
		return nil, errors.Wrapf(err, "refund stripe payment %s", charge.ID)
	}
	return &Refund{
		Reference: refund.ID,
		Amount:    FromMinorUnits(amount),
		Currency:  currency,
	}, nil
}

func (g *StripeGateway) SignatureHeader() string { return stripeSignatureHeader }

func (g *StripeGateway) VerifyWebhook(payload []byte, signature string) error {
	secret := strings.TrimSpace(g.creds.WebhookSecret)
	if secret == "" || strings.TrimSpace(signature) == "" {
		return ErrInvalidSignature
	}
	options := webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	}
	if _, err := webhook.ConstructEventWithOptions(payload, signature, secret, options); err != nil {
		return errors.WithSecondaryError(ErrInvalidSignature, err)
	}
	return nil
}

type stripeEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeCheckoutObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	CustomerEmail     string            `json:"customer_email"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	Currency          string            `json:"currency"`
	CustomerDetails   *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

type stripeInvoiceObject struct {
	ID            string `json:"id"`
	Customer      string `json:"customer"`
	CustomerEmail string `json:"customer_email"`
	Subscription  string `json:"subscription"`
	Currency      string `json:"currency"`
	AmountPaid    int64  `json:"amount_paid"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

type stripeSubscriptionObject struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	Metadata          map[string]string `json:"metadata"`
}

// ParseWebhook normalizes a verified Stripe event without calling Stripe.
func (g *StripeGateway) ParseWebhook(payload []byte) (*WebhookEvent, error) {
	var env stripeEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, errors.Wrap(err, "decode stripe event")
	}
	if env.Type == "" {
		return nil, errors.New("stripe event has no type")
	}
	ev := &WebhookEvent{ID: env.ID, Type: env.Type, Kind: EventIgnored}

	switch env.Type {
	case "checkout.session.completed":
		var obj stripeCheckoutObject
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
			return nil, errors.Wrap(err, "decode stripe checkout session")
		}
		if obj.Mode != "" && obj.Mode != string(stripe.CheckoutSessionModeSubscription) {
			return ev, nil
		}
		ev.Kind = EventCheckoutCompleted
		ev.ExternalSubscriptionID = obj.Subscription
		ev.ExternalCustomerID = obj.Customer
		ev.CustomerEmail = obj.CustomerEmail
		if ev.CustomerEmail == "" && obj.CustomerDetails != nil {
			ev.CustomerEmail = obj.CustomerDetails.Email
		}
		ev.UserID = parseUserID(obj.Metadata["user_id"])
		if ev.UserID == 0 {
			ev.UserID = parseUserID(obj.ClientReferenceID)
		}
		ev.PlanSlug = obj.Metadata["plan_slug"]
		ev.Currency = strings.ToUpper(obj.Currency)

	case "invoice.paid", "invoice.payment_succeeded":
		var obj stripeInvoiceObject
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
			return nil, errors.Wrap(err, "decode stripe invoice")
		}
		subID := obj.Subscription
		if subID == "" && obj.Parent != nil && obj.Parent.SubscriptionDetails != nil {
			subID = obj.Parent.SubscriptionDetails.Subscription
		}
		if subID == "" {
			return ev, nil
		}
		ev.Kind = EventPaymentSucceeded
		ev.ExternalSubscriptionID = subID
		ev.ExternalCustomerID = obj.Customer
		ev.CustomerEmail = obj.CustomerEmail
		ev.Currency = strings.ToUpper(obj.Currency)
		if len(obj.Lines.Data) > 0 {
			ev.PeriodStart = unixTime(obj.Lines.Data[0].Period.Start)
			ev.PeriodEnd = unixTime(obj.Lines.Data[0].Period.End)
		}

	case "customer.subscription.deleted":
		var obj stripeSubscriptionObject
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
			return nil, errors.Wrap(err, "decode stripe subscription")
		}
		ev.Kind = EventSubscriptionDeleted
		ev.ExternalSubscriptionID = obj.ID
		ev.ExternalCustomerID = obj.Customer
		ev.Status = MapStripeStatus(obj.Status)
		ev.PlanSlug = obj.Metadata["plan_slug"]
	}

	return ev, nil
}

// HandleWebhook completes checkout and payment events with the remote
// subscription's period and price. Without an API key events pass unchanged.
func (g *StripeGateway) HandleWebhook(ctx context.Context, ev *WebhookEvent) error {
	if g.api == nil || ev.ExternalSubscriptionID == "" {
		return nil
	}
	switch ev.Kind {
	case EventCheckoutCompleted:
	case EventPaymentSucceeded:
		if !ev.PeriodEnd.IsZero() {
			return nil
		}
	default:
		return nil
	}

	remote, err := g.api.GetSubscription(ctx, ev.ExternalSubscriptionID)
	if err != nil {
		return errors.Wrapf(err, "retrieve stripe subscription %s", ev.ExternalSubscriptionID)
	}
	ev.Status = MapStripeStatus(string(remote.Status))
	ev.CancelAtPeriodEnd = remote.CancelAtPeriodEnd
	if ev.PlanSlug == "" && remote.Metadata != nil {
		ev.PlanSlug = remote.Metadata["plan_slug"]
	}
	if ev.UserID == 0 && remote.Metadata != nil {
		ev.UserID = parseUserID(remote.Metadata["user_id"])
	}
	if item := firstStripeItem(remote); item != nil {
		ev.PeriodStart = unixTime(item.CurrentPeriodStart)
		ev.PeriodEnd = unixTime(item.CurrentPeriodEnd)
		if item.Price != nil {
			amount := FromMinorUnits(item.Price.UnitAmount)
			ev.UnitAmount = &amount
			if item.Price.Currency != "" {
				ev.Currency = strings.ToUpper(string(item.Price.Currency))
			}
			if item.Price.Product != nil {
				ev.PlanRef = item.Price.Product.ID
			}
		}
	}
	return nil
}

func firstStripeItem(sub *stripe.Subscription) *stripe.SubscriptionItem {
	if sub == nil || sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil
	}
	return sub.Items.Data[0]
}

func stripeNotFound(err error) bool {
	return errors.Is(err, ErrRemoteNotFound) || isStripeNotFound(err)
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func parseUserID(raw string) uint {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return uint(id)
}

func decimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
