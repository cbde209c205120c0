package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PlanFox/app/models"
)

const (
	defaultPaystackBaseURL  = "https://api.paystack.co"
	paystackSignatureHeader = "x-paystack-signature"
)

// PaystackGateway talks to the Paystack REST API. Plan changes disable the
// current subscription and create a new one on the target plan code, so the
// external subscription id changes.
type PaystackGateway struct {
	creds Credentials
	api   *restClient
}

func NewPaystackGateway() *PaystackGateway {
	return &PaystackGateway{}
}

func (g *PaystackGateway) Provider() string { return models.ProviderPaystack }

func (g *PaystackGateway) Configure(creds Credentials) error {
	g.creds = creds
	g.api = nil
	if strings.TrimSpace(creds.SecretKey) != "" {
		base := creds.BaseURL
		if base == "" {
			base = defaultPaystackBaseURL
		}
		g.api = newRESTClient(models.ProviderPaystack, base, strings.TrimSpace(creds.SecretKey))
	}
	return nil
}

func (g *PaystackGateway) client() (*restClient, error) {
	if g.api == nil {
		return nil, errors.Wrap(ErrNotConfigured, "PAYSTACK_SECRET_KEY is not configured")
	}
	return g.api, nil
}

type paystackResponse struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (r *paystackResponse) decode(out interface{}) error {
	if !r.Status {
		return errors.Newf("paystack: %s", r.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(r.Data, out)
}

type paystackCustomer struct {
	CustomerCode string          `json:"customer_code"`
	Email        string          `json:"email"`
	Metadata     json.RawMessage `json:"metadata"`
}

type paystackPlan struct {
	PlanCode string `json:"plan_code"`
	Interval string `json:"interval"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type paystackSubscription struct {
	SubscriptionCode string            `json:"subscription_code"`
	EmailToken       string            `json:"email_token"`
	Status           string            `json:"status"`
	Amount           int64             `json:"amount"`
	NextPaymentDate  string            `json:"next_payment_date"`
	CreatedAt        string            `json:"createdAt"`
	Customer         *paystackCustomer `json:"customer"`
	Plan             *paystackPlan     `json:"plan"`
}

func (g *PaystackGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutHandle, error) {
	api, err := g.client()
	if err != nil {
		return nil, err
	}
	if req.Plan == nil || req.Price == nil || req.User == nil {
		return nil, errors.New("checkout request requires user, plan and price")
	}

	body := map[string]interface{}{
		"email":    req.User.Email,
		"amount":   ToMinorUnits(req.Price.Amount),
		"currency": strings.ToUpper(req.Price.Currency),
		"metadata": map[string]interface{}{
			"user_id":       strconv.FormatUint(uint64(req.User.ID), 10),
			"plan_slug":     req.Plan.Slug,
			"cancel_action": g.creds.CancelURL,
		},
	}
	if code := req.Plan.ProviderPlanRef(models.ProviderPaystack); code != "" {
		body["plan"] = code
	}
	if g.creds.SuccessURL != "" {
		body["callback_url"] = g.creds.SuccessURL
	}

	var resp paystackResponse
	if err := api.post(ctx, "/transaction/initialize", body, &resp); err != nil {
		return nil, errors.Wrap(err, "initialize paystack transaction")
	}
	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		Reference        string `json:"reference"`
	}
	if err := resp.decode(&data); err != nil {
		return nil, err
	}
	return &CheckoutHandle{
		URL:                data.AuthorizationURL,
		Reference:          data.Reference,
		ExternalCustomerID: req.ExternalCustomerID,
	}, nil
}

func (g *PaystackGateway) fetchSubscription(ctx context.Context, api *restClient, code string) (*paystackSubscription, error) {
	var resp paystackResponse
	if err := api.get(ctx, "/subscription/"+url.PathEscape(code), &resp); err != nil {
		return nil, err
	}
	var sub paystackSubscription
	if err := resp.decode(&sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (g *PaystackGateway) disable(ctx context.Context, api *restClient, remote *paystackSubscription) error {
	body := map[string]string{
		"code":  remote.SubscriptionCode,
		"token": remote.EmailToken,
	}
	var resp paystackResponse
	if err := api.post(ctx, "/subscription/disable", body, &resp); err != nil {
		return errors.Wrapf(err, "disable paystack subscription %s", remote.SubscriptionCode)
	}
	return resp.decode(nil)
}

func (g *PaystackGateway) ProcessUpgrade(ctx context.Context, sub *models.Subscription, change PlanChange) (*ChangeOutcome, error) {
	return g.switchPlan(ctx, sub, change)
}

// ProcessDowngrade switches plans immediately. Paystack cannot move a
// subscription to another plan at renewal, so deferred downgrades are
// refused.
func (g *PaystackGateway) ProcessDowngrade(ctx context.Context, sub *models.Subscription, change PlanChange) (*ChangeOutcome, error) {
	if change.Effect == models.EffectEndOfPeriod {
		return nil, errors.Wrap(ErrNotSupported, "paystack cannot schedule a downgrade for the end of the period")
	}
	return g.switchPlan(ctx, sub, change)
}

func (g *PaystackGateway) switchPlan(ctx context.Context, sub *models.Subscription, change PlanChange) (*ChangeOutcome, error) {
	api, err := g.client()
	if err != nil {
		return nil, err
	}
	planCode := change.Plan.ProviderPlanRef(models.ProviderPaystack)
	if planCode == "" {
		return nil, errors.Wrapf(ErrNotSupported, "plan %s has no paystack_plan_code", change.Plan.Slug)
	}

	remote, err := g.fetchSubscription(ctx, api, sub.ExternalSubscriptionID)
	if err != nil {
		return nil, errors.Wrapf(err, "retrieve paystack subscription %s", sub.ExternalSubscriptionID)
	}
	customer := sub.ExternalCustomerID
	if customer == "" && remote.Customer != nil {
		customer = remote.Customer.CustomerCode
	}

	if err := g.disable(ctx, api, remote); err != nil {
		return nil, err
	}

	body := map[string]string{
		"customer": customer,
		"plan":     planCode,
	}
	var resp paystackResponse
	if err := api.post(ctx, "/subscription", body, &resp); err != nil {
		return nil, errors.Wrapf(err, "create paystack subscription on %s", planCode)
	}
	var created paystackSubscription
	if err := resp.decode(&created); err != nil {
		return nil, err
	}

	return &ChangeOutcome{
		ExternalSubscriptionID: created.SubscriptionCode,
		PeriodStart:            parsePaystackTime(created.CreatedAt),
		PeriodEnd:              parsePaystackTime(created.NextPaymentDate),
	}, nil
}

func (g *PaystackGateway) ProcessCancellation(ctx context.Context, sub *models.Subscription, effect string) (*CancelOutcome, error) {
	api, err := g.client()
	if err != nil {
		return nil, err
	}
	if sub.ExternalSubscriptionID == "" {
		return &CancelOutcome{AlreadyInactive: true}, nil
	}

	remote, err := g.fetchSubscription(ctx, api, sub.ExternalSubscriptionID)
	if err != nil {
		if errors.Is(err, ErrRemoteNotFound) {
			return &CancelOutcome{AlreadyInactive: true}, nil
		}
		return nil, errors.Wrapf(err, "retrieve paystack subscription %s", sub.ExternalSubscriptionID)
	}
	switch MapPaystackStatus(remote.Status) {
	case models.SubscriptionStatusCanceled, models.SubscriptionStatusExpired:
		return &CancelOutcome{AlreadyInactive: true}, nil
	}

	// Paystack only knows "disable"; the paid period stays usable either way.
	if effect == models.EffectImmediate {
		log.Infof("[Paystack] Immediate cancel of %s is sent as disable", remote.SubscriptionCode)
	}
	if err := g.disable(ctx, api, remote); err != nil {
		return nil, err
	}
	return &CancelOutcome{}, nil
}

func (g *PaystackGateway) SyncStatus(ctx context.Context, sub *models.Subscription) (*RemoteStatus, error) {
	api, err := g.client()
	if err != nil {
		return nil, err
	}
	if sub.ExternalSubscriptionID == "" {
		return nil, errors.Wrap(ErrRemoteNotFound, "subscription has no paystack subscription code")
	}
	remote, err := g.fetchSubscription(ctx, api, sub.ExternalSubscriptionID)
	if err != nil {
		return nil, err
	}
	return &RemoteStatus{
		Status:            MapPaystackStatus(remote.Status),
		CancelAtPeriodEnd: strings.EqualFold(remote.Status, "non-renewing"),
		PeriodEnd:         parsePaystackTime(remote.NextPaymentDate),
	}, nil
}

func (g *PaystackGateway) IssueRefund(ctx context.Context, sub *models.Subscription, refundPolicy string, now time.Time) (*Refund, error) {
	if refundPolicy == models.RefundPolicyNone {
		return &Refund{Skipped: true, Currency: sub.Currency}, nil
	}
	api, err := g.client()
	if err != nil {
		return nil, err
	}
	if sub.ExternalCustomerID == "" {
		return nil, errors.Wrap(ErrRemoteNotFound, "subscription has no paystack customer")
	}

	query := url.Values{}
	query.Set("customer", sub.ExternalCustomerID)
	query.Set("status", "success")
	query.Set("perPage", "1")
	var resp paystackResponse
	if err := api.get(ctx, "/transaction?"+query.Encode(), &resp); err != nil {
		return nil, errors.Wrap(err, "list paystack transactions")
	}
	var txs []struct {
		ID        int64  `json:"id"`
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
	}
	if err := resp.decode(&txs); err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, errors.Wrapf(ErrRemoteNotFound, "no successful paystack transaction for %s", sub.ExternalCustomerID)
	}
	tx := txs[0]
	currency := strings.ToUpper(tx.Currency)

	amount := RefundAmount(refundPolicy, tx.Amount, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)
	if amount <= 0 {
		return &Refund{Skipped: true, Currency: currency}, nil
	}

	body := map[string]interface{}{
		"transaction": tx.Reference,
		"amount":      amount,
	}
	var refundResp paystackResponse
	if err := api.post(ctx, "/refund", body, &refundResp); err != nil {
		return nil, errors.Wrapf(err, "refund paystack transaction %s", tx.Reference)
	}
	var refund struct {
		ID int64 `json:"id"`
	}
	if err := refundResp.decode(&refund); err != nil {
		return nil, err
	}
	return &Refund{
		Reference: strconv.FormatInt(refund.ID, 10),
		Amount:    FromMinorUnits(amount),
		Currency:  currency,
	}, nil
}

func (g *PaystackGateway) SignatureHeader() string { return paystackSignatureHeader }

// VerifyWebhook checks the HMAC-SHA512 of the raw body keyed with the secret key.
func (g *PaystackGateway) VerifyWebhook(payload []byte, signature string) error {
	secret := strings.TrimSpace(g.creds.WebhookSecret)
	if secret == "" {
		secret = strings.TrimSpace(g.creds.SecretKey)
	}
	sig := strings.TrimSpace(signature)
	if secret == "" || sig == "" {
		return ErrInvalidSignature
	}
	expected, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return ErrInvalidSignature
	}
	return nil
}

type paystackEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type paystackInvoice struct {
	InvoiceCode  string                `json:"invoice_code"`
	Paid         bool                  `json:"paid"`
	Status       string                `json:"status"`
	Amount       int64                 `json:"amount"`
	PeriodStart  string                `json:"period_start"`
	PeriodEnd    string                `json:"period_end"`
	Subscription *paystackSubscription `json:"subscription"`
	Customer     *paystackCustomer     `json:"customer"`
	Transaction  *struct {
		Reference string `json:"reference"`
		Currency  string `json:"currency"`
	} `json:"transaction"`
}

// ParseWebhook normalizes a Paystack event. Paystack sends no event id, so
// the payload hash identifies the delivery.
func (g *PaystackGateway) ParseWebhook(payload []byte) (*WebhookEvent, error) {
	var env paystackEvent
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, errors.Wrap(err, "decode paystack event")
	}
	if env.Event == "" {
		return nil, errors.New("paystack event has no type")
	}
	ev := &WebhookEvent{Type: env.Event, Kind: EventIgnored}

	switch env.Event {
	case "subscription.create":
		var sub paystackSubscription
		if err := json.Unmarshal(env.Data, &sub); err != nil {
			return nil, errors.Wrap(err, "decode paystack subscription")
		}
		ev.Kind = EventCheckoutCompleted
		fillFromPaystackSubscription(ev, &sub)
		ev.PeriodStart = parsePaystackTime(sub.CreatedAt)
		if sub.Amount > 0 {
			ev.UnitAmount = decimalPtr(FromMinorUnits(sub.Amount))
		} else if sub.Plan != nil {
			ev.UnitAmount = decimalPtr(FromMinorUnits(sub.Plan.Amount))
		}

	case "invoice.update", "invoice.payment_succeeded":
		var inv paystackInvoice
		if err := json.Unmarshal(env.Data, &inv); err != nil {
			return nil, errors.Wrap(err, "decode paystack invoice")
		}
		if !inv.Paid && !strings.EqualFold(inv.Status, "success") {
			return ev, nil
		}
		if inv.Subscription == nil || inv.Subscription.SubscriptionCode == "" {
			return ev, nil
		}
		ev.Kind = EventPaymentSucceeded
		ev.ID = inv.InvoiceCode
		fillFromPaystackSubscription(ev, inv.Subscription)
		if inv.Customer != nil {
			ev.ExternalCustomerID = inv.Customer.CustomerCode
			ev.CustomerEmail = inv.Customer.Email
		}
		ev.PeriodStart = parsePaystackTime(inv.PeriodStart)
		if end := parsePaystackTime(inv.PeriodEnd); !end.IsZero() {
			ev.PeriodEnd = end
		}
		if inv.Transaction != nil {
			ev.Currency = strings.ToUpper(inv.Transaction.Currency)
		}

	case "subscription.disable", "subscription.not_renew":
		var sub paystackSubscription
		if err := json.Unmarshal(env.Data, &sub); err != nil {
			return nil, errors.Wrap(err, "decode paystack subscription")
		}
		ev.Kind = EventSubscriptionDeleted
		fillFromPaystackSubscription(ev, &sub)
	}

	return ev, nil
}

func fillFromPaystackSubscription(ev *WebhookEvent, sub *paystackSubscription) {
	ev.ExternalSubscriptionID = sub.SubscriptionCode
	ev.Status = MapPaystackStatus(sub.Status)
	ev.CancelAtPeriodEnd = strings.EqualFold(sub.Status, "non-renewing")
	ev.PeriodEnd = parsePaystackTime(sub.NextPaymentDate)
	if sub.Customer != nil {
		ev.ExternalCustomerID = sub.Customer.CustomerCode
		ev.CustomerEmail = sub.Customer.Email
		ev.UserID = paystackMetadataUserID(sub.Customer.Metadata)
	}
	if sub.Plan != nil {
		ev.PlanRef = sub.Plan.PlanCode
		ev.Currency = strings.ToUpper(sub.Plan.Currency)
	}
}

// HandleWebhook fills in the renewal date of new subscriptions when the
// event did not carry one.
func (g *PaystackGateway) HandleWebhook(ctx context.Context, ev *WebhookEvent) error {
	if g.api == nil || ev.Kind != EventCheckoutCompleted || !ev.PeriodEnd.IsZero() || ev.ExternalSubscriptionID == "" {
		return nil
	}
	remote, err := g.fetchSubscription(ctx, g.api, ev.ExternalSubscriptionID)
	if err != nil {
		return errors.Wrapf(err, "retrieve paystack subscription %s", ev.ExternalSubscriptionID)
	}
	ev.PeriodEnd = parsePaystackTime(remote.NextPaymentDate)
	ev.Status = MapPaystackStatus(remote.Status)
	return nil
}

func paystackMetadataUserID(raw json.RawMessage) uint {
	if len(raw) == 0 {
		return 0
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return 0
	}
	return parseUserID(models.JSONMap(meta).String("user_id"))
}

func parsePaystackTime(raw string) time.Time {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
