package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PlanFox/app/models"
)

const (
	defaultFlutterwaveBaseURL  = "https://api.flutterwave.com/v3"
	flutterwaveSignatureHeader = "verif-hash"
)

// FlutterwaveGateway talks to the Flutterwave v3 REST API. Flutterwave
// identifies customers by email, which is stored as the external customer id.
// Plan changes are not available on Flutterwave payment plans.
type FlutterwaveGateway struct {
	creds Credentials
	api   *restClient
}

func NewFlutterwaveGateway() *FlutterwaveGateway {
	return &FlutterwaveGateway{}
}

func (g *FlutterwaveGateway) Provider() string { return models.ProviderFlutterwave }

func (g *FlutterwaveGateway) Configure(creds Credentials) error {
	g.creds = creds
	g.api = nil
	if strings.TrimSpace(creds.SecretKey) != "" {
		base := creds.BaseURL
		if base == "" {
			base = defaultFlutterwaveBaseURL
		}
		g.api = newRESTClient(models.ProviderFlutterwave, base, strings.TrimSpace(creds.SecretKey))
	}
	return nil
}

func (g *FlutterwaveGateway) client() (*restClient, error) {
	if g.api == nil {
		return nil, errors.Wrap(ErrNotConfigured, "FLUTTERWAVE_SECRET_KEY is not configured")
	}
	return g.api, nil
}

type flutterwaveResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (r *flutterwaveResponse) decode(out interface{}) error {
	if r.Status != "success" {
		return errors.Newf("flutterwave: %s", r.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(r.Data, out)
}

type flutterwaveSubscription struct {
	ID       int64  `json:"id"`
	Status   string `json:"status"`
	Plan     int64  `json:"plan"`
	Customer struct {
		ID    int64  `json:"id"`
		Email string `json:"customer_email"`
	} `json:"customer"`
	CreatedAt string `json:"created_at"`
}

func (g *FlutterwaveGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutHandle, error) {
	api, err := g.client()
	if err != nil {
		return nil, err
	}
	if req.Plan == nil || req.Price == nil || req.User == nil {
		return nil, errors.New("checkout request requires user, plan and price")
	}

	txRef := "plf-" + uuid.NewString()
	body := map[string]interface{}{
		"tx_ref":       txRef,
		"amount":       req.Price.Amount.StringFixed(2),
		"currency":     strings.ToUpper(req.Price.Currency),
		"redirect_url": g.creds.SuccessURL,
		"customer": map[string]string{
			"email": req.User.Email,
			"name":  req.User.Name,
		},
		"meta": map[string]string{
			"user_id":   strconv.FormatUint(uint64(req.User.ID), 10),
			"plan_slug": req.Plan.Slug,
		},
	}
	if code := req.Plan.ProviderPlanRef(models.ProviderFlutterwave); code != "" {
		body["payment_plan"] = code
	}

	var resp flutterwaveResponse
	if err := api.post(ctx, "/payments", body, &resp); err != nil {
		return nil, errors.Wrap(err, "create flutterwave payment")
	}
	var data struct {
		Link string `json:"link"`
	}
	if err := resp.decode(&data); err != nil {
		return nil, err
	}
	return &CheckoutHandle{
		URL:                data.Link,
		Reference:          txRef,
		ExternalCustomerID: req.User.Email,
	}, nil
}

func (g *FlutterwaveGateway) ProcessUpgrade(context.Context, *models.Subscription, PlanChange) (*ChangeOutcome, error) {
	return nil, errors.Wrap(ErrNotSupported, "flutterwave does not support plan upgrades")
}

func (g *FlutterwaveGateway) ProcessDowngrade(context.Context, *models.Subscription, PlanChange) (*ChangeOutcome, error) {
	return nil, errors.Wrap(ErrNotSupported, "flutterwave does not support plan downgrades")
}

func (g *FlutterwaveGateway) ProcessCancellation(ctx context.Context, sub *models.Subscription, effect string) (*CancelOutcome, error) {
	api, err := g.client()
	if err != nil {
		return nil, err
	}
	if sub.ExternalSubscriptionID == "" {
		return &CancelOutcome{AlreadyInactive: true}, nil
	}

	var resp flutterwaveResponse
	path := "/subscriptions/" + url.PathEscape(sub.ExternalSubscriptionID) + "/cancel"
	if err := api.put(ctx, path, map[string]string{}, &resp); err != nil {
		if errors.Is(err, ErrRemoteNotFound) {
			return &CancelOutcome{AlreadyInactive: true}, nil
		}
		return nil, errors.Wrapf(err, "cancel flutterwave subscription %s", sub.ExternalSubscriptionID)
	}
	if err := resp.decode(nil); err != nil {
		return nil, err
	}
	return &CancelOutcome{}, nil
}

func (g *FlutterwaveGateway) findSubscription(ctx context.Context, api *restClient, email, id string) (*flutterwaveSubscription, error) {
	query := url.Values{}
	query.Set("email", email)
	var resp flutterwaveResponse
	if err := api.get(ctx, "/subscriptions?"+query.Encode(), &resp); err != nil {
		return nil, err
	}
	var subs []flutterwaveSubscription
	if err := resp.decode(&subs); err != nil {
		return nil, err
	}
	for i := range subs {
		if id == "" && MapFlutterwaveStatus(subs[i].Status) == models.SubscriptionStatusActive {
			return &subs[i], nil
		}
		if id != "" && strconv.FormatInt(subs[i].ID, 10) == id {
			return &subs[i], nil
		}
	}
	return nil, errors.Wrapf(ErrRemoteNotFound, "flutterwave subscription %q for %s", id, email)
}

func (g *FlutterwaveGateway) SyncStatus(ctx context.Context, sub *models.Subscription) (*RemoteStatus, error) {
	api, err := g.client()
	if err != nil {
		return nil, err
	}
	if sub.ExternalSubscriptionID == "" || sub.ExternalCustomerID == "" {
		return nil, errors.Wrap(ErrRemoteNotFound, "subscription has no flutterwave reference")
	}
	remote, err := g.findSubscription(ctx, api, sub.ExternalCustomerID, sub.ExternalSubscriptionID)
	if err != nil {
		return nil, err
	}
	return &RemoteStatus{Status: MapFlutterwaveStatus(remote.Status)}, nil
}

func (g *FlutterwaveGateway) IssueRefund(ctx context.Context, sub *models.Subscription, refundPolicy string, now time.Time) (*Refund, error) {
	if refundPolicy == models.RefundPolicyNone {
		return &Refund{Skipped: true, Currency: sub.Currency}, nil
	}
	api, err := g.client()
	if err != nil {
		return nil, err
	}
	if sub.ExternalCustomerID == "" {
		return nil, errors.Wrap(ErrRemoteNotFound, "subscription has no flutterwave customer")
	}

	query := url.Values{}
	query.Set("customer_email", sub.ExternalCustomerID)
	query.Set("status", "successful")
	var resp flutterwaveResponse
	if err := api.get(ctx, "/transactions?"+query.Encode(), &resp); err != nil {
		return nil, errors.Wrap(err, "list flutterwave transactions")
	}
	var txs []struct {
		ID       int64           `json:"id"`
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
	}
	if err := resp.decode(&txs); err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, errors.Wrapf(ErrRemoteNotFound, "no successful flutterwave transaction for %s", sub.ExternalCustomerID)
	}
	tx := txs[0]
	currency := strings.ToUpper(tx.Currency)

	amount := RefundAmount(refundPolicy, ToMinorUnits(tx.Amount), sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)
	if amount <= 0 {
		return &Refund{Skipped: true, Currency: currency}, nil
	}

	body := map[string]string{"amount": FromMinorUnits(amount).StringFixed(2)}
	var refundResp flutterwaveResponse
	if err := api.post(ctx, fmt.Sprintf("/transactions/%d/refund", tx.ID), body, &refundResp); err != nil {
		return nil, errors.Wrapf(err, "refund flutterwave transaction %d", tx.ID)
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

func (g *FlutterwaveGateway) SignatureHeader() string { return flutterwaveSignatureHeader }

// VerifyWebhook compares the verif-hash header with the configured secret hash.
func (g *FlutterwaveGateway) VerifyWebhook(_ []byte, signature string) error {
	secret := strings.TrimSpace(g.creds.WebhookSecret)
	sig := strings.TrimSpace(signature)
	if secret == "" || sig == "" {
		return ErrInvalidSignature
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(sig)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

type flutterwaveEvent struct {
	Event string `json:"event"`
	Data  struct {
		ID          int64           `json:"id"`
		TxRef       string          `json:"tx_ref"`
		Status      string          `json:"status"`
		Amount      decimal.Decimal `json:"amount"`
		Currency    string          `json:"currency"`
		CreatedAt   string          `json:"created_at"`
		PaymentPlan json.Number     `json:"payment_plan"`
		Plan        json.Number     `json:"plan"`
		Customer    struct {
			ID            int64  `json:"id"`
			Email         string `json:"email"`
			CustomerEmail string `json:"customer_email"`
		} `json:"customer"`
	} `json:"data"`
	MetaData map[string]interface{} `json:"meta_data"`
}

// ParseWebhook normalizes a Flutterwave event. Charges are identified by
// their transaction reference until HandleWebhook resolves the subscription.
func (g *FlutterwaveGateway) ParseWebhook(payload []byte) (*WebhookEvent, error) {
	var env flutterwaveEvent
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, errors.Wrap(err, "decode flutterwave event")
	}
	if env.Event == "" {
		return nil, errors.New("flutterwave event has no type")
	}
	ev := &WebhookEvent{Type: env.Event, Kind: EventIgnored}
	if env.Data.ID != 0 {
		ev.ID = fmt.Sprintf("%s:%d", env.Event, env.Data.ID)
	}
	email := env.Data.Customer.Email
	if email == "" {
		email = env.Data.Customer.CustomerEmail
	}

	switch env.Event {
	case "charge.completed":
		if !strings.EqualFold(env.Data.Status, "successful") {
			return ev, nil
		}
		ev.Kind = EventCheckoutCompleted
		ev.ExternalSubscriptionID = env.Data.TxRef
		ev.ExternalCustomerID = email
		ev.CustomerEmail = email
		ev.Currency = strings.ToUpper(env.Data.Currency)
		ev.Status = models.SubscriptionStatusActive
		ev.PeriodStart = parseFlutterwaveTime(env.Data.CreatedAt)
		ev.UnitAmount = decimalPtr(env.Data.Amount)
		ev.PlanRef = env.Data.PaymentPlan.String()
		if env.MetaData != nil {
			meta := models.JSONMap(env.MetaData)
			ev.UserID = parseUserID(meta.String("user_id"))
			ev.PlanSlug = meta.String("plan_slug")
		}

	case "subscription.cancelled":
		ev.Kind = EventSubscriptionDeleted
		ev.ExternalSubscriptionID = strconv.FormatInt(env.Data.ID, 10)
		ev.ExternalCustomerID = email
		ev.CustomerEmail = email
		ev.Status = MapFlutterwaveStatus(env.Data.Status)
		ev.PlanRef = env.Data.Plan.String()
	}

	return ev, nil
}

// HandleWebhook swaps the transaction reference of a charge for the id of
// the customer's active Flutterwave subscription, so renewals land on the
// same local row.
func (g *FlutterwaveGateway) HandleWebhook(ctx context.Context, ev *WebhookEvent) error {
	if g.api == nil || ev.Kind != EventCheckoutCompleted || ev.CustomerEmail == "" {
		return nil
	}
	remote, err := g.findSubscription(ctx, g.api, ev.CustomerEmail, "")
	if err != nil {
		if errors.Is(err, ErrRemoteNotFound) {
			return nil
		}
		return err
	}
	ev.ExternalSubscriptionID = strconv.FormatInt(remote.ID, 10)
	if ev.PlanRef == "" && remote.Plan != 0 {
		ev.PlanRef = strconv.FormatInt(remote.Plan, 10)
	}
	return nil
}

func parseFlutterwaveTime(raw string) time.Time {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
