// Package gateway defines the payment provider adapters used by the billing
// service. Every adapter implements Gateway; sync, refund, webhook and product
// capabilities are optional and probed with type assertions.
package gateway

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PlanFox/app/models"
)

var (
	// ErrUnknownProvider is returned by the registry for unregistered providers.
	ErrUnknownProvider = errors.New("unknown payment provider")
	// ErrNotConfigured is returned when an adapter is used without credentials.
	ErrNotConfigured = errors.New("payment provider is not configured")
	// ErrNotSupported is returned for operations a provider cannot perform.
	ErrNotSupported = errors.New("operation not supported by payment provider")
	// ErrRemoteNotFound is returned when the remote object no longer exists.
	ErrRemoteNotFound = errors.New("remote object not found")
	// ErrInvalidSignature is returned when a webhook signature does not verify.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Credentials binds provider secrets and redirect targets for one call.
type Credentials struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	// BaseURL overrides the provider API endpoint.
	BaseURL  string
	Settings models.JSONMap
}

// CheckoutRequest describes a new purchase.
type CheckoutRequest struct {
	User               *models.User
	Plan               *models.Plan
	Price              *models.PlanPrice
	ExternalCustomerID string
}

// CheckoutHandle is the provider's answer to a checkout request. Completed is
// set when the provider activated the subscription without a redirect.
type CheckoutHandle struct {
	URL                    string
	Reference              string
	ExternalCustomerID     string
	ExternalSubscriptionID string
	Completed              bool
}

// PlanChange describes an upgrade or downgrade target.
type PlanChange struct {
	Plan    *models.Plan
	Price   *models.PlanPrice
	Prorate bool
	Effect  string
}

// ChangeOutcome carries remote state produced by a plan change. Empty fields
// mean "unchanged".
type ChangeOutcome struct {
	ExternalSubscriptionID string
	PeriodStart            time.Time
	PeriodEnd              time.Time
}

// CancelOutcome reports the result of a cancellation.
type CancelOutcome struct {
	AlreadyInactive bool
}

// RemoteStatus is the provider's view of a subscription.
type RemoteStatus struct {
	Status            string
	CancelAtPeriodEnd bool
	PeriodStart       time.Time
	PeriodEnd         time.Time
}

// Refund is the result of a refund attempt. Skipped is set when the computed
// amount was not positive and nothing was sent to the provider.
type Refund struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Skipped   bool
}

// Gateway is the capability set every provider implements.
type Gateway interface {
	Provider() string
	Configure(creds Credentials) error
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutHandle, error)
	ProcessUpgrade(ctx context.Context, sub *models.Subscription, change PlanChange) (*ChangeOutcome, error)
	ProcessDowngrade(ctx context.Context, sub *models.Subscription, change PlanChange) (*ChangeOutcome, error)
	ProcessCancellation(ctx context.Context, sub *models.Subscription, effect string) (*CancelOutcome, error)
}

// StatusSyncer pulls remote truth for a subscription.
type StatusSyncer interface {
	SyncStatus(ctx context.Context, sub *models.Subscription) (*RemoteStatus, error)
}

// Refunder refunds the last charge of a subscription according to policy.
type Refunder interface {
	IssueRefund(ctx context.Context, sub *models.Subscription, refundPolicy string, now time.Time) (*Refund, error)
}

// ProductSyncer mirrors a plan into the provider's product catalog and
// returns the remote product id.
type ProductSyncer interface {
	EnsureProduct(ctx context.Context, plan *models.Plan) (string, error)
}

// WebhookHandler verifies, parses and enriches inbound provider events.
// ParseWebhook must not perform network calls; HandleWebhook may.
type WebhookHandler interface {
	SignatureHeader() string
	VerifyWebhook(payload []byte, signature string) error
	ParseWebhook(payload []byte) (*WebhookEvent, error)
	HandleWebhook(ctx context.Context, event *WebhookEvent) error
}

// EventKind is the provider-neutral meaning of a webhook event.
type EventKind string

const (
	EventCheckoutCompleted   EventKind = "checkout.completed"
	EventPaymentSucceeded    EventKind = "payment.succeeded"
	EventSubscriptionDeleted EventKind = "subscription.deleted"
	EventIgnored             EventKind = "ignored"
)

// WebhookEvent is a normalized inbound provider event.
type WebhookEvent struct {
	ID   string
	Type string
	Kind EventKind

	ExternalSubscriptionID string
	ExternalCustomerID     string
	CustomerEmail          string
	UserID                 uint
	PlanSlug               string
	PlanRef                string

	Status            string
	CancelAtPeriodEnd bool
	PeriodStart       time.Time
	PeriodEnd         time.Time
	Currency          string
	UnitAmount        *decimal.Decimal
}
