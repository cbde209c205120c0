package gateway

import (
	"context"

	"github.com/google/uuid"

	"github.com/ManuelReschke/PlanFox/app/models"
)

// ManualGateway activates subscriptions locally. It is used for free plans
// and admin-assigned subscriptions; it has no remote state to sync or refund.
type ManualGateway struct{}

func NewManualGateway() *ManualGateway {
	return &ManualGateway{}
}

func (g *ManualGateway) Provider() string { return models.ProviderManual }

func (g *ManualGateway) Configure(Credentials) error { return nil }

func (g *ManualGateway) CreateCheckoutSession(_ context.Context, req CheckoutRequest) (*CheckoutHandle, error) {
	customerID := req.ExternalCustomerID
	if customerID == "" {
		customerID = "manual_cus_" + uuid.NewString()
	}
	return &CheckoutHandle{
		Reference:              "manual_" + uuid.NewString(),
		ExternalCustomerID:     customerID,
		ExternalSubscriptionID: "manual_sub_" + uuid.NewString(),
		Completed:              true,
	}, nil
}

func (g *ManualGateway) ProcessUpgrade(context.Context, *models.Subscription, PlanChange) (*ChangeOutcome, error) {
	return &ChangeOutcome{}, nil
}

func (g *ManualGateway) ProcessDowngrade(context.Context, *models.Subscription, PlanChange) (*ChangeOutcome, error) {
	return &ChangeOutcome{}, nil
}

func (g *ManualGateway) ProcessCancellation(context.Context, *models.Subscription, string) (*CancelOutcome, error) {
	return &CancelOutcome{}, nil
}
