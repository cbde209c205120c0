package gateway

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/stripe/stripe-go/v82"
)

// stripeAPI is the subset of the Stripe API used by StripeGateway.
type stripeAPI interface {
	CreateCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, params *stripe.SubscriptionUpdateParams) (*stripe.Subscription, error)
	CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	CreatePrice(ctx context.Context, params *stripe.PriceCreateParams) (*stripe.Price, error)
	GetProduct(ctx context.Context, id string) (*stripe.Product, error)
	CreateProduct(ctx context.Context, params *stripe.ProductCreateParams) (*stripe.Product, error)
	UpdateProduct(ctx context.Context, id string, params *stripe.ProductUpdateParams) (*stripe.Product, error)
	LastSucceededCharge(ctx context.Context, customerID string) (*stripe.PaymentIntent, error)
	CreateRefund(ctx context.Context, params *stripe.RefundCreateParams) (*stripe.Refund, error)
}

type stripeClient struct {
	sc *stripe.Client
}

func newStripeClient(secretKey string) stripeAPI {
	return &stripeClient{sc: stripe.NewClient(secretKey, nil)}
}

func (c *stripeClient) CreateCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error) {
	return c.sc.V1Customers.Create(ctx, params)
}

func (c *stripeClient) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error) {
	return c.sc.V1CheckoutSessions.Create(ctx, params)
}

func (c *stripeClient) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	sub, err := c.sc.V1Subscriptions.Retrieve(ctx, id, nil)
	return sub, wrapStripeError(err)
}

func (c *stripeClient) UpdateSubscription(ctx context.Context, id string, params *stripe.SubscriptionUpdateParams) (*stripe.Subscription, error) {
	sub, err := c.sc.V1Subscriptions.Update(ctx, id, params)
	return sub, wrapStripeError(err)
}

func (c *stripeClient) CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	sub, err := c.sc.V1Subscriptions.Cancel(ctx, id, nil)
	return sub, wrapStripeError(err)
}

func (c *stripeClient) CreatePrice(ctx context.Context, params *stripe.PriceCreateParams) (*stripe.Price, error) {
	return c.sc.V1Prices.Create(ctx, params)
}

func (c *stripeClient) GetProduct(ctx context.Context, id string) (*stripe.Product, error) {
	product, err := c.sc.V1Products.Retrieve(ctx, id, nil)
	return product, wrapStripeError(err)
}

func (c *stripeClient) CreateProduct(ctx context.Context, params *stripe.ProductCreateParams) (*stripe.Product, error) {
	return c.sc.V1Products.Create(ctx, params)
}

func (c *stripeClient) UpdateProduct(ctx context.Context, id string, params *stripe.ProductUpdateParams) (*stripe.Product, error) {
	return c.sc.V1Products.Update(ctx, id, params)
}

// LastSucceededCharge returns the most recent succeeded payment intent of the
// customer, or ErrRemoteNotFound.
func (c *stripeClient) LastSucceededCharge(ctx context.Context, customerID string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentListParams{
		Customer: stripe.String(customerID),
	}
	params.Limit = stripe.Int64(20)

	for pi, err := range c.sc.V1PaymentIntents.List(ctx, params) {
		if err != nil {
			return nil, wrapStripeError(err)
		}
		if pi.Status == stripe.PaymentIntentStatusSucceeded && pi.AmountReceived > 0 {
			return pi, nil
		}
	}
	return nil, errors.Wrapf(ErrRemoteNotFound, "no succeeded charge for customer %s", customerID)
}

func (c *stripeClient) CreateRefund(ctx context.Context, params *stripe.RefundCreateParams) (*stripe.Refund, error) {
	return c.sc.V1Refunds.Create(ctx, params)
}

// wrapStripeError marks missing objects with ErrRemoteNotFound.
func wrapStripeError(err error) error {
	if err == nil {
		return nil
	}
	if isStripeNotFound(err) {
		return errors.Mark(err, ErrRemoteNotFound)
	}
	return err
}

func isStripeNotFound(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing
}
