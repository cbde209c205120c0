package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PlanFox/app/models"
	"github.com/ManuelReschke/PlanFox/internal/pkg/env"
	"github.com/ManuelReschke/PlanFox/internal/pkg/gateway"
)

const defaultGatewayTimeout = 20 * time.Second

const (
	msgTargetPlanNotFound   = "Target plan not found."
	msgNoValidPrice         = "This plan has no valid price."
	msgNoActiveSubscription = "No active subscription found."
	msgNoSubscription       = "No subscription record found."
	msgSubscriptionNotFound = "Subscription not found."
	msgSamePlan             = "You are already on this plan."
	msgUpgradeDisabled      = "Upgrading is currently disabled by admin."
	msgDowngradeDisabled    = "Downgrading is currently disabled by admin."
	msgCancelDisabled       = "Subscription cancellation is disabled by the administrator."
	msgNotAnUpgrade         = "Selected plan is not an upgrade."
	msgNotADowngrade        = "Selected plan is not a downgrade."
	msgFreePlanUsed         = "You have already used the free plan. Please select a paid plan to continue."
	msgAlreadySubscribed    = "You are already subscribed to this plan. You can cancel, upgrade, downgrade, or wait until it expires before purchasing another plan."
	msgActivePaidPlan       = "You already have an active paid plan. Please cancel or wait until it expires before purchasing another plan."
	msgPaidToFree           = "You cannot switch from a paid plan to a free plan while your current plan is still active. Please wait until your current subscription expires or cancel it first."
	msgUnsupportedProvider  = "Unsupported payment gateway."
	msgProviderDisabled     = "This payment gateway is not enabled."
	msgOnlyDefaultProvider  = "Only the default payment gateway is enabled."
)

// EventCounter counts billing outcomes for monitoring.
type EventCounter interface {
	Incr(ctx context.Context, name string)
}

type noopCounter struct{}

func (noopCounter) Incr(context.Context, string) {}

// Service orchestrates subscription changes across the local store and the
// payment providers.
type Service struct {
	repo     Repository
	policies PolicySource
	gateways *gateway.Registry
	creds    *Credentials
	counter  EventCounter
	timeout  time.Duration
	now      func() time.Time
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithGatewayTimeout bounds every provider call.
func WithGatewayTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithCounter(c EventCounter) Option {
	return func(s *Service) {
		if c != nil {
			s.counter = c
		}
	}
}

// GatewayTimeout reads GATEWAY_TIMEOUT_SECONDS.
func GatewayTimeout() time.Duration {
	secs, err := strconv.Atoi(env.GetEnv("GATEWAY_TIMEOUT_SECONDS", "20"))
	if err != nil || secs <= 0 {
		return defaultGatewayTimeout
	}
	return time.Duration(secs) * time.Second
}

func NewService(repo Repository, policies PolicySource, gateways *gateway.Registry, creds *Credentials, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		policies: policies,
		gateways: gateways,
		creds:    creds,
		counter:  noopCounter{},
		timeout:  defaultGatewayTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckoutInput is a purchase request.
type CheckoutInput struct {
	PlanSlug string
	Currency string
	Provider string
}

// CheckoutResult answers a purchase request. Subscription is set when the
// purchase was activated without a redirect.
type CheckoutResult struct {
	CheckoutURL  string               `json:"checkout_url"`
	Message      string               `json:"message"`
	Provider     string               `json:"provider"`
	Subscription *models.Subscription `json:"-"`
}

// ChangeInput is an upgrade or downgrade request. Plan changes always go
// through the provider of the live subscription.
type ChangeInput struct {
	PlanSlug string
}

// ChangeResult answers an upgrade or downgrade.
type ChangeResult struct {
	Message      string               `json:"message"`
	Provider     string               `json:"provider"`
	Effect       string               `json:"effect"`
	Subscription *models.Subscription `json:"-"`
}

// CancelResult answers a cancellation.
type CancelResult struct {
	Message      string               `json:"message"`
	Effect       string               `json:"effect"`
	RefundPolicy string               `json:"refund_policy"`
	Provider     string               `json:"provider"`
	Status       string               `json:"status"`
	Subscription *models.Subscription `json:"-"`
}

// selectProvider resolves the provider of a new purchase: the requested
// one, else the policy default, else stripe.
func (s *Service) selectProvider(policy *models.BillingPolicy, requested string) (string, error) {
	provider := strings.ToLower(strings.TrimSpace(requested))
	if provider == "" {
		provider = strings.ToLower(strings.TrimSpace(policy.DefaultProvider))
	}
	if provider == "" {
		provider = models.ProviderStripe
	}
	if !s.gateways.Has(provider) {
		return "", validationError(msgUnsupportedProvider)
	}
	cfg := policy.ProviderConfig(provider)
	if cfg == nil || !cfg.IsActive {
		return "", policyViolation(msgProviderDisabled, map[string]interface{}{"provider": provider})
	}
	if !policy.EnableMultipleGateways && policy.DefaultProvider != "" && provider != policy.DefaultProvider {
		return "", policyViolation(msgOnlyDefaultProvider, map[string]interface{}{"provider": provider})
	}
	return provider, nil
}

func (s *Service) resolve(provider string, policy *models.BillingPolicy) (gateway.Gateway, error) {
	gw, err := s.gateways.Resolve(provider, s.creds.For(provider, policy))
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownProvider) {
			return nil, validationError(msgUnsupportedProvider)
		}
		return nil, gatewayError(provider, err)
	}
	return gw, nil
}

func (s *Service) gatewayContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Service) gatewayFailure(ctx context.Context, provider, op string, err error) error {
	s.counter.Incr(ctx, "gateway."+provider+".error")
	log.Errorf("[Billing] %s via %s failed: %v", op, provider, err)
	return gatewayError(provider, err)
}

func currentPlanFields(sub *models.Subscription) map[string]interface{} {
	fields := map[string]interface{}{"current_plan_price": sub.UnitAmount.StringFixed(2)}
	if sub.Plan != nil {
		fields["current_plan"] = sub.Plan.Name
	}
	return fields
}

func (s *Service) activePlan(ctx context.Context, repo Repository, slug, missing string) (*models.Plan, error) {
	plan, err := repo.GetPlanBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundError(missing)
		}
		return nil, errors.Wrap(err, "load plan")
	}
	if !plan.IsActive {
		return nil, notFoundError(missing)
	}
	return plan, nil
}

func lockLive(ctx context.Context, repo Repository, userID uint) (*models.Subscription, error) {
	sub, err := repo.LockLiveSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "lock live subscription")
	}
	return sub, nil
}

// activate cancels the user's live row, if any, and stores a new live row
// for plan. It runs inside the caller's transaction.
func (s *Service) activate(ctx context.Context, repo Repository, live *models.Subscription, sub *models.Subscription) error {
	if live != nil && live.ID != sub.ID {
		live.CancelForReplacement()
		if err := repo.SaveSubscription(ctx, live); err != nil {
			return errors.Wrap(err, "replace live subscription")
		}
	}
	if err := repo.CreateSubscription(ctx, sub); err != nil {
		return errors.Wrap(err, "create subscription")
	}
	return nil
}

// Checkout starts a purchase. Free plans and manual purchases are activated
// immediately; other providers return a redirect URL and the subscription
// is created when the provider confirms the payment.
func (s *Service) Checkout(ctx context.Context, user *models.User, in CheckoutInput) (*CheckoutResult, error) {
	if strings.TrimSpace(in.PlanSlug) == "" {
		return nil, validationError("plan_slug is required.")
	}
	policy, err := s.policies.Current(ctx)
	if err != nil {
		return nil, err
	}
	plan, err := s.activePlan(ctx, s.repo, in.PlanSlug, msgPlanNotFound)
	if err != nil {
		return nil, err
	}
	price, err := GetPrice(plan, in.Currency)
	if err != nil {
		return nil, validationError(msgNoValidPrice)
	}
	provider := models.ProviderManual
	if !price.IsFree() {
		if provider, err = s.selectProvider(policy, in.Provider); err != nil {
			return nil, err
		}
	}

	now := s.now()
	result := &CheckoutResult{Provider: provider}
	err = s.repo.Transaction(ctx, func(repo Repository) error {
		live, err := lockLive(ctx, repo, user.ID)
		if err != nil {
			return err
		}

		if price.IsFree() && !policy.AllowFreePlanReuse {
			used, err := repo.HasUsedFreePlan(ctx, user.ID, plan.ID)
			if err != nil {
				return errors.Wrap(err, "check free plan usage")
			}
			if used {
				return policyViolation(msgFreePlanUsed, map[string]interface{}{"plan": plan.Name})
			}
		}

		if live != nil && live.IsLive() && !now.After(live.CurrentPeriodEnd) {
			switch {
			case live.PlanID == plan.ID:
				return policyViolation(msgAlreadySubscribed, currentPlanFields(live))
			case !live.IsFree() && !price.IsFree():
				return policyViolation(msgActivePaidPlan, currentPlanFields(live))
			case !live.IsFree() && price.IsFree():
				return policyViolation(msgPaidToFree, currentPlanFields(live))
			}
		}

		gw, err := s.resolve(provider, policy)
		if err != nil {
			return err
		}

		var customerID string
		if customer, err := repo.GetBillingCustomer(ctx, user.ID, provider); err == nil {
			customerID = customer.ExternalCustomerID
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.Wrap(err, "load billing customer")
		}

		productID := plan.StripeProductID
		gctx, cancel := s.gatewayContext(ctx)
		handle, err := gw.CreateCheckoutSession(gctx, gateway.CheckoutRequest{
			User:               user,
			Plan:               plan,
			Price:              price,
			ExternalCustomerID: customerID,
		})
		cancel()
		if err != nil {
			return s.gatewayFailure(ctx, provider, "checkout", err)
		}

		if plan.StripeProductID != productID {
			if err := repo.SavePlanProductID(ctx, plan.ID, plan.StripeProductID); err != nil {
				return errors.Wrap(err, "store product id")
			}
		}
		if handle.ExternalCustomerID != "" && handle.ExternalCustomerID != customerID {
			if err := repo.UpsertBillingCustomer(ctx, &models.BillingCustomer{
				UserID:             user.ID,
				Provider:           provider,
				ExternalCustomerID: handle.ExternalCustomerID,
				Email:              user.Email,
			}); err != nil {
				return errors.Wrap(err, "store billing customer")
			}
		}

		result.CheckoutURL = handle.URL
		if !handle.Completed {
			result.Message = "Redirecting to checkout..."
			return nil
		}

		sub := &models.Subscription{
			UserID:                 user.ID,
			PlanID:                 plan.ID,
			Plan:                   plan,
			Status:                 models.SubscriptionStatusActive,
			CurrentPeriodStart:     now,
			CurrentPeriodEnd:       PeriodEnd(plan.Interval, now),
			Currency:               price.Currency,
			UnitAmount:             price.Amount,
			Provider:               provider,
			PaymentMethodType:      provider,
			ExternalCustomerID:     handle.ExternalCustomerID,
			ExternalSubscriptionID: handle.ExternalSubscriptionID,
		}
		if err := s.activate(ctx, repo, live, sub); err != nil {
			return err
		}
		result.Subscription = sub
		if result.CheckoutURL == "" {
			result.CheckoutURL = policy.SuccessURL
		}
		if price.IsFree() {
			result.Message = "Free plan activation — no payment required."
		} else {
			result.Message = "Subscription activated."
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.counter.Incr(ctx, "checkout."+provider)
	return result, nil
}

// StartOrChange puts the user on plan without a payment provider. An
// existing live row is moved to the plan and a fresh period starts now.
func (s *Service) StartOrChange(ctx context.Context, userID uint, planSlug, currency string) (*models.Subscription, error) {
	var out *models.Subscription
	err := s.repo.Transaction(ctx, func(repo Repository) error {
		if _, err := repo.GetUser(ctx, userID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFoundError("User not found.")
			}
			return errors.Wrap(err, "load user")
		}
		plan, err := s.activePlan(ctx, repo, planSlug, msgPlanNotFound)
		if err != nil {
			return err
		}
		price, err := GetPrice(plan, currency)
		if err != nil {
			return validationError(msgNoValidPrice)
		}
		live, err := lockLive(ctx, repo, userID)
		if err != nil {
			return err
		}

		now := s.now()
		if live == nil {
			out = &models.Subscription{
				UserID:             userID,
				PlanID:             plan.ID,
				Plan:               plan,
				Status:             models.SubscriptionStatusActive,
				CurrentPeriodStart: now,
				CurrentPeriodEnd:   PeriodEnd(plan.Interval, now),
				Currency:           price.Currency,
				UnitAmount:         price.Amount,
				Provider:           models.ProviderManual,
				PaymentMethodType:  models.ProviderManual,
			}
			return s.activate(ctx, repo, nil, out)
		}

		live.PlanID = plan.ID
		live.Plan = plan
		live.Status = models.SubscriptionStatusActive
		live.CancelAtPeriodEnd = false
		live.CurrentPeriodStart = now
		live.CurrentPeriodEnd = PeriodEnd(plan.Interval, now)
		live.Currency = price.Currency
		live.UnitAmount = price.Amount
		live.ClearPendingChange()
		if err := repo.SaveSubscription(ctx, live); err != nil {
			return errors.Wrap(err, "save subscription")
		}
		out = live
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type changeKind int

const (
	upgradeChange changeKind = iota
	downgradeChange
)

// Upgrade moves the user's live subscription to a more expensive plan.
func (s *Service) Upgrade(ctx context.Context, user *models.User, in ChangeInput) (*ChangeResult, error) {
	return s.changePlan(ctx, user, in, upgradeChange)
}

// Downgrade moves the user's live subscription to a cheaper plan, now or at
// the end of the period depending on policy.
func (s *Service) Downgrade(ctx context.Context, user *models.User, in ChangeInput) (*ChangeResult, error) {
	return s.changePlan(ctx, user, in, downgradeChange)
}

func (s *Service) changePlan(ctx context.Context, user *models.User, in ChangeInput, kind changeKind) (*ChangeResult, error) {
	if strings.TrimSpace(in.PlanSlug) == "" {
		return nil, validationError("plan_slug is required.")
	}
	policy, err := s.policies.Current(ctx)
	if err != nil {
		return nil, err
	}
	plan, err := s.activePlan(ctx, s.repo, in.PlanSlug, msgTargetPlanNotFound)
	if err != nil {
		return nil, err
	}

	effect, prorate := policy.UpgradeEffect, policy.ProrateOnUpgrade
	if kind == downgradeChange {
		effect, prorate = policy.DowngradeEffect, policy.ProrateOnDowngrade
	}
	if effect == models.EffectNextCycle {
		prorate = false
	}

	var (
		result  = &ChangeResult{Effect: effect}
		before  models.Subscription
		gw      gateway.Gateway
		refunds bool
	)
	err = s.repo.Transaction(ctx, func(repo Repository) error {
		live, err := lockLive(ctx, repo, user.ID)
		if err != nil {
			return err
		}
		if live == nil {
			return validationError(msgNoActiveSubscription)
		}
		if live.PlanID == plan.ID {
			return policyViolation(msgSamePlan, currentPlanFields(live))
		}

		switch kind {
		case upgradeChange:
			if !policy.AllowUpgrade {
				return actionDisabled(msgUpgradeDisabled)
			}
		case downgradeChange:
			if !policy.AllowDowngrade {
				return actionDisabled(msgDowngradeDisabled)
			}
		}

		price, err := GetPrice(plan, live.Currency)
		if err != nil {
			return validationError(msgNoValidPrice)
		}
		if kind == upgradeChange && !price.Amount.GreaterThan(live.UnitAmount) {
			return policyViolation(msgNotAnUpgrade, currentPlanFields(live))
		}
		if kind == downgradeChange && !price.Amount.LessThan(live.UnitAmount) {
			return policyViolation(msgNotADowngrade, currentPlanFields(live))
		}

		result.Provider = live.Provider
		gw, err = s.resolve(live.Provider, policy)
		if err != nil {
			return err
		}

		before = *live
		deferred := kind == downgradeChange && effect == models.EffectEndOfPeriod
		productID := plan.StripeProductID
		change := gateway.PlanChange{Plan: plan, Price: price, Prorate: prorate, Effect: effect}
		gctx, cancel := s.gatewayContext(ctx)
		var outcome *gateway.ChangeOutcome
		if kind == upgradeChange {
			outcome, err = gw.ProcessUpgrade(gctx, live, change)
		} else {
			outcome, err = gw.ProcessDowngrade(gctx, live, change)
		}
		cancel()
		if err != nil {
			if errors.Is(err, gateway.ErrNotSupported) {
				fields := map[string]interface{}{"provider": live.Provider}
				if deferred {
					return policyViolation(fmt.Sprintf(
						"Downgrades at the end of the billing period are not supported for %s subscriptions.",
						titleCase(live.Provider)), fields)
				}
				return policyViolation(fmt.Sprintf(
					"Plan changes are not supported for %s subscriptions. Cancel and subscribe to the new plan instead.",
					titleCase(live.Provider)), fields)
			}
			return s.gatewayFailure(ctx, live.Provider, "plan change", err)
		}
		if plan.StripeProductID != productID {
			if err := repo.SavePlanProductID(ctx, plan.ID, plan.StripeProductID); err != nil {
				return errors.Wrap(err, "store product id")
			}
		}

		if deferred {
			live.SchedulePlanChange(plan.ID, price.Currency, price.Amount)
			result.Message = fmt.Sprintf("Your plan will change to %s when the current billing period ends.", plan.Name)
		} else {
			live.ClearPendingChange()
			live.PlanID = plan.ID
			live.Plan = plan
			live.Currency = price.Currency
			live.UnitAmount = price.Amount
			live.Status = models.SubscriptionStatusActive
			live.CancelAtPeriodEnd = false
			if outcome != nil {
				if outcome.ExternalSubscriptionID != "" {
					live.ExternalSubscriptionID = outcome.ExternalSubscriptionID
				}
				if !outcome.PeriodStart.IsZero() {
					live.CurrentPeriodStart = outcome.PeriodStart
				}
				if !outcome.PeriodEnd.IsZero() {
					live.CurrentPeriodEnd = outcome.PeriodEnd
				}
			}
			if kind == upgradeChange {
				result.Message = fmt.Sprintf("Subscription upgraded to %s successfully.", plan.Name)
			} else {
				result.Message = fmt.Sprintf("Subscription downgraded to %s successfully.", plan.Name)
			}
			refunds = effect == models.EffectImmediate
		}

		if err := repo.SaveSubscription(ctx, live); err != nil {
			return errors.Wrap(err, "save subscription")
		}
		result.Subscription = live
		return nil
	})
	if err != nil {
		return nil, err
	}

	if refunds {
		s.refund(ctx, gw, &before, policy.RefundPolicy)
	}
	return result, nil
}

// Cancel cancels the user's live subscription, or their most recent one
// when nothing is live. The provider is always asked to stop the remote
// subscription, even when the row is already inactive locally.
func (s *Service) Cancel(ctx context.Context, user *models.User) (*CancelResult, error) {
	policy, err := s.policies.Current(ctx)
	if err != nil {
		return nil, err
	}
	effect := policy.CancelEffect

	var (
		result    = &CancelResult{Effect: effect, RefundPolicy: policy.RefundPolicy}
		before    models.Subscription
		gw        gateway.Gateway
		wasActive bool
		outcome   *gateway.CancelOutcome
	)
	err = s.repo.Transaction(ctx, func(repo Repository) error {
		sub, err := lockLive(ctx, repo, user.ID)
		if err != nil {
			return err
		}
		if sub == nil {
			sub, err = repo.LockLatestSubscription(ctx, user.ID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return notFoundError(msgNoSubscription)
				}
				return errors.Wrap(err, "lock subscription")
			}
		}
		if !policy.CanCancel {
			return actionDisabled(msgCancelDisabled)
		}

		result.Provider = sub.Provider
		gw, err = s.resolve(sub.Provider, policy)
		if err != nil {
			return err
		}

		before = *sub
		wasActive = sub.IsActive(s.now())
		gctx, cancel := s.gatewayContext(ctx)
		outcome, err = gw.ProcessCancellation(gctx, sub, effect)
		cancel()
		if err != nil {
			return s.gatewayFailure(ctx, sub.Provider, "cancellation", err)
		}

		switch {
		case sub.Status == models.SubscriptionStatusExpired:
		case sub.Status == models.SubscriptionStatusCanceled && !sub.CancelAtPeriodEnd:
		default:
			sub.Status = models.SubscriptionStatusCanceled
			sub.CancelAtPeriodEnd = effect == models.EffectEndOfPeriod
			sub.ClearPendingChange()
			if err := repo.SaveSubscription(ctx, sub); err != nil {
				return errors.Wrap(err, "save subscription")
			}
		}

		result.Status = sub.Status
		result.Subscription = sub
		switch {
		case !wasActive:
			result.Message = "Your subscription is already inactive locally, but we have ensured it's fully cancelled on the payment provider to prevent renewal."
		case effect == models.EffectImmediate:
			result.Message = "Your subscription has been cancelled and access revoked immediately."
		default:
			result.Message = "Your subscription will remain active until your current billing period ends."
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.counter.Incr(ctx, "cancel."+result.Provider)
	if wasActive && effect == models.EffectImmediate && (outcome == nil || !outcome.AlreadyInactive) {
		s.refund(ctx, gw, &before, policy.RefundPolicy)
	}
	return result, nil
}

// refund runs after the triggering change has been committed. The outcome
// is appended to the event log; a failure never undoes the change.
func (s *Service) refund(ctx context.Context, gw gateway.Gateway, sub *models.Subscription, refundPolicy string) {
	if refundPolicy == models.RefundPolicyNone {
		return
	}
	refunder, ok := gw.(gateway.Refunder)
	if !ok {
		return
	}

	gctx, cancel := s.gatewayContext(ctx)
	refund, err := refunder.IssueRefund(gctx, sub, refundPolicy, s.now())
	cancel()

	payload := map[string]interface{}{
		"subscription_id":          sub.ID,
		"external_subscription_id": sub.ExternalSubscriptionID,
		"refund_policy":            refundPolicy,
	}
	eventType := models.EventTypeRefundProcessed
	switch {
	case err != nil:
		eventType = models.EventTypeRefundFailed
		payload["error"] = err.Error()
		log.Errorf("[Billing] refund for subscription %d failed: %v", sub.ID, err)
	case refund.Skipped:
		payload["skipped"] = true
		log.Infof("[Billing] refund for subscription %d skipped: nothing to refund", sub.ID)
	default:
		payload["reference"] = refund.Reference
		payload["amount"] = refund.Amount.StringFixed(2)
		payload["currency"] = refund.Currency
	}
	s.counter.Incr(ctx, eventType)
	s.logInternalEvent(ctx, gw.Provider(), eventType, payload)
}

func (s *Service) logInternalEvent(ctx context.Context, provider, eventType string, payload map[string]interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Errorf("[Billing] encode %s event: %v", eventType, err)
		return
	}
	entry := &models.EventLog{
		Provider:   provider,
		EventID:    uuid.NewString(),
		EventType:  eventType,
		Payload:    string(raw),
		ReceivedAt: s.now(),
	}
	if _, err := s.repo.AppendEventLog(ctx, entry); err != nil {
		log.Errorf("[Billing] append %s event: %v", eventType, err)
	}
}

// SyncStatus overwrites the local state of a subscription with the
// provider's view. A subscription missing remotely becomes expired.
// Providers without sync support are skipped.
func (s *Service) SyncStatus(ctx context.Context, subscriptionID uint) (*models.Subscription, error) {
	policy, err := s.policies.Current(ctx)
	if err != nil {
		return nil, err
	}

	var out *models.Subscription
	err = s.repo.Transaction(ctx, func(repo Repository) error {
		sub, err := repo.LockSubscription(ctx, subscriptionID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFoundError(msgSubscriptionNotFound)
			}
			return errors.Wrap(err, "lock subscription")
		}
		out = sub
		if sub.ExternalSubscriptionID == "" {
			return nil
		}

		gw, err := s.resolve(sub.Provider, policy)
		if err != nil {
			return err
		}
		syncer, ok := gw.(gateway.StatusSyncer)
		if !ok {
			return nil
		}

		gctx, cancel := s.gatewayContext(ctx)
		remote, err := syncer.SyncStatus(gctx, sub)
		cancel()
		switch {
		case errors.Is(err, gateway.ErrRemoteNotFound):
			log.Warnf("[Billing] subscription %d no longer exists at %s, marking expired", sub.ID, sub.Provider)
			sub.Status = models.SubscriptionStatusExpired
			sub.CancelAtPeriodEnd = false
		case err != nil:
			return s.gatewayFailure(ctx, sub.Provider, "status sync", err)
		default:
			if sub.HasPendingChange() && remote.PeriodEnd.After(sub.CurrentPeriodEnd) {
				if err := s.applyPendingChange(ctx, repo, sub); err != nil {
					return err
				}
			}
			sub.Status = remote.Status
			sub.CancelAtPeriodEnd = remote.CancelAtPeriodEnd
			if !remote.PeriodStart.IsZero() {
				sub.CurrentPeriodStart = remote.PeriodStart
			}
			if !remote.PeriodEnd.IsZero() {
				sub.CurrentPeriodEnd = remote.PeriodEnd
			}
		}

		if sub.IsLive() {
			other, err := lockLive(ctx, repo, sub.UserID)
			if err != nil {
				return err
			}
			if other != nil && other.ID != sub.ID {
				sub.CancelForReplacement()
			}
		}
		if err := repo.SaveSubscription(ctx, sub); err != nil {
			return errors.Wrap(err, "save subscription")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SyncReport summarizes a background sync pass.
type SyncReport struct {
	Provider string `json:"provider"`
	Checked  int    `json:"checked"`
	Failed   int    `json:"failed"`
	Skipped  bool   `json:"skipped"`
}

// SyncProvider syncs every live subscription of provider. A failing
// subscription is logged and does not stop the batch.
func (s *Service) SyncProvider(ctx context.Context, provider string) (SyncReport, error) {
	report := SyncReport{Provider: provider}
	policy, err := s.policies.Current(ctx)
	if err != nil {
		return report, err
	}
	gw, err := s.resolve(provider, policy)
	if err != nil {
		return report, err
	}
	if _, ok := gw.(gateway.StatusSyncer); !ok {
		report.Skipped = true
		return report, nil
	}

	subs, err := s.repo.ListLiveSubscriptionsByProvider(ctx, provider)
	if err != nil {
		return report, errors.Wrap(err, "list live subscriptions")
	}
	for _, sub := range subs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		if _, err := s.SyncStatus(ctx, sub.ID); err != nil {
			report.Failed++
			log.Warnf("[Billing] sync of subscription %d failed: %v", sub.ID, err)
		}
	}
	return report, nil
}

// SyncAll runs SyncProvider for every enabled provider.
func (s *Service) SyncAll(ctx context.Context) ([]SyncReport, error) {
	policy, err := s.policies.Current(ctx)
	if err != nil {
		return nil, err
	}
	var reports []SyncReport
	for _, cfg := range policy.ActiveProviders() {
		report, err := s.SyncProvider(ctx, cfg.Provider)
		if err != nil {
			log.Errorf("[Billing] sync of provider %s failed: %v", cfg.Provider, err)
			if ctx.Err() != nil {
				return reports, ctx.Err()
			}
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// applyPendingChange moves sub onto its scheduled plan and reloads the plan.
func (s *Service) applyPendingChange(ctx context.Context, repo Repository, sub *models.Subscription) error {
	from := sub.PlanID
	if !sub.ApplyPendingChange() {
		return nil
	}
	if sub.Plan == nil {
		plan, err := repo.GetPlanByID(ctx, sub.PlanID)
		if err != nil {
			return errors.Wrapf(err, "load scheduled plan %d", sub.PlanID)
		}
		sub.Plan = plan
	}
	log.Infof("[Billing] subscription %d moved from plan %d to scheduled plan %d", sub.ID, from, sub.PlanID)
	return nil
}

// Renew rolls the period of locally billed subscriptions forward once it
// has ended, switching to a scheduled plan first. Rows flagged for
// cancellation, or all rows when auto renewal is off, expire instead. It
// returns the number of rows touched.
func (s *Service) Renew(ctx context.Context) (int, error) {
	policy, err := s.policies.Current(ctx)
	if err != nil {
		return 0, err
	}
	subs, err := s.repo.ListLiveSubscriptionsByProvider(ctx, models.ProviderManual)
	if err != nil {
		return 0, errors.Wrap(err, "list manual subscriptions")
	}

	now := s.now()
	touched := 0
	for _, candidate := range subs {
		if !now.After(candidate.CurrentPeriodEnd) {
			continue
		}
		err := s.repo.Transaction(ctx, func(repo Repository) error {
			sub, err := repo.LockSubscription(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if !sub.IsLive() || !now.After(sub.CurrentPeriodEnd) {
				return nil
			}
			switch {
			case sub.CancelAtPeriodEnd || !policy.AutoChargeOnRenewal:
				sub.Status = models.SubscriptionStatusExpired
				sub.ClearPendingChange()
			default:
				if err := s.applyPendingChange(ctx, repo, sub); err != nil {
					return err
				}
				if sub.Plan == nil {
					sub.Status = models.SubscriptionStatusExpired
					break
				}
				for !now.Before(sub.CurrentPeriodEnd) {
					sub.CurrentPeriodStart = sub.CurrentPeriodEnd
					sub.CurrentPeriodEnd = PeriodEnd(sub.Plan.Interval, sub.CurrentPeriodStart)
				}
			}
			if err := repo.SaveSubscription(ctx, sub); err != nil {
				return err
			}
			touched++
			return nil
		})
		if err != nil {
			log.Warnf("[Billing] renewal of subscription %d failed: %v", candidate.ID, err)
		}
	}
	return touched, nil
}

// ListSubscriptions returns the user's subscriptions, newest first.
func (s *Service) ListSubscriptions(ctx context.Context, userID uint, page, size int) (Page[SubscriptionView], error) {
	page, size = NormalizePage(page, size)
	subs, count, err := s.repo.ListSubscriptionsByUser(ctx, userID, (page-1)*size, size)
	if err != nil {
		return Page[SubscriptionView]{}, errors.Wrap(err, "list subscriptions")
	}
	views := make([]SubscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, NewSubscriptionView(sub))
	}
	return newPage(views, count, page, size), nil
}
