package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PlanFox/app/models"
	"github.com/ManuelReschke/PlanFox/internal/pkg/gateway"
)

// Reconciler folds provider webhook events into local subscription state.
// Every event is stored in the event log before it is applied; creation and
// updates are keyed by the provider's subscription id, so applying an event
// twice leaves the same state as applying it once.
type Reconciler struct {
	svc *Service
}

func NewReconciler(svc *Service) *Reconciler {
	return &Reconciler{svc: svc}
}

// WebhookResult describes how an inbound event was handled.
type WebhookResult struct {
	EventLogID uint
	EventID    string
	Kind       gateway.EventKind
	Duplicate  bool
	Applied    bool
}

// EventID returns the provider event id, or a hash of the payload for
// providers that do not send one.
func EventID(ev *gateway.WebhookEvent, payload []byte) string {
	if ev != nil && strings.TrimSpace(ev.ID) != "" {
		return ev.ID
	}
	sum := sha256.Sum256(payload)
	return "hash:" + hex.EncodeToString(sum[:])
}

func (r *Reconciler) webhookHandler(ctx context.Context, provider string) (gateway.WebhookHandler, error) {
	policy, err := r.svc.policies.Current(ctx)
	if err != nil {
		return nil, err
	}
	if !r.svc.gateways.Has(provider) {
		return nil, notFoundError("Unknown payment provider.")
	}
	gw, err := r.svc.resolve(provider, policy)
	if err != nil {
		return nil, err
	}
	handler, ok := gw.(gateway.WebhookHandler)
	if !ok {
		return nil, notFoundError("This payment provider does not send webhooks.")
	}
	return handler, nil
}

// HandleWebhook verifies, records and applies an inbound event. header
// returns request header values. The returned error is only set when the
// event was rejected or could not be recorded; processing failures after
// the event was recorded are logged instead.
func (r *Reconciler) HandleWebhook(ctx context.Context, provider string, payload []byte, header func(string) string) (*WebhookResult, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	handler, err := r.webhookHandler(ctx, provider)
	if err != nil {
		return nil, err
	}

	if err := handler.VerifyWebhook(payload, header(handler.SignatureHeader())); err != nil {
		r.svc.counter.Incr(ctx, "webhook."+provider+".rejected")
		log.Warnf("[Reconciler] rejected %s webhook: %v", provider, err)
		return nil, unauthorizedError("Invalid webhook signature.", err)
	}

	ev, err := handler.ParseWebhook(payload)
	if err != nil {
		log.Warnf("[Reconciler] unparsable %s webhook: %v", provider, err)
		r.record(ctx, provider, EventID(nil, payload), models.EventTypeWebhookUnparsablePayload, payload)
		return nil, validationError("Invalid webhook payload.")
	}

	result := &WebhookResult{EventID: EventID(ev, payload), Kind: ev.Kind}
	entry, created, err := r.record(ctx, provider, result.EventID, ev.Type, payload)
	if err != nil {
		return nil, errors.Wrap(err, "record webhook event")
	}
	result.EventLogID = entry.ID
	r.svc.counter.Incr(ctx, "webhook."+provider+".received")
	if !created {
		result.Duplicate = true
		r.svc.counter.Incr(ctx, "webhook."+provider+".duplicate")
		log.Infof("[Reconciler] duplicate %s event %s ignored", provider, result.EventID)
		return result, nil
	}

	if err := r.process(ctx, provider, handler, ev); err != nil {
		r.reportFailure(ctx, provider, result.EventID, err)
		return result, nil
	}
	result.Applied = ev.Kind != gateway.EventIgnored
	return result, nil
}

func (r *Reconciler) record(ctx context.Context, provider, eventID, eventType string, payload []byte) (*models.EventLog, bool, error) {
	if eventType == "" {
		eventType = "unknown"
	}
	entry := &models.EventLog{
		Provider:   provider,
		EventID:    eventID,
		EventType:  eventType,
		Payload:    string(payload),
		ReceivedAt: r.svc.now(),
	}
	created, err := r.svc.repo.AppendEventLog(ctx, entry)
	if err != nil {
		log.Errorf("[Reconciler] could not record %s event %s: %v", provider, eventID, err)
	}
	return entry, created, err
}

func (r *Reconciler) reportFailure(ctx context.Context, provider, eventID string, err error) {
	if errors.Is(err, ErrReconciliationConflict) {
		r.svc.counter.Incr(ctx, "webhook."+provider+".conflict")
		log.Warnf("[Reconciler] %s event %s dropped: %v", provider, eventID, err)
		return
	}
	r.svc.counter.Incr(ctx, "webhook."+provider+".failed")
	log.Errorf("[Reconciler] %s event %s failed: %v", provider, eventID, err)
	r.svc.logInternalEvent(ctx, provider, models.EventTypeWebhookProcessingFailed, map[string]interface{}{
		"event_id": eventID,
		"error":    err.Error(),
	})
}

// process enriches ev with remote data and applies it.
func (r *Reconciler) process(ctx context.Context, provider string, handler gateway.WebhookHandler, ev *gateway.WebhookEvent) error {
	if ev.Kind == gateway.EventIgnored {
		return nil
	}
	gctx, cancel := r.svc.gatewayContext(ctx)
	err := handler.HandleWebhook(gctx, ev)
	cancel()
	if err != nil {
		return gatewayError(provider, err)
	}
	return r.Apply(ctx, provider, ev)
}

// Replay re-applies a stored provider event.
func (r *Reconciler) Replay(ctx context.Context, eventLogID uint) (*WebhookResult, error) {
	entry, err := r.svc.repo.GetEventLog(ctx, eventLogID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundError("Event not found.")
		}
		return nil, errors.Wrap(err, "load event")
	}
	switch entry.EventType {
	case models.EventTypeRefundProcessed, models.EventTypeRefundFailed,
		models.EventTypeWebhookProcessingFailed, models.EventTypeWebhookUnparsablePayload:
		return nil, validationError("Only provider events can be replayed.")
	}

	handler, err := r.webhookHandler(ctx, entry.Provider)
	if err != nil {
		return nil, err
	}
	ev, err := handler.ParseWebhook([]byte(entry.Payload))
	if err != nil {
		return nil, validationError("Stored event payload cannot be parsed.")
	}
	if err := r.process(ctx, entry.Provider, handler, ev); err != nil {
		return nil, err
	}
	log.Infof("[Reconciler] replayed %s event %s", entry.Provider, entry.EventID)
	return &WebhookResult{
		EventLogID: entry.ID,
		EventID:    entry.EventID,
		Kind:       ev.Kind,
		Applied:    ev.Kind != gateway.EventIgnored,
	}, nil
}

// Apply folds a normalized event into local state.
func (r *Reconciler) Apply(ctx context.Context, provider string, ev *gateway.WebhookEvent) error {
	switch ev.Kind {
	case gateway.EventCheckoutCompleted:
		return r.applyCheckout(ctx, provider, ev)
	case gateway.EventPaymentSucceeded:
		return r.applyPayment(ctx, provider, ev)
	case gateway.EventSubscriptionDeleted:
		return r.applyDeleted(ctx, provider, ev)
	default:
		return nil
	}
}

func (r *Reconciler) resolveUser(ctx context.Context, repo Repository, provider string, ev *gateway.WebhookEvent) (*models.User, error) {
	if ev.UserID != 0 {
		user, err := repo.GetUser(ctx, ev.UserID)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrap(err, "load user")
		}
	}
	if customer, err := repo.FindBillingCustomerByExternalID(ctx, provider, ev.ExternalCustomerID); err == nil {
		return repo.GetUser(ctx, customer.UserID)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(err, "load billing customer")
	}
	user, err := repo.FindUserByEmail(ctx, ev.CustomerEmail)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, reconciliationConflict("No local user matches the event.")
		}
		return nil, errors.Wrap(err, "load user by email")
	}
	return user, nil
}

func (r *Reconciler) resolvePlan(ctx context.Context, repo Repository, provider string, ev *gateway.WebhookEvent) (*models.Plan, error) {
	if ev.PlanSlug != "" {
		plan, err := repo.GetPlanBySlug(ctx, ev.PlanSlug)
		if err == nil {
			return plan, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrap(err, "load plan")
		}
	}
	plan, err := repo.FindPlanByProviderRef(ctx, provider, ev.PlanRef)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, reconciliationConflict("No local plan matches the event.")
		}
		return nil, errors.Wrap(err, "load plan by provider reference")
	}
	return plan, nil
}

// applyCheckout creates the subscription confirmed by the provider unless a
// row for the same remote subscription already exists.
func (r *Reconciler) applyCheckout(ctx context.Context, provider string, ev *gateway.WebhookEvent) error {
	if ev.ExternalSubscriptionID == "" {
		return reconciliationConflict("Checkout event without a subscription reference.")
	}
	return r.svc.repo.Transaction(ctx, func(repo Repository) error {
		_, err := repo.LockSubscriptionByExternalID(ctx, provider, ev.ExternalSubscriptionID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.Wrap(err, "lock subscription")
		}

		user, err := r.resolveUser(ctx, repo, provider, ev)
		if err != nil {
			return err
		}
		plan, err := r.resolvePlan(ctx, repo, provider, ev)
		if err != nil {
			return err
		}

		currency, amount := strings.ToUpper(ev.Currency), ev.UnitAmount
		if amount == nil || currency == "" {
			price, err := GetPrice(plan, currency)
			if err != nil {
				return reconciliationConflict("The plan of the event has no price.")
			}
			if amount == nil {
				amount = &price.Amount
			}
			if currency == "" {
				currency = price.Currency
			}
		}

		start := ev.PeriodStart
		if start.IsZero() {
			start = r.svc.now()
		}
		end := ev.PeriodEnd
		if end.IsZero() {
			end = PeriodEnd(plan.Interval, start)
		}
		status := ev.Status
		if status == "" {
			status = models.SubscriptionStatusActive
		}

		live, err := lockLive(ctx, repo, user.ID)
		if err != nil {
			return err
		}
		sub := &models.Subscription{
			UserID:                 user.ID,
			PlanID:                 plan.ID,
			Plan:                   plan,
			Status:                 status,
			CurrentPeriodStart:     start,
			CurrentPeriodEnd:       end,
			CancelAtPeriodEnd:      ev.CancelAtPeriodEnd,
			Currency:               currency,
			UnitAmount:             *amount,
			Provider:               provider,
			PaymentMethodType:      provider,
			ExternalCustomerID:     ev.ExternalCustomerID,
			ExternalSubscriptionID: ev.ExternalSubscriptionID,
		}
		if err := r.svc.activate(ctx, repo, live, sub); err != nil {
			return err
		}

		if ev.ExternalCustomerID != "" {
			if err := repo.UpsertBillingCustomer(ctx, &models.BillingCustomer{
				UserID:             user.ID,
				Provider:           provider,
				ExternalCustomerID: ev.ExternalCustomerID,
				Email:              user.Email,
			}); err != nil {
				return errors.Wrap(err, "store billing customer")
			}
		}
		log.Infof("[Reconciler] created subscription %d for user %d on plan %s via %s", sub.ID, user.ID, plan.Slug, provider)
		return nil
	})
}

func (r *Reconciler) lockByExternalID(ctx context.Context, repo Repository, provider string, ev *gateway.WebhookEvent) (*models.Subscription, error) {
	sub, err := repo.LockSubscriptionByExternalID(ctx, provider, ev.ExternalSubscriptionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, reconciliationConflict("No local subscription matches the event.")
		}
		return nil, errors.Wrap(err, "lock subscription")
	}
	return sub, nil
}

// applyPayment extends the paid period. The customer must match as well as
// the subscription id; a missing customer on either side is a conflict. A
// payment for a new period also applies a scheduled plan change.
func (r *Reconciler) applyPayment(ctx context.Context, provider string, ev *gateway.WebhookEvent) error {
	return r.svc.repo.Transaction(ctx, func(repo Repository) error {
		sub, err := r.lockByExternalID(ctx, repo, provider, ev)
		if err != nil {
			return err
		}
		if ev.ExternalCustomerID == "" || sub.ExternalCustomerID == "" {
			return reconciliationConflict("Payment event cannot be matched to a customer.")
		}
		if ev.ExternalCustomerID != sub.ExternalCustomerID {
			return reconciliationConflict("Payment event customer does not match the subscription.")
		}
		if ev.PeriodEnd.IsZero() || !ev.PeriodEnd.After(sub.CurrentPeriodEnd) {
			return nil
		}
		if err := r.svc.applyPendingChange(ctx, repo, sub); err != nil {
			return err
		}
		if !ev.PeriodStart.IsZero() {
			sub.CurrentPeriodStart = ev.PeriodStart
		}
		sub.CurrentPeriodEnd = ev.PeriodEnd
		return repo.SaveSubscription(ctx, sub)
	})
}

// applyDeleted marks the subscription canceled whatever its local state.
func (r *Reconciler) applyDeleted(ctx context.Context, provider string, ev *gateway.WebhookEvent) error {
	return r.svc.repo.Transaction(ctx, func(repo Repository) error {
		sub, err := r.lockByExternalID(ctx, repo, provider, ev)
		if err != nil {
			return err
		}
		if sub.Status == models.SubscriptionStatusCanceled && sub.CancelAtPeriodEnd {
			return nil
		}
		sub.Status = models.SubscriptionStatusCanceled
		sub.CancelAtPeriodEnd = true
		return repo.SaveSubscription(ctx, sub)
	})
}
