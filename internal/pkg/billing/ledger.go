package billing

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PlanFox/app/models"
)

type QuotaKind int

const (
	QuotaZero QuotaKind = iota
	QuotaRemaining
	QuotaUnlimited
)

// Quota is the remaining allowance of one entitlement key.
type Quota struct {
	Kind      QuotaKind
	Remaining int64
}

// Value returns the remaining amount, or nil when unlimited.
func (q Quota) Value() *int64 {
	switch q.Kind {
	case QuotaUnlimited:
		return nil
	case QuotaRemaining:
		n := q.Remaining
		return &n
	default:
		var zero int64
		return &zero
	}
}

// Ledger tracks metered usage against the entitlements of the user's
// current subscription period.
type Ledger struct {
	repo Repository
	now  func() time.Time
}

func NewLedger(repo Repository) *Ledger {
	return &Ledger{repo: repo, now: time.Now}
}

// entitlement resolves the subscription and entitlement that govern key.
// A nil entitlement means the user has no access.
func (l *Ledger) entitlement(ctx context.Context, userID uint, key string) (*models.Subscription, *models.Entitlement, error) {
	sub, err := l.repo.EntitledSubscription(ctx, userID, l.now())
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil
		}
		return nil, nil, errors.Wrap(err, "load entitled subscription")
	}
	ent := EntitlementFor(sub.Plan, key)
	if ent == nil || !ent.Enabled {
		return sub, nil, nil
	}
	return sub, ent, nil
}

// RemainingQuota reports how much of key the user may still consume in the
// current period.
func (l *Ledger) RemainingQuota(ctx context.Context, userID uint, key string) (Quota, error) {
	sub, ent, err := l.entitlement(ctx, userID, key)
	if err != nil || ent == nil {
		return Quota{Kind: QuotaZero}, err
	}
	if ent.LimitInt == nil {
		return Quota{Kind: QuotaUnlimited}, nil
	}

	usage, err := l.repo.GetOrCreateUsage(ctx, sub.ID, key, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	if err != nil {
		return Quota{Kind: QuotaZero}, errors.Wrap(err, "load usage")
	}
	remaining := *ent.LimitInt - usage.Used
	if remaining < 0 {
		remaining = 0
	}
	return Quota{Kind: QuotaRemaining, Remaining: remaining}, nil
}

// RecordUsage consumes amount of key. It returns false without mutating
// anything when the user has no access to key or the limit would be
// exceeded.
func (l *Ledger) RecordUsage(ctx context.Context, userID uint, key string, amount int64) (bool, error) {
	if amount < 1 {
		return false, validationError("amount must be at least 1.")
	}
	sub, ent, err := l.entitlement(ctx, userID, key)
	if err != nil || ent == nil {
		return false, err
	}
	if ent.LimitInt != nil && amount > *ent.LimitInt {
		return false, nil
	}

	usage, err := l.repo.GetOrCreateUsage(ctx, sub.ID, key, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	if err != nil {
		return false, errors.Wrap(err, "load usage")
	}
	ok, err := l.repo.IncrementUsage(ctx, usage.ID, amount, ent.LimitInt)
	if err != nil {
		return false, errors.Wrap(err, "increment usage")
	}
	return ok, nil
}
