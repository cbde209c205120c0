package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	SubscriptionStatusIncomplete = "incomplete"
	SubscriptionStatusTrialing   = "trialing"
	SubscriptionStatusActive     = "active"
	SubscriptionStatusPastDue    = "past_due"
	SubscriptionStatusCanceled   = "canceled"
	SubscriptionStatusExpired    = "expired"
	SubscriptionStatusUnpaid     = "unpaid"
	SubscriptionStatusUnknown    = "unknown"
)

const (
	ProviderStripe      = "stripe"
	ProviderPaystack    = "paystack"
	ProviderFlutterwave = "flutterwave"
	ProviderManual      = "manual"
)

// Subscription links a user to a plan for one billing period window.
// Currency and UnitAmount are captured at purchase and never recomputed.
//
// LiveUserID mirrors UserID while the row is active or trialing and is NULL
// otherwise; its unique index allows at most one live row per user.
type Subscription struct {
	ID                     uint            `gorm:"primaryKey" json:"id"`
	UserID                 uint            `gorm:"not null;index" json:"user_id"`
	PlanID                 uint            `gorm:"not null;index" json:"plan_id"`
	Plan                   *Plan           `gorm:"foreignKey:PlanID;constraint:OnDelete:RESTRICT" json:"plan,omitempty"`
	Status                 string          `gorm:"type:varchar(20);not null;default:'incomplete';index" json:"status"`
	CurrentPeriodStart     time.Time       `gorm:"type:datetime;not null" json:"current_period_start"`
	CurrentPeriodEnd       time.Time       `gorm:"type:datetime;not null;index" json:"current_period_end"`
	CancelAtPeriodEnd      bool            `gorm:"not null" json:"cancel_at_period_end"`
	Currency               string          `gorm:"type:char(3);not null" json:"currency"`
	UnitAmount             decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"unit_amount"`
	Provider               string          `gorm:"type:varchar(20);not null;index:idx_subscriptions_provider_external,priority:1" json:"provider"`
	PaymentMethodType      string          `gorm:"type:varchar(50);default:''" json:"payment_method_type"`
	ExternalCustomerID     string          `gorm:"type:varchar(191);default:''" json:"external_customer_id"`
	ExternalSubscriptionID string          `gorm:"type:varchar(191);default:'';index:idx_subscriptions_provider_external,priority:2" json:"external_subscription_id"`
	LiveUserID             *uint           `gorm:"uniqueIndex" json:"-"`

	// PendingPlanID and the pending price describe a plan change scheduled
	// for the end of the current period.
	PendingPlanID     *uint               `gorm:"index" json:"pending_plan_id,omitempty"`
	PendingCurrency   string              `gorm:"type:char(3);not null;default:''" json:"pending_currency,omitempty"`
	PendingUnitAmount decimal.NullDecimal `gorm:"type:decimal(12,2)" json:"pending_unit_amount"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeSave keeps the live marker in step with the status.
func (s *Subscription) BeforeSave(tx *gorm.DB) error {
	s.Currency = strings.ToUpper(strings.TrimSpace(s.Currency))
	s.PendingCurrency = strings.ToUpper(strings.TrimSpace(s.PendingCurrency))
	s.SyncLiveMarker()
	return nil
}

// SyncLiveMarker sets LiveUserID from the current status.
func (s *Subscription) SyncLiveMarker() {
	if IsLiveStatus(s.Status) {
		uid := s.UserID
		s.LiveUserID = &uid
		return
	}
	s.LiveUserID = nil
}

// IsLiveStatus reports whether status is active or trialing.
func IsLiveStatus(status string) bool {
	return status == SubscriptionStatusActive || status == SubscriptionStatusTrialing
}

// IsLive reports whether the row holds the user's live slot.
func (s *Subscription) IsLive() bool {
	return IsLiveStatus(s.Status)
}

// IsActive reports whether the subscription grants access at now. A row
// canceled at period end keeps access until the paid period is over.
func (s *Subscription) IsActive(now time.Time) bool {
	if now.After(s.CurrentPeriodEnd) {
		return false
	}
	if s.IsLive() {
		return true
	}
	return s.Status == SubscriptionStatusCanceled && s.CancelAtPeriodEnd
}

// IsFree reports whether the captured price is zero.
func (s *Subscription) IsFree() bool {
	return s.UnitAmount.IsZero()
}

// IsTerminal reports whether no further transitions are allowed.
func (s *Subscription) IsTerminal() bool {
	return s.Status == SubscriptionStatusCanceled || s.Status == SubscriptionStatusExpired
}

// CancelForReplacement moves a live row out of the way before a new one is
// created for the same user.
func (s *Subscription) CancelForReplacement() {
	s.Status = SubscriptionStatusCanceled
	s.CancelAtPeriodEnd = true
	s.SyncLiveMarker()
}

// SchedulePlanChange records the plan and captured price the row moves to
// when the current period ends. A later schedule replaces an earlier one.
func (s *Subscription) SchedulePlanChange(planID uint, currency string, amount decimal.Decimal) {
	id := planID
	s.PendingPlanID = &id
	s.PendingCurrency = strings.ToUpper(strings.TrimSpace(currency))
	s.PendingUnitAmount = decimal.NewNullDecimal(amount)
}

// HasPendingChange reports whether a plan change is scheduled.
func (s *Subscription) HasPendingChange() bool {
	return s.PendingPlanID != nil
}

// ClearPendingChange drops a scheduled plan change.
func (s *Subscription) ClearPendingChange() {
	s.PendingPlanID = nil
	s.PendingCurrency = ""
	s.PendingUnitAmount = decimal.NullDecimal{}
}

// ApplyPendingChange moves the row onto its scheduled plan and price. The
// loaded Plan is dropped when the plan changes. It reports whether a change
// was applied.
func (s *Subscription) ApplyPendingChange() bool {
	if s.PendingPlanID == nil {
		return false
	}
	if s.PlanID != *s.PendingPlanID {
		s.PlanID = *s.PendingPlanID
		s.Plan = nil
	}
	if s.PendingCurrency != "" {
		s.Currency = s.PendingCurrency
	}
	if s.PendingUnitAmount.Valid {
		s.UnitAmount = s.PendingUnitAmount.Decimal
	}
	s.ClearPendingChange()
	return true
}
