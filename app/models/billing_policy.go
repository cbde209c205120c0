package models

import (
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	EffectImmediate   = "immediate"
	EffectNextCycle   = "next_cycle"
	EffectEndOfPeriod = "end_of_period"
)

const (
	RefundPolicyNone    = "none"
	RefundPolicyPartial = "partial"
	RefundPolicyFull    = "full"
)

// BillingPolicy is the global billing configuration. Exactly one row exists;
// SingletonGuard carries a unique index so a second insert fails.
type BillingPolicy struct {
	ID                     uint             `gorm:"primaryKey" json:"id"`
	SingletonGuard         uint8            `gorm:"not null;default:1;uniqueIndex" json:"-"`
	AllowUpgrade           bool             `gorm:"not null" json:"allow_upgrade"`
	AllowDowngrade         bool             `gorm:"not null" json:"allow_downgrade"`
	AllowFreePlanReuse     bool             `gorm:"not null" json:"allow_free_plan_reuse"`
	CanCancel              bool             `gorm:"not null" json:"can_cancel"`
	AutoChargeOnRenewal    bool             `gorm:"not null" json:"auto_charge_on_renewal"`
	ProrateOnUpgrade       bool             `gorm:"not null" json:"prorate_on_upgrade"`
	ProrateOnDowngrade     bool             `gorm:"not null" json:"prorate_on_downgrade"`
	EnableMultipleGateways bool             `gorm:"not null" json:"enable_multiple_gateways"`
	UpgradeEffect          string           `gorm:"type:varchar(20);default:'immediate'" json:"upgrade_effect" validate:"oneof=immediate next_cycle"`
	DowngradeEffect        string           `gorm:"type:varchar(20);default:'end_of_period'" json:"downgrade_effect" validate:"oneof=immediate end_of_period"`
	CancelEffect           string           `gorm:"type:varchar(20);default:'end_of_period'" json:"cancel_effect" validate:"oneof=immediate end_of_period"`
	RefundPolicy           string           `gorm:"type:varchar(20);default:'partial'" json:"refund_policy" validate:"oneof=none partial full"`
	DefaultProvider        string           `gorm:"type:varchar(20);default:'stripe'" json:"default_provider" validate:"required,oneof=stripe paystack flutterwave manual"`
	SuccessURL             string           `gorm:"type:varchar(255);default:''" json:"success_url" validate:"omitempty,url"`
	CancelURL              string           `gorm:"type:varchar(255);default:''" json:"cancel_url" validate:"omitempty,url"`
	PolicyText             string           `gorm:"type:longtext" json:"policy_text"`
	ProviderConfigs        []ProviderConfig `gorm:"foreignKey:PolicyID;constraint:OnDelete:CASCADE" json:"provider_configs"`
	CreatedAt              time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// DefaultBillingPolicy returns the policy created by the bootstrap step.
func DefaultBillingPolicy() *BillingPolicy {
	return &BillingPolicy{
		SingletonGuard:         1,
		AllowUpgrade:           true,
		AllowDowngrade:         true,
		AllowFreePlanReuse:     false,
		CanCancel:              true,
		AutoChargeOnRenewal:    true,
		ProrateOnUpgrade:       true,
		ProrateOnDowngrade:     false,
		EnableMultipleGateways: true,
		UpgradeEffect:          EffectImmediate,
		DowngradeEffect:        EffectEndOfPeriod,
		CancelEffect:           EffectEndOfPeriod,
		RefundPolicy:           RefundPolicyPartial,
		DefaultProvider:        ProviderStripe,
	}
}

func (p *BillingPolicy) Validate() error {
	v := validator.New()

	return v.Struct(p)
}

// ProviderConfig returns the configuration for provider, or nil.
func (p *BillingPolicy) ProviderConfig(provider string) *ProviderConfig {
	provider = strings.ToLower(strings.TrimSpace(provider))
	for i := range p.ProviderConfigs {
		if p.ProviderConfigs[i].Provider == provider {
			return &p.ProviderConfigs[i]
		}
	}
	return nil
}

// ActiveProviders returns the enabled providers ordered by priority (lower first).
func (p *BillingPolicy) ActiveProviders() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(p.ProviderConfigs))
	for _, cfg := range p.ProviderConfigs {
		if cfg.IsActive {
			out = append(out, cfg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority == out[j].Priority {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Priority < out[j].Priority
	})
	return out
}
