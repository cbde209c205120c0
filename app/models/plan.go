package models

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// Plan is a purchasable product in the catalog. Subscriptions reference it
// with ON DELETE RESTRICT, so a plan with history can only be deactivated.
type Plan struct {
	ID              uint          `gorm:"primaryKey" json:"id"`
	Slug            string        `gorm:"type:varchar(100);not null;uniqueIndex" json:"slug" validate:"required,min=1,max=100"`
	Name            string        `gorm:"type:varchar(150);not null" json:"name" validate:"required,min=1,max=150"`
	Description     string        `gorm:"type:text" json:"description"`
	Interval        string        `gorm:"column:billing_interval;type:varchar(20);not null;default:'monthly';index" json:"interval" validate:"required,max=20"`
	IsActive        bool          `gorm:"not null;index" json:"is_active"`
	SortOrder       int           `gorm:"default:0" json:"sort_order"`
	Metadata        JSONMap       `gorm:"type:json" json:"metadata"`
	StripeProductID string        `gorm:"type:varchar(100);default:''" json:"-"`
	Prices          []PlanPrice   `gorm:"foreignKey:PlanID;constraint:OnDelete:CASCADE" json:"prices,omitempty"`
	Entitlements    []Entitlement `gorm:"foreignKey:PlanID;constraint:OnDelete:CASCADE" json:"entitlements,omitempty"`
	CreatedAt       time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *Plan) Validate() error {
	v := validator.New()

	return v.Struct(p)
}

// BeforeSave normalizes slug and interval.
func (p *Plan) BeforeSave(tx *gorm.DB) error {
	p.Slug = strings.ToLower(strings.TrimSpace(p.Slug))
	p.Interval = strings.ToLower(strings.TrimSpace(p.Interval))
	if p.Metadata == nil {
		p.Metadata = JSONMap{}
	}
	return nil
}

// DefaultPrice returns the price flagged as default, or nil.
func (p *Plan) DefaultPrice() *PlanPrice {
	for i := range p.Prices {
		if p.Prices[i].IsDefault {
			return &p.Prices[i]
		}
	}
	return nil
}

// ProviderPlanRef returns the provider-side plan reference stored in metadata
// under "<provider>_plan_code" (e.g. paystack_plan_code).
func (p *Plan) ProviderPlanRef(provider string) string {
	if p.Metadata == nil {
		return ""
	}
	return strings.TrimSpace(p.Metadata.String(strings.ToLower(provider) + "_plan_code"))
}
