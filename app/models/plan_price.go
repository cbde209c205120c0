package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PlanPrice is the price of a plan in one currency. Exactly one price per
// plan carries IsDefault.
type PlanPrice struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	PlanID    uint            `gorm:"not null;index:ux_plan_prices_plan_currency,unique,priority:1" json:"plan_id"`
	Currency  string          `gorm:"type:char(3);not null;index:ux_plan_prices_plan_currency,unique,priority:2" json:"currency"`
	Amount    decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"amount"`
	IsDefault bool            `gorm:"not null" json:"is_default"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (pp *PlanPrice) BeforeSave(tx *gorm.DB) error {
	pp.Currency = strings.ToUpper(strings.TrimSpace(pp.Currency))
	return nil
}

// IsFree reports whether the price is zero.
func (pp *PlanPrice) IsFree() bool {
	return pp.Amount.IsZero()
}
