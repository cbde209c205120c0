package models

import "time"

// Entitlement is a named feature or quota attached to a plan. A nil LimitInt
// on an enabled entitlement means unlimited.
type Entitlement struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	PlanID    uint      `gorm:"not null;index:ux_entitlements_plan_key,unique,priority:1" json:"plan_id"`
	Key       string    `gorm:"column:feature_key;type:varchar(100);not null;index:ux_entitlements_plan_key,unique,priority:2" json:"key"`
	Enabled   bool      `gorm:"not null" json:"enabled"`
	LimitInt  *int64    `gorm:"default:null" json:"limit_int"`
	LimitStr  string    `gorm:"type:varchar(100);default:''" json:"limit_str"`
	Note      string    `gorm:"type:varchar(255);default:''" json:"note"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsUnlimited reports whether the entitlement is enabled without an integer cap.
func (e *Entitlement) IsUnlimited() bool {
	return e != nil && e.Enabled && e.LimitInt == nil
}
