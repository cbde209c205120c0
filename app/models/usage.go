package models

import "time"

// Usage counts consumption of one entitlement key within one billing period
// of a subscription. A new period gets a new row.
type Usage struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	SubscriptionID uint      `gorm:"not null;index:ux_usages_sub_key_period,unique,priority:1" json:"subscription_id"`
	Key            string    `gorm:"column:feature_key;type:varchar(100);not null;index:ux_usages_sub_key_period,unique,priority:2" json:"key"`
	PeriodStart    time.Time `gorm:"type:datetime;not null;index:ux_usages_sub_key_period,unique,priority:3" json:"period_start"`
	PeriodEnd      time.Time `gorm:"type:datetime;not null;index:ux_usages_sub_key_period,unique,priority:4" json:"period_end"`
	Used           int64     `gorm:"not null;default:0" json:"used"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
