package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// ProviderConfig enables a payment provider under the billing policy.
type ProviderConfig struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	PolicyID           uint      `gorm:"not null;index:ux_provider_configs_policy_provider,unique,priority:1" json:"policy_id"`
	Provider           string    `gorm:"type:varchar(20);not null;index:ux_provider_configs_policy_provider,unique,priority:2" json:"provider" validate:"required,oneof=stripe paystack flutterwave manual"`
	IsActive           bool      `gorm:"not null" json:"is_active"`
	Priority           int       `gorm:"not null" json:"priority"`
	AdditionalSettings JSONMap   `gorm:"type:json" json:"additional_settings"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ProviderConfig) TableName() string {
	return "billing_provider_configs"
}

func (pc *ProviderConfig) BeforeSave(tx *gorm.DB) error {
	pc.Provider = strings.ToLower(strings.TrimSpace(pc.Provider))
	if pc.AdditionalSettings == nil {
		pc.AdditionalSettings = JSONMap{}
	}
	return nil
}
