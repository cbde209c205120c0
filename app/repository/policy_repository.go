package repository

import (
	"errors"

	"github.com/ManuelReschke/PlanFox/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrPolicyExists is returned when a second billing policy would be created.
var ErrPolicyExists = errors.New("billing policy already exists")

// policyRepository implements the PolicyRepository interface
type policyRepository struct {
	db *gorm.DB
}

// NewPolicyRepository creates a new billing policy repository instance
func NewPolicyRepository(db *gorm.DB) PolicyRepository {
	return &policyRepository{db: db}
}

// Count returns the number of stored policies; anything but 1 is a misconfiguration
func (r *policyRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.BillingPolicy{}).Count(&count).Error
	return count, err
}

// Get retrieves the policy with its provider configurations
func (r *policyRepository) Get() (*models.BillingPolicy, error) {
	var policy models.BillingPolicy
	err := r.db.
		Preload("ProviderConfigs", func(db *gorm.DB) *gorm.DB { return db.Order("priority ASC, provider ASC") }).
		Order("id ASC").
		First(&policy).Error
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

// Create inserts the policy and its provider configurations. It fails with
// ErrPolicyExists when a policy is already stored.
func (r *policyRepository) Create(policy *models.BillingPolicy) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.BillingPolicy{}).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrPolicyExists
		}
		policy.SingletonGuard = 1
		if err := tx.Create(policy).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrPolicyExists
			}
			return err
		}
		return nil
	})
}

// Save updates the policy columns; provider configurations are written separately
func (r *policyRepository) Save(policy *models.BillingPolicy) error {
	return r.db.Omit(clause.Associations).Save(policy).Error
}

// UpdatePolicyText stores freshly rendered policy text
func (r *policyRepository) UpdatePolicyText(id uint, text string) error {
	return r.db.Model(&models.BillingPolicy{}).Where("id = ?", id).Update("policy_text", text).Error
}

// UpsertProviderConfig creates or updates a provider configuration by (policy, provider)
func (r *policyRepository) UpsertProviderConfig(cfg *models.ProviderConfig) error {
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "policy_id"},
			{Name: "provider"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"is_active",
			"priority",
			"additional_settings",
			"updated_at",
		}),
	}).Create(cfg).Error
}
