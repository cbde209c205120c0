package repository

import (
	"strings"

	"github.com/ManuelReschke/PlanFox/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// planRepository implements the PlanRepository interface
type planRepository struct {
	db *gorm.DB
}

// NewPlanRepository creates a new plan repository instance
func NewPlanRepository(db *gorm.DB) PlanRepository {
	return &planRepository{db: db}
}

func (r *planRepository) withCatalog() *gorm.DB {
	return r.db.
		Preload("Prices", func(db *gorm.DB) *gorm.DB { return db.Order("plan_prices.id ASC") }).
		Preload("Entitlements", func(db *gorm.DB) *gorm.DB { return db.Order("entitlements.id ASC") })
}

// Create creates a plan together with its prices and entitlements
func (r *planRepository) Create(plan *models.Plan) error {
	return r.db.Create(plan).Error
}

// Update saves the plan columns only
func (r *planRepository) Update(plan *models.Plan) error {
	return r.db.Omit(clause.Associations).Save(plan).Error
}

// GetBySlug retrieves a plan with prices and entitlements by slug
func (r *planRepository) GetBySlug(slug string) (*models.Plan, error) {
	var plan models.Plan
	err := r.withCatalog().Where("slug = ?", strings.ToLower(strings.TrimSpace(slug))).First(&plan).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// GetByID retrieves a plan with prices and entitlements by ID
func (r *planRepository) GetByID(id uint) (*models.Plan, error) {
	var plan models.Plan
	err := r.withCatalog().First(&plan, id).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// List retrieves all plans ordered for display
func (r *planRepository) List() ([]models.Plan, error) {
	var plans []models.Plan
	err := r.withCatalog().Order("sort_order ASC, name ASC").Find(&plans).Error
	return plans, err
}

// ListActive retrieves active plans, optionally restricted to intervals
func (r *planRepository) ListActive(intervals []string) ([]models.Plan, error) {
	var plans []models.Plan
	query := r.withCatalog().Where("is_active = ?", true)
	if len(intervals) > 0 {
		query = query.Where("billing_interval IN ?", intervals)
	}
	err := query.Order("sort_order ASC, name ASC").Find(&plans).Error
	return plans, err
}

// UpsertEntitlement creates or updates an entitlement keyed by plan and key
func (r *planRepository) UpsertEntitlement(entitlement *models.Entitlement) error {
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "plan_id"},
			{Name: "feature_key"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"enabled",
			"limit_int",
			"limit_str",
			"note",
			"updated_at",
		}),
	}).Create(entitlement).Error
}

// Transaction runs fn with a repository bound to a single database transaction
func (r *planRepository) Transaction(fn func(repo PlanRepository) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(&planRepository{db: tx})
	})
}

// LockPrices loads the prices of a plan with SELECT ... FOR UPDATE
func (r *planRepository) LockPrices(planID uint) ([]models.PlanPrice, error) {
	var prices []models.PlanPrice
	err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("plan_id = ?", planID).
		Order("id ASC").
		Find(&prices).Error
	return prices, err
}

// CreatePrice inserts a new plan price
func (r *planRepository) CreatePrice(price *models.PlanPrice) error {
	return r.db.Create(price).Error
}

// SavePrice updates an existing plan price
func (r *planRepository) SavePrice(price *models.PlanPrice) error {
	return r.db.Save(price).Error
}

// DeletePrice removes a plan price
func (r *planRepository) DeletePrice(id uint) error {
	return r.db.Delete(&models.PlanPrice{}, id).Error
}
