package repository

import (
	"github.com/ManuelReschke/PlanFox/app/models"
	"gorm.io/gorm"
)

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	GetByAPIKeyHash(hash string) (*models.User, *models.UserSettings, error)
	TouchAPIKeyUsage(settingsID uint) error
	Update(user *models.User) error
	List(offset, limit int) ([]models.User, error)
	Count() (int64, error)
}

// PlanRepository defines the interface for catalog operations. Price writes
// are expected to run inside Transaction after LockPrices.
type PlanRepository interface {
	Create(plan *models.Plan) error
	Update(plan *models.Plan) error
	GetBySlug(slug string) (*models.Plan, error)
	GetByID(id uint) (*models.Plan, error)
	List() ([]models.Plan, error)
	ListActive(intervals []string) ([]models.Plan, error)
	UpsertEntitlement(entitlement *models.Entitlement) error
	Transaction(fn func(repo PlanRepository) error) error
	LockPrices(planID uint) ([]models.PlanPrice, error)
	CreatePrice(price *models.PlanPrice) error
	SavePrice(price *models.PlanPrice) error
	DeletePrice(id uint) error
}

// PolicyRepository defines the interface for the billing policy singleton
type PolicyRepository interface {
	Count() (int64, error)
	Get() (*models.BillingPolicy, error)
	Create(policy *models.BillingPolicy) error
	Save(policy *models.BillingPolicy) error
	UpdatePolicyText(id uint, text string) error
	UpsertProviderConfig(cfg *models.ProviderConfig) error
}

// Repositories struct holds all repository instances
type Repositories struct {
	User   UserRepository
	Plan   PlanRepository
	Policy PolicyRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:   NewUserRepository(db),
		Plan:   NewPlanRepository(db),
		Policy: NewPolicyRepository(db),
	}
}
