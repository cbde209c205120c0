package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ManuelReschke/PlanFox/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the billing service. Lookups
// return gorm.ErrRecordNotFound when nothing matches. Lock* methods issue
// SELECT ... FOR UPDATE and must run inside Transaction.
type Repository interface {
	Transaction(ctx context.Context, fn func(repo Repository) error) error

	GetUser(ctx context.Context, id uint) (*models.User, error)
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)

	GetPlanBySlug(ctx context.Context, slug string) (*models.Plan, error)
	GetPlanByID(ctx context.Context, id uint) (*models.Plan, error)
	FindPlanByProviderRef(ctx context.Context, provider, ref string) (*models.Plan, error)
	SavePlanProductID(ctx context.Context, planID uint, productID string) error

	LockLiveSubscription(ctx context.Context, userID uint) (*models.Subscription, error)
	LockLatestSubscription(ctx context.Context, userID uint) (*models.Subscription, error)
	LockSubscription(ctx context.Context, id uint) (*models.Subscription, error)
	LockSubscriptionByExternalID(ctx context.Context, provider, externalID string) (*models.Subscription, error)
	EntitledSubscription(ctx context.Context, userID uint, now time.Time) (*models.Subscription, error)
	HasUsedFreePlan(ctx context.Context, userID, planID uint) (bool, error)
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	SaveSubscription(ctx context.Context, sub *models.Subscription) error
	ListSubscriptionsByUser(ctx context.Context, userID uint, offset, limit int) ([]models.Subscription, int64, error)
	ListLiveSubscriptionsByProvider(ctx context.Context, provider string) ([]models.Subscription, error)

	GetOrCreateUsage(ctx context.Context, subscriptionID uint, key string, start, end time.Time) (*models.Usage, error)
	IncrementUsage(ctx context.Context, usageID uint, amount int64, limit *int64) (bool, error)

	GetBillingCustomer(ctx context.Context, userID uint, provider string) (*models.BillingCustomer, error)
	FindBillingCustomerByExternalID(ctx context.Context, provider, externalID string) (*models.BillingCustomer, error)
	UpsertBillingCustomer(ctx context.Context, customer *models.BillingCustomer) error

	AppendEventLog(ctx context.Context, entry *models.EventLog) (bool, error)
	GetEventLog(ctx context.Context, id uint) (*models.EventLog, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(repo Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) GetUser(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var user models.User
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) withCatalog(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Preload("Prices", func(db *gorm.DB) *gorm.DB { return db.Order("plan_prices.id ASC") }).
		Preload("Entitlements", func(db *gorm.DB) *gorm.DB { return db.Order("entitlements.id ASC") })
}

func (r *gormRepository) GetPlanBySlug(ctx context.Context, slug string) (*models.Plan, error) {
	var plan models.Plan
	err := r.withCatalog(ctx).Where("slug = ?", strings.ToLower(strings.TrimSpace(slug))).First(&plan).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *gormRepository) GetPlanByID(ctx context.Context, id uint) (*models.Plan, error) {
	var plan models.Plan
	if err := r.withCatalog(ctx).First(&plan, id).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

// FindPlanByProviderRef resolves a plan from a provider-side reference:
// the Stripe product id, or the "<provider>_plan_code" metadata entry.
func (r *gormRepository) FindPlanByProviderRef(ctx context.Context, provider, ref string) (*models.Plan, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, gorm.ErrRecordNotFound
	}
	query := r.withCatalog(ctx)
	if provider == models.ProviderStripe {
		query = query.Where("stripe_product_id = ?", ref)
	} else {
		path := "$." + strings.ToLower(provider) + "_plan_code"
		query = query.Where("JSON_UNQUOTE(JSON_EXTRACT(metadata, ?)) = ?", path, ref)
	}
	var plan models.Plan
	if err := query.Order("id ASC").First(&plan).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *gormRepository) SavePlanProductID(ctx context.Context, planID uint, productID string) error {
	return r.db.WithContext(ctx).Model(&models.Plan{}).Where("id = ?", planID).Update("stripe_product_id", productID).Error
}

func (r *gormRepository) lockSubscription(ctx context.Context, query func(db *gorm.DB) *gorm.DB) (*models.Subscription, error) {
	var sub models.Subscription
	db := r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Preload("Plan")
	if err := query(db).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) LockLiveSubscription(ctx context.Context, userID uint) (*models.Subscription, error) {
	return r.lockSubscription(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where("live_user_id = ?", userID)
	})
}

func (r *gormRepository) LockLatestSubscription(ctx context.Context, userID uint) (*models.Subscription, error) {
	return r.lockSubscription(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where("user_id = ?", userID).Order("current_period_end DESC, id DESC")
	})
}

func (r *gormRepository) LockSubscription(ctx context.Context, id uint) (*models.Subscription, error) {
	return r.lockSubscription(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where("id = ?", id)
	})
}

func (r *gormRepository) LockSubscriptionByExternalID(ctx context.Context, provider, externalID string) (*models.Subscription, error) {
	if strings.TrimSpace(externalID) == "" {
		return nil, gorm.ErrRecordNotFound
	}
	return r.lockSubscription(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where("provider = ? AND external_subscription_id = ?", provider, externalID).Order("id DESC")
	})
}

// EntitledSubscription returns the row that currently grants access: the
// live row when unexpired, else the newest row canceled at period end whose
// period is still running.
func (r *gormRepository) EntitledSubscription(ctx context.Context, userID uint, now time.Time) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).Preload("Plan.Entitlements").
		Where("live_user_id = ? AND current_period_end >= ?", userID, now).
		First(&sub).Error
	if err == nil {
		return &sub, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	err = r.db.WithContext(ctx).Preload("Plan.Entitlements").
		Where("user_id = ? AND status = ? AND cancel_at_period_end = ? AND current_period_end >= ?",
			userID, models.SubscriptionStatusCanceled, true, now).
		Order("current_period_end DESC, id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) HasUsedFreePlan(ctx context.Context, userID, planID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("user_id = ? AND plan_id = ? AND unit_amount = 0", userID, planID).
		Count(&count).Error
	return count > 0, err
}

func (r *gormRepository) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Create(sub).Error
}

func (r *gormRepository) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Save(sub).Error
}

func (r *gormRepository) ListSubscriptionsByUser(ctx context.Context, userID uint, offset, limit int) ([]models.Subscription, int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Subscription{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return nil, 0, err
	}
	var subs []models.Subscription
	err := r.db.WithContext(ctx).Preload("Plan").
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&subs).Error
	return subs, count, err
}

func (r *gormRepository) ListLiveSubscriptionsByProvider(ctx context.Context, provider string) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("provider = ? AND live_user_id IS NOT NULL", provider).
		Order("id ASC").
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) GetOrCreateUsage(ctx context.Context, subscriptionID uint, key string, start, end time.Time) (*models.Usage, error) {
	usage := &models.Usage{
		SubscriptionID: subscriptionID,
		Key:            key,
		PeriodStart:    start,
		PeriodEnd:      end,
	}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(usage).Error; err != nil {
		return nil, err
	}

	var stored models.Usage
	err := r.db.WithContext(ctx).
		Where("subscription_id = ? AND feature_key = ? AND period_start = ? AND period_end = ?", subscriptionID, key, start, end).
		First(&stored).Error
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// IncrementUsage adds amount to the counter. With a limit the update only
// applies while used + amount stays within it; the affected row count
// decides success so concurrent callers cannot overshoot.
func (r *gormRepository) IncrementUsage(ctx context.Context, usageID uint, amount int64, limit *int64) (bool, error) {
	query := r.db.WithContext(ctx).Model(&models.Usage{}).Where("id = ?", usageID)
	if limit != nil {
		query = query.Where("used + ? <= ?", amount, *limit)
	}
	res := query.Update("used", gorm.Expr("used + ?", amount))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormRepository) GetBillingCustomer(ctx context.Context, userID uint, provider string) (*models.BillingCustomer, error) {
	var customer models.BillingCustomer
	err := r.db.WithContext(ctx).Where("user_id = ? AND provider = ?", userID, provider).First(&customer).Error
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

func (r *gormRepository) FindBillingCustomerByExternalID(ctx context.Context, provider, externalID string) (*models.BillingCustomer, error) {
	if strings.TrimSpace(externalID) == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var customer models.BillingCustomer
	err := r.db.WithContext(ctx).Where("provider = ? AND external_customer_id = ?", provider, externalID).First(&customer).Error
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

func (r *gormRepository) UpsertBillingCustomer(ctx context.Context, customer *models.BillingCustomer) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
			{Name: "provider"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"external_customer_id",
			"email",
			"updated_at",
		}),
	}).Create(customer).Error
}

// AppendEventLog inserts entry unless (provider, event_id) is already
// stored. It reports whether a new row was written.
func (r *gormRepository) AppendEventLog(ctx context.Context, entry *models.EventLog) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "event_id"},
		},
		DoNothing: true,
	}).Create(entry)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) GetEventLog(ctx context.Context, id uint) (*models.EventLog, error) {
	var entry models.EventLog
	if err := r.db.WithContext(ctx).First(&entry, id).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}
