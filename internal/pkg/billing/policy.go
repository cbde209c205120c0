package billing

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PlanFox/app/models"
	"github.com/ManuelReschke/PlanFox/app/repository"
)

const (
	policyCacheKey = "billing:policy:snapshot"
	policyCacheTTL = 5 * time.Minute
)

var validate = validator.New()

// PolicySource hands out the policy snapshot used for one request.
type PolicySource interface {
	Current(ctx context.Context) (*models.BillingPolicy, error)
}

// PolicyHook runs after a policy write has been persisted.
type PolicyHook func(ctx context.Context, policy *models.BillingPolicy) error

// PolicyStore reads and writes the billing policy singleton. Snapshots are
// cached in Redis and dropped on every write.
type PolicyStore struct {
	repo  repository.PolicyRepository
	cache *redis.Client
	hooks []PolicyHook
}

// NewPolicyStore creates a policy store. A nil cache disables caching.
func NewPolicyStore(repo repository.PolicyRepository, cache *redis.Client, hooks ...PolicyHook) *PolicyStore {
	return &PolicyStore{repo: repo, cache: cache, hooks: hooks}
}

// AssertSingleton fails unless exactly one policy row exists.
func (s *PolicyStore) AssertSingleton(ctx context.Context) error {
	count, err := s.repo.Count()
	if err != nil {
		return errors.Wrap(err, "count billing policies")
	}
	if count != 1 {
		return errors.AssertionFailedf("expected exactly one billing policy, found %d", count)
	}
	return nil
}

// Current returns the policy snapshot.
func (s *PolicyStore) Current(ctx context.Context) (*models.BillingPolicy, error) {
	if policy, ok := s.cached(ctx); ok {
		return policy, nil
	}
	if err := s.AssertSingleton(ctx); err != nil {
		return nil, err
	}
	policy, err := s.repo.Get()
	if err != nil {
		return nil, errors.Wrap(err, "load billing policy")
	}
	s.store(ctx, policy)
	return policy, nil
}

func (s *PolicyStore) cached(ctx context.Context) (*models.BillingPolicy, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, policyCacheKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warnf("[Billing] policy cache read failed: %v", err)
		}
		return nil, false
	}
	var policy models.BillingPolicy
	if err := json.Unmarshal(raw, &policy); err != nil {
		log.Warnf("[Billing] dropping unreadable policy snapshot: %v", err)
		s.invalidate(ctx)
		return nil, false
	}
	return &policy, true
}

func (s *PolicyStore) store(ctx context.Context, policy *models.BillingPolicy) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(policy)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, policyCacheKey, raw, policyCacheTTL).Err(); err != nil {
		log.Warnf("[Billing] policy cache write failed: %v", err)
	}
}

func (s *PolicyStore) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, policyCacheKey).Err(); err != nil {
		log.Warnf("[Billing] policy cache invalidation failed: %v", err)
	}
}

func (s *PolicyStore) runHooks(ctx context.Context, policy *models.BillingPolicy) {
	for _, hook := range s.hooks {
		if err := hook(ctx, policy); err != nil {
			log.Errorf("[Billing] policy hook failed: %v", err)
		}
	}
	s.invalidate(ctx)
}

func defaultProviderConfigs() []models.ProviderConfig {
	return []models.ProviderConfig{
		{Provider: models.ProviderStripe, IsActive: true, Priority: 1},
		{Provider: models.ProviderPaystack, Priority: 2},
		{Provider: models.ProviderFlutterwave, Priority: 3},
		{Provider: models.ProviderManual, Priority: 4},
	}
}

// Bootstrap creates the default policy when none exists. It reports
// whether a policy was created.
func (s *PolicyStore) Bootstrap(ctx context.Context) (bool, error) {
	count, err := s.repo.Count()
	if err != nil {
		return false, errors.Wrap(err, "count billing policies")
	}
	if count > 0 {
		return false, s.AssertSingleton(ctx)
	}

	policy := models.DefaultBillingPolicy()
	policy.ProviderConfigs = defaultProviderConfigs()
	if err := s.Create(ctx, policy); err != nil {
		if errors.Is(err, ErrConflict) {
			return false, nil
		}
		return false, err
	}
	log.Infof("[Billing] default billing policy created (id=%d)", policy.ID)
	return true, nil
}

// Create stores a new policy. It fails with a conflict when one exists.
func (s *PolicyStore) Create(ctx context.Context, policy *models.BillingPolicy) error {
	if err := policy.Validate(); err != nil {
		return validationError("Invalid billing policy: " + err.Error())
	}
	if err := s.repo.Create(policy); err != nil {
		if errors.Is(err, repository.ErrPolicyExists) {
			return conflictError("A billing policy already exists.")
		}
		return errors.Wrap(err, "create billing policy")
	}
	s.invalidate(ctx)
	s.runHooks(ctx, policy)
	return nil
}

// Update replaces the settings of the stored policy with those of policy.
// Provider configurations are managed with UpsertProviderConfig.
func (s *PolicyStore) Update(ctx context.Context, policy *models.BillingPolicy) (*models.BillingPolicy, error) {
	if err := policy.Validate(); err != nil {
		return nil, validationError("Invalid billing policy: " + err.Error())
	}
	if err := s.AssertSingleton(ctx); err != nil {
		return nil, err
	}
	stored, err := s.repo.Get()
	if err != nil {
		return nil, errors.Wrap(err, "load billing policy")
	}

	policy.ID = stored.ID
	policy.SingletonGuard = 1
	policy.CreatedAt = stored.CreatedAt
	policy.PolicyText = stored.PolicyText
	policy.ProviderConfigs = stored.ProviderConfigs
	if err := s.repo.Save(policy); err != nil {
		return nil, errors.Wrap(err, "save billing policy")
	}
	s.invalidate(ctx)
	s.runHooks(ctx, policy)
	return policy, nil
}

// UpsertProviderConfig enables, disables or re-ranks a provider.
func (s *PolicyStore) UpsertProviderConfig(ctx context.Context, cfg *models.ProviderConfig) (*models.BillingPolicy, error) {
	stored, err := s.repo.Get()
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundError("Billing policy not configured.")
		}
		return nil, errors.Wrap(err, "load billing policy")
	}
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if err := validate.Struct(cfg); err != nil {
		return nil, validationError("Invalid provider configuration: " + err.Error())
	}
	cfg.PolicyID = stored.ID
	if err := s.repo.UpsertProviderConfig(cfg); err != nil {
		return nil, errors.Wrap(err, "save provider configuration")
	}
	s.invalidate(ctx)

	updated, err := s.repo.Get()
	if err != nil {
		return nil, errors.Wrap(err, "reload billing policy")
	}
	s.runHooks(ctx, updated)
	return updated, nil
}
