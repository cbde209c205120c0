package statistics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PlanFox/app/models"
)

const (
	CacheKeyBilling = "statistics:billing"
	CacheExpiration = 5 * time.Minute
)

// Snapshot is the billing overview shown to operators.
type Snapshot struct {
	GeneratedAt    time.Time        `json:"generated_at"`
	TotalUsers     int64            `json:"total_users"`
	ByStatus       map[string]int64 `json:"subscriptions_by_status"`
	LiveByProvider map[string]int64 `json:"live_by_provider"`
	LiveByPlan     map[string]int64 `json:"live_by_plan"`
}

// Service computes snapshots from the database and keeps the last one in
// Redis. A nil cache client disables caching.
type Service struct {
	db    *gorm.DB
	cache *redis.Client
	ttl   time.Duration
	now   func() time.Time
}

func NewService(db *gorm.DB, cache *redis.Client) *Service {
	return &Service{db: db, cache: cache, ttl: CacheExpiration, now: time.Now}
}

// Get returns the cached snapshot, computing it when missing or expired.
func (s *Service) Get(ctx context.Context) (*Snapshot, error) {
	if snap, ok := s.cached(ctx); ok {
		return snap, nil
	}
	return s.Refresh(ctx)
}

// Refresh recomputes the snapshot and replaces the cached copy.
func (s *Service) Refresh(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{GeneratedAt: s.now().UTC()}

	if err := s.db.WithContext(ctx).Model(&models.User{}).Count(&snap.TotalUsers).Error; err != nil {
		return nil, errors.Wrap(err, "count users")
	}

	var err error
	if snap.ByStatus, err = s.countBy(ctx, s.db.WithContext(ctx).Model(&models.Subscription{}), "status"); err != nil {
		return nil, err
	}
	live := func() *gorm.DB {
		return s.db.WithContext(ctx).Model(&models.Subscription{}).Where("live_user_id IS NOT NULL")
	}
	if snap.LiveByProvider, err = s.countBy(ctx, live(), "provider"); err != nil {
		return nil, err
	}
	if snap.LiveByPlan, err = s.countBy(ctx, live().Joins("JOIN plans ON plans.id = subscriptions.plan_id"), "plans.slug"); err != nil {
		return nil, err
	}

	s.store(ctx, snap)
	return snap, nil
}

type countRow struct {
	Key   string
	Total int64
}

func (s *Service) countBy(_ context.Context, query *gorm.DB, column string) (map[string]int64, error) {
	var rows []countRow
	if err := query.Select(column + " AS `key`, COUNT(*) AS total").Group(column).Scan(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "count subscriptions by %s", column)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Total
	}
	return out, nil
}

func (s *Service) cached(ctx context.Context) (*Snapshot, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, CacheKeyBilling).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warnf("[Statistics] cache read failed: %v", err)
		}
		return nil, false
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, false
	}
	return &snap, true
}

func (s *Service) store(ctx context.Context, snap *Snapshot) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, CacheKeyBilling, raw, s.ttl).Err(); err != nil {
		log.Warnf("[Statistics] cache write failed: %v", err)
	}
}
