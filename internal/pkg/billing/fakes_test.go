package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PlanFox/app/models"
	"github.com/ManuelReschke/PlanFox/app/repository"
	"github.com/ManuelReschke/PlanFox/internal/pkg/gateway"
)

var errDuplicateLive = errors.New("duplicate entry for key live_user_id")

// memState is the table data behind memRepo.
type memState struct {
	users     map[uint]models.User
	plans     map[uint]models.Plan
	subs      map[uint]models.Subscription
	usages    map[uint]models.Usage
	customers map[uint]models.BillingCustomer
	events    map[uint]models.EventLog
	nextID    uint
}

func newMemState() *memState {
	return &memState{
		users:     map[uint]models.User{},
		plans:     map[uint]models.Plan{},
		subs:      map[uint]models.Subscription{},
		usages:    map[uint]models.Usage{},
		customers: map[uint]models.BillingCustomer{},
		events:    map[uint]models.EventLog{},
	}
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *memState) clone() *memState {
	return &memState{
		users:     copyMap(s.users),
		plans:     copyMap(s.plans),
		subs:      copyMap(s.subs),
		usages:    copyMap(s.usages),
		customers: copyMap(s.customers),
		events:    copyMap(s.events),
		nextID:    s.nextID,
	}
}

func (s *memState) id() uint {
	s.nextID++
	return s.nextID
}

// memRepo is an in-memory Repository. Transactions serialize on one mutex
// and roll back by restoring a snapshot.
type memRepo struct {
	mu *sync.Mutex
	st *memState
	tx bool
}

func newMemRepo() *memRepo {
	return &memRepo{mu: &sync.Mutex{}, st: newMemState()}
}

func (r *memRepo) lock() func() {
	if r.tx {
		return func() {}
	}
	r.mu.Lock()
	return r.mu.Unlock
}

func (r *memRepo) Transaction(ctx context.Context, fn func(repo Repository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := r.st.clone()
	if err := fn(&memRepo{mu: r.mu, st: r.st, tx: true}); err != nil {
		*r.st = *snapshot
		return err
	}
	return nil
}

func (r *memRepo) GetUser(ctx context.Context, id uint) (*models.User, error) {
	defer r.lock()()
	u, ok := r.st.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &u, nil
}

func (r *memRepo) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	defer r.lock()()
	for _, u := range r.st.users {
		if email != "" && u.Email == email {
			return &u, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memRepo) plan(id uint) *models.Plan {
	p, ok := r.st.plans[id]
	if !ok {
		return nil
	}
	p.Prices = append([]models.PlanPrice(nil), p.Prices...)
	p.Entitlements = append([]models.Entitlement(nil), p.Entitlements...)
	return &p
}

func (r *memRepo) GetPlanBySlug(ctx context.Context, slug string) (*models.Plan, error) {
	defer r.lock()()
	for id, p := range r.st.plans {
		if p.Slug == strings.ToLower(strings.TrimSpace(slug)) {
			return r.plan(id), nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memRepo) GetPlanByID(ctx context.Context, id uint) (*models.Plan, error) {
	defer r.lock()()
	if p := r.plan(id); p != nil {
		return p, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memRepo) FindPlanByProviderRef(ctx context.Context, provider, ref string) (*models.Plan, error) {
	defer r.lock()()
	if ref == "" {
		return nil, gorm.ErrRecordNotFound
	}
	for id, p := range r.st.plans {
		if (provider == models.ProviderStripe && p.StripeProductID == ref) || p.ProviderPlanRef(provider) == ref {
			return r.plan(id), nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memRepo) SavePlanProductID(ctx context.Context, planID uint, productID string) error {
	defer r.lock()()
	p := r.st.plans[planID]
	p.StripeProductID = productID
	r.st.plans[planID] = p
	return nil
}

func (r *memRepo) withPlan(sub models.Subscription) *models.Subscription {
	sub.Plan = r.plan(sub.PlanID)
	return &sub
}

func (r *memRepo) sortedSubs(filter func(models.Subscription) bool) []models.Subscription {
	var out []models.Subscription
	for _, s := range r.st.subs {
		if filter(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memRepo) LockLiveSubscription(ctx context.Context, userID uint) (*models.Subscription, error) {
	defer r.lock()()
	live := r.sortedSubs(func(s models.Subscription) bool { return s.LiveUserID != nil && *s.LiveUserID == userID })
	if len(live) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return r.withPlan(live[0]), nil
}

func (r *memRepo) LockLatestSubscription(ctx context.Context, userID uint) (*models.Subscription, error) {
	defer r.lock()()
	subs := r.sortedSubs(func(s models.Subscription) bool { return s.UserID == userID })
	if len(subs) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	sort.SliceStable(subs, func(i, j int) bool {
		if !subs[i].CurrentPeriodEnd.Equal(subs[j].CurrentPeriodEnd) {
			return subs[i].CurrentPeriodEnd.After(subs[j].CurrentPeriodEnd)
		}
		return subs[i].ID > subs[j].ID
	})
	return r.withPlan(subs[0]), nil
}

func (r *memRepo) LockSubscription(ctx context.Context, id uint) (*models.Subscription, error) {
	defer r.lock()()
	s, ok := r.st.subs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return r.withPlan(s), nil
}

func (r *memRepo) LockSubscriptionByExternalID(ctx context.Context, provider, externalID string) (*models.Subscription, error) {
	defer r.lock()()
	if externalID == "" {
		return nil, gorm.ErrRecordNotFound
	}
	subs := r.sortedSubs(func(s models.Subscription) bool {
		return s.Provider == provider && s.ExternalSubscriptionID == externalID
	})
	if len(subs) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return r.withPlan(subs[len(subs)-1]), nil
}

func (r *memRepo) EntitledSubscription(ctx context.Context, userID uint, now time.Time) (*models.Subscription, error) {
	defer r.lock()()
	for _, s := range r.sortedSubs(func(s models.Subscription) bool { return s.LiveUserID != nil && *s.LiveUserID == userID }) {
		if !s.CurrentPeriodEnd.Before(now) {
			return r.withPlan(s), nil
		}
	}
	canceled := r.sortedSubs(func(s models.Subscription) bool {
		return s.UserID == userID && s.Status == models.SubscriptionStatusCanceled && s.CancelAtPeriodEnd && !s.CurrentPeriodEnd.Before(now)
	})
	if len(canceled) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	sort.SliceStable(canceled, func(i, j int) bool {
		if !canceled[i].CurrentPeriodEnd.Equal(canceled[j].CurrentPeriodEnd) {
			return canceled[i].CurrentPeriodEnd.After(canceled[j].CurrentPeriodEnd)
		}
		return canceled[i].ID > canceled[j].ID
	})
	return r.withPlan(canceled[0]), nil
}

func (r *memRepo) HasUsedFreePlan(ctx context.Context, userID, planID uint) (bool, error) {
	defer r.lock()()
	for _, s := range r.st.subs {
		if s.UserID == userID && s.PlanID == planID && s.UnitAmount.IsZero() {
			return true, nil
		}
	}
	return false, nil
}

// store mirrors the BeforeSave hook and the unique index on live_user_id.
func (r *memRepo) store(sub *models.Subscription, create bool) error {
	sub.Currency = strings.ToUpper(strings.TrimSpace(sub.Currency))
	sub.SyncLiveMarker()
	if sub.LiveUserID != nil {
		for id, other := range r.st.subs {
			if (create || id != sub.ID) && other.LiveUserID != nil && *other.LiveUserID == *sub.LiveUserID {
				return errDuplicateLive
			}
		}
	}
	if create {
		sub.ID = r.st.id()
	}
	row := *sub
	row.Plan = nil
	r.st.subs[row.ID] = row
	return nil
}

func (r *memRepo) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	defer r.lock()()
	return r.store(sub, true)
}

func (r *memRepo) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	defer r.lock()()
	return r.store(sub, sub.ID == 0)
}

func (r *memRepo) ListSubscriptionsByUser(ctx context.Context, userID uint, offset, limit int) ([]models.Subscription, int64, error) {
	defer r.lock()()
	subs := r.sortedSubs(func(s models.Subscription) bool { return s.UserID == userID })
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID > subs[j].ID })
	count := int64(len(subs))
	if offset >= len(subs) {
		return nil, count, nil
	}
	end := offset + limit
	if end > len(subs) {
		end = len(subs)
	}
	out := make([]models.Subscription, 0, end-offset)
	for _, s := range subs[offset:end] {
		out = append(out, *r.withPlan(s))
	}
	return out, count, nil
}

func (r *memRepo) ListLiveSubscriptionsByProvider(ctx context.Context, provider string) ([]models.Subscription, error) {
	defer r.lock()()
	return r.sortedSubs(func(s models.Subscription) bool { return s.Provider == provider && s.LiveUserID != nil }), nil
}

func (r *memRepo) GetOrCreateUsage(ctx context.Context, subscriptionID uint, key string, start, end time.Time) (*models.Usage, error) {
	defer r.lock()()
	for _, u := range r.st.usages {
		if u.SubscriptionID == subscriptionID && u.Key == key && u.PeriodStart.Equal(start) && u.PeriodEnd.Equal(end) {
			return &u, nil
		}
	}
	u := models.Usage{ID: r.st.id(), SubscriptionID: subscriptionID, Key: key, PeriodStart: start, PeriodEnd: end}
	r.st.usages[u.ID] = u
	return &u, nil
}

func (r *memRepo) IncrementUsage(ctx context.Context, usageID uint, amount int64, limit *int64) (bool, error) {
	defer r.lock()()
	u, ok := r.st.usages[usageID]
	if !ok {
		return false, nil
	}
	if limit != nil && u.Used+amount > *limit {
		return false, nil
	}
	u.Used += amount
	r.st.usages[usageID] = u
	return true, nil
}

func (r *memRepo) GetBillingCustomer(ctx context.Context, userID uint, provider string) (*models.BillingCustomer, error) {
	defer r.lock()()
	for _, c := range r.st.customers {
		if c.UserID == userID && c.Provider == provider {
			return &c, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memRepo) FindBillingCustomerByExternalID(ctx context.Context, provider, externalID string) (*models.BillingCustomer, error) {
	defer r.lock()()
	for _, c := range r.st.customers {
		if externalID != "" && c.Provider == provider && c.ExternalCustomerID == externalID {
			return &c, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memRepo) UpsertBillingCustomer(ctx context.Context, customer *models.BillingCustomer) error {
	defer r.lock()()
	for id, c := range r.st.customers {
		if c.UserID == customer.UserID && c.Provider == customer.Provider {
			c.ExternalCustomerID = customer.ExternalCustomerID
			c.Email = customer.Email
			r.st.customers[id] = c
			return nil
		}
	}
	customer.ID = r.st.id()
	r.st.customers[customer.ID] = *customer
	return nil
}

func (r *memRepo) AppendEventLog(ctx context.Context, entry *models.EventLog) (bool, error) {
	defer r.lock()()
	for _, e := range r.st.events {
		if e.Provider == entry.Provider && e.EventID == entry.EventID {
			*entry = e
			return false, nil
		}
	}
	entry.ID = r.st.id()
	r.st.events[entry.ID] = *entry
	return true, nil
}

func (r *memRepo) GetEventLog(ctx context.Context, id uint) (*models.EventLog, error) {
	defer r.lock()()
	e, ok := r.st.events[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &e, nil
}

// test helpers

func (r *memRepo) addUser(email string) *models.User {
	defer r.lock()()
	u := models.User{ID: r.st.id(), Name: strings.Split(email, "@")[0], Email: email, Role: models.ROLE_USER}
	r.st.users[u.ID] = u
	return &u
}

func (r *memRepo) addPlan(p models.Plan) *models.Plan {
	defer r.lock()()
	p.ID = r.st.id()
	for i := range p.Prices {
		p.Prices[i].ID = r.st.id()
		p.Prices[i].PlanID = p.ID
	}
	for i := range p.Entitlements {
		p.Entitlements[i].ID = r.st.id()
		p.Entitlements[i].PlanID = p.ID
	}
	r.st.plans[p.ID] = p
	return r.plan(p.ID)
}

func (r *memRepo) subscriptions(userID uint) []models.Subscription {
	defer r.lock()()
	return r.sortedSubs(func(s models.Subscription) bool { return s.UserID == userID })
}

func (r *memRepo) liveCount(userID uint) int {
	n := 0
	for _, s := range r.subscriptions(userID) {
		if s.IsLive() {
			n++
		}
	}
	return n
}

func (r *memRepo) eventsOfType(eventType string) []models.EventLog {
	defer r.lock()()
	var out []models.EventLog
	for _, e := range r.st.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memRepo) eventCount() int {
	defer r.lock()()
	return len(r.st.events)
}

// memPlanRepo is an in-memory repository.PlanRepository.
type memPlanRepo struct {
	plans  map[uint]models.Plan
	nextID uint
}

func newMemPlanRepo() *memPlanRepo {
	return &memPlanRepo{plans: map[uint]models.Plan{}}
}

func (r *memPlanRepo) id() uint {
	r.nextID++
	return r.nextID
}

func clonePlan(p models.Plan) *models.Plan {
	p.Prices = append([]models.PlanPrice(nil), p.Prices...)
	p.Entitlements = append([]models.Entitlement(nil), p.Entitlements...)
	return &p
}

func (r *memPlanRepo) Create(plan *models.Plan) error {
	plan.ID = r.id()
	for i := range plan.Prices {
		plan.Prices[i].ID = r.id()
		plan.Prices[i].PlanID = plan.ID
	}
	for i := range plan.Entitlements {
		plan.Entitlements[i].ID = r.id()
		plan.Entitlements[i].PlanID = plan.ID
	}
	r.plans[plan.ID] = *clonePlan(*plan)
	return nil
}

func (r *memPlanRepo) Update(plan *models.Plan) error {
	stored, ok := r.plans[plan.ID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	updated := *plan
	updated.Prices = stored.Prices
	updated.Entitlements = stored.Entitlements
	r.plans[plan.ID] = updated
	return nil
}

func (r *memPlanRepo) GetBySlug(slug string) (*models.Plan, error) {
	for _, p := range r.plans {
		if p.Slug == slug {
			return clonePlan(p), nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memPlanRepo) GetByID(id uint) (*models.Plan, error) {
	p, ok := r.plans[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return clonePlan(p), nil
}

func (r *memPlanRepo) sorted(filter func(models.Plan) bool) []models.Plan {
	var out []models.Plan
	for _, p := range r.plans {
		if filter(p) {
			out = append(out, *clonePlan(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (r *memPlanRepo) List() ([]models.Plan, error) {
	return r.sorted(func(models.Plan) bool { return true }), nil
}

func (r *memPlanRepo) ListActive(intervals []string) ([]models.Plan, error) {
	return r.sorted(func(p models.Plan) bool {
		if !p.IsActive {
			return false
		}
		if len(intervals) == 0 {
			return true
		}
		for _, i := range intervals {
			if p.Interval == i {
				return true
			}
		}
		return false
	}), nil
}

func (r *memPlanRepo) UpsertEntitlement(e *models.Entitlement) error {
	p, ok := r.plans[e.PlanID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	p = *clonePlan(p)
	for i := range p.Entitlements {
		if p.Entitlements[i].Key == e.Key {
			e.ID = p.Entitlements[i].ID
			p.Entitlements[i] = *e
			r.plans[p.ID] = p
			return nil
		}
	}
	e.ID = r.id()
	p.Entitlements = append(p.Entitlements, *e)
	r.plans[p.ID] = p
	return nil
}

func (r *memPlanRepo) Transaction(fn func(repo repository.PlanRepository) error) error {
	snapshot := make(map[uint]models.Plan, len(r.plans))
	for id, p := range r.plans {
		snapshot[id] = *clonePlan(p)
	}
	next := r.nextID
	if err := fn(r); err != nil {
		r.plans = snapshot
		r.nextID = next
		return err
	}
	return nil
}

func (r *memPlanRepo) LockPrices(planID uint) ([]models.PlanPrice, error) {
	p, ok := r.plans[planID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return append([]models.PlanPrice(nil), p.Prices...), nil
}

func (r *memPlanRepo) CreatePrice(price *models.PlanPrice) error {
	p := *clonePlan(r.plans[price.PlanID])
	price.ID = r.id()
	p.Prices = append(p.Prices, *price)
	r.plans[p.ID] = p
	return nil
}

func (r *memPlanRepo) SavePrice(price *models.PlanPrice) error {
	p := *clonePlan(r.plans[price.PlanID])
	for i := range p.Prices {
		if p.Prices[i].ID == price.ID {
			p.Prices[i] = *price
			r.plans[p.ID] = p
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (r *memPlanRepo) DeletePrice(id uint) error {
	for pid, p := range r.plans {
		p = *clonePlan(p)
		for i := range p.Prices {
			if p.Prices[i].ID == id {
				p.Prices = append(p.Prices[:i], p.Prices[i+1:]...)
				r.plans[pid] = p
				return nil
			}
		}
	}
	return gorm.ErrRecordNotFound
}

// staticPolicy serves a fixed policy.
type staticPolicy struct {
	policy *models.BillingPolicy
}

func (s *staticPolicy) Current(context.Context) (*models.BillingPolicy, error) {
	return s.policy, nil
}

// countingCounter records EventCounter increments.
type countingCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingCounter) Incr(_ context.Context, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[name]++
}

func (c *countingCounter) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

const fakeSignatureHeader = "X-Fake-Signature"

// fakeRemote is the provider-side state shared by every fakeGateway
// resolved from one registry.
type fakeRemote struct {
	mu sync.Mutex

	completeCheckout bool
	checkoutErr      error
	changeErr        error
	cancelErr        error
	syncErr          error
	refundErr        error
	alreadyInactive  bool

	remote      map[string]*gateway.RemoteStatus
	checkouts   int
	upgrades    int
	downgrades  int
	cancels     int
	refunds     []string
	lastChange  gateway.PlanChange
	lastCreds   gateway.Credentials
	enrichCalls int
}

func (f *fakeRemote) setRemote(externalID string, status *gateway.RemoteStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		f.remote = map[string]*gateway.RemoteStatus{}
	}
	f.remote[externalID] = status
}

type fakeGateway struct {
	provider string
	remote   *fakeRemote
	creds    gateway.Credentials
}

func (g *fakeGateway) Provider() string { return g.provider }

func (g *fakeGateway) Configure(creds gateway.Credentials) error {
	g.creds = creds
	g.remote.mu.Lock()
	g.remote.lastCreds = creds
	g.remote.mu.Unlock()
	return nil
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, req gateway.CheckoutRequest) (*gateway.CheckoutHandle, error) {
	g.remote.mu.Lock()
	defer g.remote.mu.Unlock()
	if g.remote.checkoutErr != nil {
		return nil, g.remote.checkoutErr
	}
	g.remote.checkouts++
	if g.provider == models.ProviderStripe && req.Plan.StripeProductID == "" {
		req.Plan.StripeProductID = "prod_" + req.Plan.Slug
	}
	customer := req.ExternalCustomerID
	if customer == "" {
		customer = fmt.Sprintf("cus_%d", req.User.ID)
	}
	handle := &gateway.CheckoutHandle{
		URL:                fmt.Sprintf("https://pay.example.com/%s/session_%d", g.provider, g.remote.checkouts),
		Reference:          fmt.Sprintf("session_%d", g.remote.checkouts),
		ExternalCustomerID: customer,
	}
	if g.remote.completeCheckout {
		handle.Completed = true
		handle.ExternalSubscriptionID = fmt.Sprintf("sub_%d", g.remote.checkouts)
	}
	return handle, nil
}

func (g *fakeGateway) ProcessUpgrade(_ context.Context, _ *models.Subscription, change gateway.PlanChange) (*gateway.ChangeOutcome, error) {
	g.remote.mu.Lock()
	defer g.remote.mu.Unlock()
	if g.remote.changeErr != nil {
		return nil, g.remote.changeErr
	}
	g.remote.upgrades++
	g.remote.lastChange = change
	return &gateway.ChangeOutcome{}, nil
}

func (g *fakeGateway) ProcessDowngrade(_ context.Context, _ *models.Subscription, change gateway.PlanChange) (*gateway.ChangeOutcome, error) {
	g.remote.mu.Lock()
	defer g.remote.mu.Unlock()
	if g.remote.changeErr != nil {
		return nil, g.remote.changeErr
	}
	g.remote.downgrades++
	g.remote.lastChange = change
	return &gateway.ChangeOutcome{}, nil
}

func (g *fakeGateway) ProcessCancellation(context.Context, *models.Subscription, string) (*gateway.CancelOutcome, error) {
	g.remote.mu.Lock()
	defer g.remote.mu.Unlock()
	if g.remote.cancelErr != nil {
		return nil, g.remote.cancelErr
	}
	g.remote.cancels++
	return &gateway.CancelOutcome{AlreadyInactive: g.remote.alreadyInactive}, nil
}

func (g *fakeGateway) SyncStatus(_ context.Context, sub *models.Subscription) (*gateway.RemoteStatus, error) {
	g.remote.mu.Lock()
	defer g.remote.mu.Unlock()
	if g.remote.syncErr != nil {
		return nil, g.remote.syncErr
	}
	status, ok := g.remote.remote[sub.ExternalSubscriptionID]
	if !ok {
		return nil, gateway.ErrRemoteNotFound
	}
	out := *status
	return &out, nil
}

func (g *fakeGateway) IssueRefund(_ context.Context, sub *models.Subscription, _ string, _ time.Time) (*gateway.Refund, error) {
	g.remote.mu.Lock()
	defer g.remote.mu.Unlock()
	if g.remote.refundErr != nil {
		return nil, g.remote.refundErr
	}
	g.remote.refunds = append(g.remote.refunds, sub.ExternalSubscriptionID)
	return &gateway.Refund{Reference: "re_1", Amount: sub.UnitAmount, Currency: sub.Currency}, nil
}

func (g *fakeGateway) SignatureHeader() string { return fakeSignatureHeader }

func (g *fakeGateway) VerifyWebhook(_ []byte, signature string) error {
	if signature != "valid" {
		return gateway.ErrInvalidSignature
	}
	return nil
}

// fakeEvent is the wire format of fakeGateway webhooks.
type fakeEvent struct {
	ID           string `json:"id,omitempty"`
	Type         string `json:"type"`
	Subscription string `json:"subscription,omitempty"`
	Customer     string `json:"customer,omitempty"`
	Email        string `json:"email,omitempty"`
	UserID       uint   `json:"user_id,omitempty"`
	Plan         string `json:"plan,omitempty"`
	Currency     string `json:"currency,omitempty"`
	Amount       string `json:"amount,omitempty"`
	PeriodEnd    int64  `json:"period_end,omitempty"`
}

func (g *fakeGateway) ParseWebhook(payload []byte) (*gateway.WebhookEvent, error) {
	var raw fakeEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, errors.Wrap(err, "decode event")
	}
	ev := &gateway.WebhookEvent{
		ID:                     raw.ID,
		Type:                   raw.Type,
		ExternalSubscriptionID: raw.Subscription,
		ExternalCustomerID:     raw.Customer,
		CustomerEmail:          raw.Email,
		UserID:                 raw.UserID,
		PlanSlug:               raw.Plan,
		Currency:               raw.Currency,
	}
	if raw.Amount != "" {
		amount, err := decimal.NewFromString(raw.Amount)
		if err != nil {
			return nil, errors.Wrap(err, "decode amount")
		}
		ev.UnitAmount = &amount
	}
	if raw.PeriodEnd > 0 {
		ev.PeriodEnd = time.Unix(raw.PeriodEnd, 0).UTC()
	}
	switch raw.Type {
	case "checkout.completed":
		ev.Kind = gateway.EventCheckoutCompleted
	case "invoice.paid":
		ev.Kind = gateway.EventPaymentSucceeded
	case "subscription.deleted":
		ev.Kind = gateway.EventSubscriptionDeleted
	default:
		ev.Kind = gateway.EventIgnored
	}
	return ev, nil
}

func (g *fakeGateway) HandleWebhook(context.Context, *gateway.WebhookEvent) error {
	g.remote.mu.Lock()
	defer g.remote.mu.Unlock()
	g.remote.enrichCalls++
	return nil
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func limit(n int64) *int64 { return &n }

func usd(amount string) decimal.Decimal { return decimal.RequireFromString(amount) }

// fixture wires a Service to in-memory state.
type fixture struct {
	repo    *memRepo
	remote  *fakeRemote
	policy  *models.BillingPolicy
	counter *countingCounter
	now     time.Time
	svc     *Service

	alice *models.User
	bob   *models.User

	free   *models.Plan
	basic  *models.Plan
	pro    *models.Plan
	yearly *models.Plan
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		repo:    newMemRepo(),
		remote:  &fakeRemote{},
		counter: &countingCounter{},
		now:     time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC),
	}

	f.policy = models.DefaultBillingPolicy()
	f.policy.ID = 1
	f.policy.SuccessURL = "https://app.example.com/billing/success"
	f.policy.CancelURL = "https://app.example.com/billing/cancel"
	f.policy.ProviderConfigs = []models.ProviderConfig{
		{Provider: models.ProviderStripe, IsActive: true, Priority: 1},
		{Provider: models.ProviderPaystack, IsActive: true, Priority: 2},
		{Provider: models.ProviderManual, IsActive: true, Priority: 4},
	}

	registry := gateway.NewRegistry()
	registry.Register(models.ProviderStripe, func() gateway.Gateway {
		return &fakeGateway{provider: models.ProviderStripe, remote: f.remote}
	})
	registry.Register(models.ProviderPaystack, func() gateway.Gateway {
		return &fakeGateway{provider: models.ProviderPaystack, remote: f.remote}
	})
	registry.Register(models.ProviderManual, func() gateway.Gateway { return gateway.NewManualGateway() })

	creds := &Credentials{Lookup: func(key, def string) string { return "secret-" + strings.ToLower(key) }}
	f.svc = NewService(f.repo, &staticPolicy{policy: f.policy}, registry, creds,
		WithClock(func() time.Time { return f.now }),
		WithGatewayTimeout(time.Second),
		WithCounter(f.counter),
	)

	f.alice = f.repo.addUser("alice@example.com")
	f.bob = f.repo.addUser("bob@example.com")

	f.free = f.repo.addPlan(models.Plan{
		Slug: "free", Name: "Free", Interval: "monthly", IsActive: true, SortOrder: 1,
		Prices:       []models.PlanPrice{{Currency: "USD", Amount: usd("0"), IsDefault: true}},
		Entitlements: []models.Entitlement{{Key: "jobs_per_day", Enabled: true, LimitInt: limit(3)}},
	})
	f.basic = f.repo.addPlan(models.Plan{
		Slug: "basic", Name: "Basic", Interval: "monthly", IsActive: true, SortOrder: 2,
		Metadata: models.JSONMap{"paystack_plan_code": "PLN_basic"},
		Prices: []models.PlanPrice{
			{Currency: "USD", Amount: usd("10"), IsDefault: true},
			{Currency: "NGN", Amount: usd("15000")},
		},
		Entitlements: []models.Entitlement{
			{Key: "jobs_per_day", Enabled: true, LimitInt: limit(10)},
			{Key: "webhooks", Enabled: true},
		},
	})
	f.pro = f.repo.addPlan(models.Plan{
		Slug: "pro", Name: "Pro", Interval: "monthly", IsActive: true, SortOrder: 3,
		Prices:       []models.PlanPrice{{Currency: "USD", Amount: usd("25"), IsDefault: true}},
		Entitlements: []models.Entitlement{{Key: "jobs_per_day", Enabled: true}},
	})
	f.yearly = f.repo.addPlan(models.Plan{
		Slug: "pro-yearly", Name: "Pro Yearly", Interval: "yearly", IsActive: true, SortOrder: 4,
		Prices: []models.PlanPrice{{Currency: "USD", Amount: usd("250"), IsDefault: true}},
	})
	f.repo.addPlan(models.Plan{
		Slug: "legacy", Name: "Legacy", Interval: "monthly", IsActive: false,
		Prices: []models.PlanPrice{{Currency: "USD", Amount: usd("5"), IsDefault: true}},
	})
	return f
}

// subscribe stores a live subscription for user on plan, paid through provider.
func (f *fixture) subscribe(t *testing.T, user *models.User, plan *models.Plan, provider string) *models.Subscription {
	t.Helper()
	price, err := GetPrice(plan, "")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	sub := &models.Subscription{
		UserID:                 user.ID,
		PlanID:                 plan.ID,
		Status:                 models.SubscriptionStatusActive,
		CurrentPeriodStart:     f.now,
		CurrentPeriodEnd:       PeriodEnd(plan.Interval, f.now),
		Currency:               price.Currency,
		UnitAmount:             price.Amount,
		Provider:               provider,
		ExternalCustomerID:     fmt.Sprintf("cus_%d", user.ID),
		ExternalSubscriptionID: fmt.Sprintf("sub_%s_%d", plan.Slug, user.ID),
	}
	if err := f.repo.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return sub
}

func (f *fixture) live(t *testing.T, user *models.User) *models.Subscription {
	t.Helper()
	sub, err := f.repo.LockLiveSubscription(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("live subscription of user %d: %v", user.ID, err)
	}
	return sub
}
