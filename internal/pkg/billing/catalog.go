package billing

import (
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PlanFox/app/models"
	"github.com/ManuelReschke/PlanFox/app/repository"
)

const (
	PricesAll      = "all"
	PricesSelected = "selected"
	PricesNone     = "none"
)

const (
	msgPlanNotFound      = "Plan not found."
	msgPriceNotFound     = "Price not found."
	msgSecondDefault     = "Another default price already exists for this plan."
	msgUndefaultOnly     = "This is the only default price for this plan. Set another price as default first."
	msgDeleteOnlyDefault = "Cannot delete the only default price for this plan. Set another default first."
	msgFirstPriceDefault = "The first price of a plan must be its default price."
	msgDuplicateCurrency = "A price in this currency already exists for this plan."
	msgInvalidCurrency   = "Currency must be a three-letter ISO code."
	msgNegativeAmount    = "Amount must not be negative."
	msgPlanHasNoPrice    = "This plan has no price configured."
)

var currencyCodePattern = regexp.MustCompile(`^[A-Z]{3}$`)

// GetPrice picks the price of plan in currency. Without a match it falls
// back to the default price and then to the oldest price. It only fails
// when the plan has no prices at all.
func GetPrice(plan *models.Plan, currency string) (*models.PlanPrice, error) {
	if plan == nil || len(plan.Prices) == 0 {
		return nil, notFoundError(msgPlanHasNoPrice)
	}
	if currency = strings.TrimSpace(currency); currency != "" {
		for i := range plan.Prices {
			if strings.EqualFold(plan.Prices[i].Currency, currency) {
				return &plan.Prices[i], nil
			}
		}
	}
	if def := plan.DefaultPrice(); def != nil {
		return def, nil
	}
	oldest := lo.MinBy(plan.Prices, func(a, b models.PlanPrice) bool { return a.ID < b.ID })
	for i := range plan.Prices {
		if plan.Prices[i].ID == oldest.ID {
			return &plan.Prices[i], nil
		}
	}
	return &plan.Prices[0], nil
}

// EntitlementFor returns the entitlement of plan for key, or nil. Callers
// treat nil as a disabled feature.
func EntitlementFor(plan *models.Plan, key string) *models.Entitlement {
	if plan == nil {
		return nil
	}
	for i := range plan.Entitlements {
		if plan.Entitlements[i].Key == key {
			return &plan.Entitlements[i]
		}
	}
	return nil
}

// ParseIntervals flattens repeated and comma separated interval filters.
// "all" means no filter.
func ParseIntervals(raw ...string) []string {
	var out []string
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part != "" && part != "all" {
				out = append(out, part)
			}
		}
	}
	return lo.Uniq(out)
}

// PlanFilter narrows the public plan listing.
type PlanFilter struct {
	Intervals []string
	Currency  string
	Prices    string
}

// PriceView is the public representation of a price.
type PriceView struct {
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
	IsDefault bool            `json:"is_default"`
	Symbol    string          `json:"symbol"`
	Display   string          `json:"display"`
}

// EntitlementView is the public representation of an entitlement.
type EntitlementView struct {
	Key          string `json:"key"`
	Enabled      bool   `json:"enabled"`
	LimitInt     *int64 `json:"limit_int"`
	LimitStr     string `json:"limit_str"`
	Note         string `json:"note"`
	Label        string `json:"label"`
	ValueDisplay string `json:"value_display"`
	Order        int    `json:"order"`
}

// PlanView is the public representation of a plan.
type PlanView struct {
	Slug          string            `json:"slug"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Interval      string            `json:"interval"`
	IsActive      bool              `json:"is_active"`
	Metadata      models.JSONMap    `json:"metadata"`
	Prices        []PriceView       `json:"prices"`
	Entitlements  []EntitlementView `json:"entitlements"`
	SelectedPrice *PriceView        `json:"selected_price"`
}

// PlanListing is the response of the public plan listing.
type PlanListing struct {
	Plans      []PlanView                 `json:"plans"`
	Comparison map[string]ComparisonTable `json:"comparison"`
}

func newPriceView(p models.PlanPrice) PriceView {
	return PriceView{
		Currency:  p.Currency,
		Amount:    p.Amount,
		IsDefault: p.IsDefault,
		Symbol:    CurrencySymbol(p.Currency),
		Display:   FormatMoney(p.Amount, p.Currency),
	}
}

func newPlanView(plan models.Plan, currency, mode string) PlanView {
	view := PlanView{
		Slug:        plan.Slug,
		Name:        plan.Name,
		Description: plan.Description,
		Interval:    plan.Interval,
		IsActive:    plan.IsActive,
		Metadata:    plan.Metadata,
		Prices:      []PriceView{},
		Entitlements: lo.Map(plan.Entitlements, func(e models.Entitlement, _ int) EntitlementView {
			return EntitlementView{
				Key:          e.Key,
				Enabled:      e.Enabled,
				LimitInt:     e.LimitInt,
				LimitStr:     e.LimitStr,
				Note:         e.Note,
				Label:        FeatureLabel(e.Key),
				ValueDisplay: FeatureValue(&e),
				Order:        FeatureOrder(e.Key),
			}
		}),
	}

	selected, err := GetPrice(&plan, currency)
	if err == nil {
		pv := newPriceView(*selected)
		view.SelectedPrice = &pv
	}

	switch mode {
	case PricesNone:
	case PricesSelected:
		if view.SelectedPrice != nil {
			view.Prices = append(view.Prices, *view.SelectedPrice)
		}
	default:
		view.Prices = lo.Map(plan.Prices, func(p models.PlanPrice, _ int) PriceView { return newPriceView(p) })
	}
	return view
}

// Catalog serves plans and administers their prices.
type Catalog struct {
	plans repository.PlanRepository
}

// NewCatalog creates a catalog on top of the plan repository.
func NewCatalog(plans repository.PlanRepository) *Catalog {
	return &Catalog{plans: plans}
}

// ActivePlan returns the active plan with slug.
func (c *Catalog) ActivePlan(slug string) (*models.Plan, error) {
	plan, err := c.plans.GetBySlug(slug)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundError(msgPlanNotFound)
		}
		return nil, errors.Wrap(err, "load plan")
	}
	if !plan.IsActive {
		return nil, notFoundError(msgPlanNotFound)
	}
	return plan, nil
}

// Plan returns a plan by id regardless of its state.
func (c *Catalog) Plan(id uint) (*models.Plan, error) {
	plan, err := c.plans.GetByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundError(msgPlanNotFound)
		}
		return nil, errors.Wrap(err, "load plan")
	}
	return plan, nil
}

// ListPlans returns the active plans ordered by sort order and name,
// together with a per-interval comparison table.
func (c *Catalog) ListPlans(filter PlanFilter) (*PlanListing, error) {
	plans, err := c.plans.ListActive(filter.Intervals)
	if err != nil {
		return nil, errors.Wrap(err, "list plans")
	}
	mode := strings.ToLower(strings.TrimSpace(filter.Prices))
	currency := strings.ToUpper(strings.TrimSpace(filter.Currency))

	return &PlanListing{
		Plans: lo.Map(plans, func(p models.Plan, _ int) PlanView {
			return newPlanView(p, currency, mode)
		}),
		Comparison: BuildComparison(plans),
	}, nil
}

func normalizeCurrency(currency string) (string, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if !currencyCodePattern.MatchString(currency) {
		return "", validationError(msgInvalidCurrency)
	}
	return currency, nil
}

// withLockedPrices runs fn inside a transaction holding FOR UPDATE locks on
// the prices of the plan with slug.
func (c *Catalog) withLockedPrices(slug string, fn func(repo repository.PlanRepository, plan *models.Plan, prices []models.PlanPrice) error) error {
	return c.plans.Transaction(func(repo repository.PlanRepository) error {
		plan, err := repo.GetBySlug(slug)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFoundError(msgPlanNotFound)
			}
			return errors.Wrap(err, "load plan")
		}
		prices, err := repo.LockPrices(plan.ID)
		if err != nil {
			return errors.Wrap(err, "lock prices")
		}
		return fn(repo, plan, prices)
	})
}

func findPrice(prices []models.PlanPrice, currency string) (*models.PlanPrice, bool) {
	for i := range prices {
		if prices[i].Currency == currency {
			return &prices[i], true
		}
	}
	return nil, false
}

func defaultPrice(prices []models.PlanPrice) (*models.PlanPrice, bool) {
	for i := range prices {
		if prices[i].IsDefault {
			return &prices[i], true
		}
	}
	return nil, false
}

// AddPrice adds a price to a plan. The first price of a plan becomes its
// default; a nil isDefault means "not default" for every later price.
func (c *Catalog) AddPrice(slug, currency string, amount decimal.Decimal, isDefault *bool) (*models.PlanPrice, error) {
	currency, err := normalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	if amount.IsNegative() {
		return nil, validationError(msgNegativeAmount)
	}

	var created *models.PlanPrice
	err = c.withLockedPrices(slug, func(repo repository.PlanRepository, plan *models.Plan, prices []models.PlanPrice) error {
		if _, ok := findPrice(prices, currency); ok {
			return conflictError(msgDuplicateCurrency)
		}

		wantDefault := isDefault != nil && *isDefault
		if len(prices) == 0 {
			if isDefault != nil && !*isDefault {
				return validationError(msgFirstPriceDefault)
			}
			wantDefault = true
		} else if _, ok := defaultPrice(prices); ok && wantDefault {
			return validationError(msgSecondDefault)
		}

		price := &models.PlanPrice{
			PlanID:    plan.ID,
			Currency:  currency,
			Amount:    amount.Round(2),
			IsDefault: wantDefault,
		}
		if err := repo.CreatePrice(price); err != nil {
			return errors.Wrap(err, "create price")
		}
		created = price
		return nil
	})
	return created, err
}

// UpdatePrice changes the amount or the default flag of a price. Nil
// arguments are left untouched.
func (c *Catalog) UpdatePrice(slug, currency string, amount *decimal.Decimal, isDefault *bool) (*models.PlanPrice, error) {
	currency, err := normalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	if amount != nil && amount.IsNegative() {
		return nil, validationError(msgNegativeAmount)
	}

	var updated *models.PlanPrice
	err = c.withLockedPrices(slug, func(repo repository.PlanRepository, _ *models.Plan, prices []models.PlanPrice) error {
		price, ok := findPrice(prices, currency)
		if !ok {
			return notFoundError(msgPriceNotFound)
		}

		if isDefault != nil && *isDefault != price.IsDefault {
			if *isDefault {
				return validationError(msgSecondDefault)
			}
			return validationError(msgUndefaultOnly)
		}
		if amount != nil {
			price.Amount = amount.Round(2)
		}
		if err := repo.SavePrice(price); err != nil {
			return errors.Wrap(err, "save price")
		}
		updated = price
		return nil
	})
	return updated, err
}

// SetDefaultPrice moves the default flag to the price in currency.
func (c *Catalog) SetDefaultPrice(slug, currency string) (*models.PlanPrice, error) {
	currency, err := normalizeCurrency(currency)
	if err != nil {
		return nil, err
	}

	var target *models.PlanPrice
	err = c.withLockedPrices(slug, func(repo repository.PlanRepository, _ *models.Plan, prices []models.PlanPrice) error {
		price, ok := findPrice(prices, currency)
		if !ok {
			return notFoundError(msgPriceNotFound)
		}
		target = price
		if price.IsDefault {
			return nil
		}
		for i := range prices {
			if prices[i].IsDefault {
				prices[i].IsDefault = false
				if err := repo.SavePrice(&prices[i]); err != nil {
					return errors.Wrap(err, "clear default price")
				}
			}
		}
		price.IsDefault = true
		if err := repo.SavePrice(price); err != nil {
			return errors.Wrap(err, "set default price")
		}
		return nil
	})
	return target, err
}

// DeletePrice removes a non-default price.
func (c *Catalog) DeletePrice(slug, currency string) error {
	currency, err := normalizeCurrency(currency)
	if err != nil {
		return err
	}
	return c.withLockedPrices(slug, func(repo repository.PlanRepository, _ *models.Plan, prices []models.PlanPrice) error {
		price, ok := findPrice(prices, currency)
		if !ok {
			return notFoundError(msgPriceNotFound)
		}
		if price.IsDefault {
			return validationError(msgDeleteOnlyDefault)
		}
		if err := repo.DeletePrice(price.ID); err != nil {
			return errors.Wrap(err, "delete price")
		}
		return nil
	})
}
