package billing

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PlanFox/app/models"
	"github.com/ManuelReschke/PlanFox/app/repository"
)

// SeedFile is the plan catalog as written in config/plans.yaml. JSON files
// parse as well.
type SeedFile struct {
	Plans []SeedPlan `yaml:"plans" validate:"required,min=1,dive"`
}

type SeedPlan struct {
	Slug         string                 `yaml:"slug" validate:"required,max=100"`
	Name         string                 `yaml:"name" validate:"required,max=150"`
	Description  string                 `yaml:"description"`
	Interval     string                 `yaml:"interval" validate:"required,max=20"`
	IsActive     *bool                  `yaml:"is_active"`
	SortOrder    int                    `yaml:"sort_order"`
	Metadata     map[string]interface{} `yaml:"metadata"`
	Prices       []SeedPrice            `yaml:"prices" validate:"dive"`
	Entitlements []SeedEntitlement      `yaml:"entitlements" validate:"dive"`
}

type SeedPrice struct {
	Currency string `yaml:"currency" validate:"required,len=3,alpha"`
	Amount   string `yaml:"amount" validate:"required,numeric"`
	Default  bool   `yaml:"default"`
}

type SeedEntitlement struct {
	Key     string `yaml:"key" validate:"required,max=100"`
	Enabled *bool  `yaml:"enabled"`
	Limit   *int64 `yaml:"limit" validate:"omitempty,min=0"`
	Value   string `yaml:"value" validate:"max=100"`
	Note    string `yaml:"note" validate:"max=255"`
}

// SeedReport counts what Seed did.
type SeedReport struct {
	Created int
	Updated int
}

// ParseSeed decodes and validates a seed document.
func ParseSeed(data []byte) (*SeedFile, error) {
	var file SeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Mark(&RuleError{Message: "Invalid seed file.", cause: err}, ErrValidation)
	}
	if err := validate.Struct(&file); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, validationError(fmt.Sprintf("Invalid seed file: %s failed %q.", verrs[0].Namespace(), verrs[0].Tag()))
		}
		return nil, validationError("Invalid seed file.")
	}

	seen := map[string]bool{}
	for _, plan := range file.Plans {
		slug := strings.ToLower(strings.TrimSpace(plan.Slug))
		if seen[slug] {
			return nil, validationError(fmt.Sprintf("Plan %q is listed twice.", slug))
		}
		seen[slug] = true

		defaults := 0
		currencies := map[string]bool{}
		for _, price := range plan.Prices {
			cur := strings.ToUpper(price.Currency)
			if currencies[cur] {
				return nil, validationError(fmt.Sprintf("Plan %q lists %s twice.", slug, cur))
			}
			currencies[cur] = true
			if amount, err := decimal.NewFromString(price.Amount); err != nil || amount.IsNegative() {
				return nil, validationError(fmt.Sprintf("Plan %q has an invalid %s amount.", slug, cur))
			}
			if price.Default {
				defaults++
			}
		}
		if defaults > 1 {
			return nil, validationError(fmt.Sprintf("Plan %q has more than one default price.", slug))
		}
	}
	return &file, nil
}

// Seed creates or updates every plan of file, keyed by slug. Prices are
// matched by currency and entitlements by key; nothing is deleted. When no
// price is flagged default the first one is.
func (c *Catalog) Seed(file *SeedFile) (SeedReport, error) {
	var report SeedReport
	for _, sp := range file.Plans {
		created, err := c.seedPlan(sp)
		if err != nil {
			return report, errors.Wrapf(err, "seed plan %s", sp.Slug)
		}
		if created {
			report.Created++
		} else {
			report.Updated++
		}
	}
	return report, nil
}

func (c *Catalog) seedPlan(sp SeedPlan) (bool, error) {
	created := false
	err := c.plans.Transaction(func(repo repository.PlanRepository) error {
		plan, err := repo.GetBySlug(strings.ToLower(strings.TrimSpace(sp.Slug)))
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			plan = &models.Plan{}
			created = true
		case err != nil:
			return errors.Wrap(err, "load plan")
		}

		plan.Slug = strings.ToLower(strings.TrimSpace(sp.Slug))
		plan.Name = sp.Name
		plan.Description = sp.Description
		plan.Interval = strings.ToLower(strings.TrimSpace(sp.Interval))
		plan.IsActive = sp.IsActive == nil || *sp.IsActive
		plan.SortOrder = sp.SortOrder
		if sp.Metadata != nil {
			plan.Metadata = models.JSONMap(sp.Metadata)
		}

		if created {
			plan.Prices = seedPrices(sp.Prices)
			if err := repo.Create(plan); err != nil {
				return errors.Wrap(err, "create plan")
			}
		} else if err := repo.Update(plan); err != nil {
			return errors.Wrap(err, "update plan")
		}

		for _, se := range sp.Entitlements {
			ent := &models.Entitlement{
				PlanID:   plan.ID,
				Key:      strings.TrimSpace(se.Key),
				Enabled:  se.Enabled == nil || *se.Enabled,
				LimitInt: se.Limit,
				LimitStr: se.Value,
				Note:     se.Note,
			}
			if err := repo.UpsertEntitlement(ent); err != nil {
				return errors.Wrapf(err, "upsert entitlement %s", se.Key)
			}
		}

		if created {
			return nil
		}
		return mergeSeedPrices(repo, plan.ID, seedPrices(sp.Prices))
	})
	return created, err
}

func seedPrices(in []SeedPrice) []models.PlanPrice {
	out := make([]models.PlanPrice, 0, len(in))
	hasDefault := false
	for _, p := range in {
		amount, _ := decimal.NewFromString(p.Amount)
		out = append(out, models.PlanPrice{
			Currency:  strings.ToUpper(p.Currency),
			Amount:    amount.Round(2),
			IsDefault: p.Default,
		})
		hasDefault = hasDefault || p.Default
	}
	if !hasDefault && len(out) > 0 {
		out[0].IsDefault = true
	}
	return out
}

// mergeSeedPrices writes wanted onto the locked prices of planID. The default
// flag moves to the default of wanted; prices absent from wanted are kept.
func mergeSeedPrices(repo repository.PlanRepository, planID uint, wanted []models.PlanPrice) error {
	if len(wanted) == 0 {
		return nil
	}
	existing, err := repo.LockPrices(planID)
	if err != nil {
		return errors.Wrap(err, "lock prices")
	}

	defaultCurrency := ""
	for _, w := range wanted {
		if w.IsDefault {
			defaultCurrency = w.Currency
		}
	}

	for i := range existing {
		price := &existing[i]
		isDefault := price.Currency == defaultCurrency
		amount := price.Amount
		for _, w := range wanted {
			if w.Currency == price.Currency {
				amount = w.Amount
			}
		}
		if price.IsDefault == isDefault && price.Amount.Equal(amount) {
			continue
		}
		price.IsDefault = isDefault
		price.Amount = amount
		if err := repo.SavePrice(price); err != nil {
			return errors.Wrapf(err, "save %s price", price.Currency)
		}
	}

	for _, w := range wanted {
		if _, ok := findPrice(existing, w.Currency); ok {
			continue
		}
		price := w
		price.PlanID = planID
		if err := repo.CreatePrice(&price); err != nil {
			return errors.Wrapf(err, "create %s price", w.Currency)
		}
	}
	return nil
}
