package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PlanFox/app/models"
)

const (
	DefaultPageSize = 5
	MaxPageSize     = 50
)

const periodLayout = "Jan 02, 2006, 03:04 PM"

// Page is one page of a listing.
type Page[T any] struct {
	Count    int64 `json:"count"`
	Page     int   `json:"page"`
	Pages    int   `json:"pages"`
	Next     *int  `json:"next"`
	Previous *int  `json:"previous"`
	Results  []T   `json:"results"`
}

// NormalizePage clamps page and size to their allowed ranges.
func NormalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

func newPage[T any](results []T, count int64, page, size int) Page[T] {
	pages := int((count + int64(size) - 1) / int64(size))
	p := Page[T]{Count: count, Page: page, Pages: pages, Results: results}
	if page < pages {
		next := page + 1
		p.Next = &next
	}
	if page > 1 {
		prev := page - 1
		p.Previous = &prev
	}
	if p.Results == nil {
		p.Results = []T{}
	}
	return p
}

// CompactPlan identifies the plan of a listed subscription.
type CompactPlan struct {
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	Interval string `json:"interval"`
}

// SubscriptionView is the public representation of a subscription.
type SubscriptionView struct {
	Plan               *CompactPlan    `json:"plan"`
	Status             string          `json:"status"`
	Currency           string          `json:"currency"`
	UnitAmount         decimal.Decimal `json:"unit_amount"`
	Provider           string          `json:"provider"`
	CurrentPeriodStart *string         `json:"current_period_start"`
	CurrentPeriodEnd   *string         `json:"current_period_end"`
	CancelAtPeriodEnd  bool            `json:"cancel_at_period_end"`
}

func formatPeriod(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.Format(periodLayout)
	return &s
}

func NewSubscriptionView(sub models.Subscription) SubscriptionView {
	view := SubscriptionView{
		Status:             sub.Status,
		Currency:           sub.Currency,
		UnitAmount:         sub.UnitAmount,
		Provider:           sub.Provider,
		CurrentPeriodStart: formatPeriod(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   formatPeriod(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	}
	if sub.Plan != nil {
		view.Plan = &CompactPlan{Name: sub.Plan.Name, Slug: sub.Plan.Slug, Interval: sub.Plan.Interval}
	}
	return view
}
