package billing

import (
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/ManuelReschke/PlanFox/app/models"
)

const unknownFeatureOrder = 9999

type featureInfo struct {
	Label  string
	Order  int
	Values map[string]string
}

var features = map[string]featureInfo{
	"jobs_per_day":   {Label: "Daily job applications quota", Order: 1},
	"jobs_per_month": {Label: "Monthly job applications quota", Order: 2},
	"cover_letter_tier": {
		Label: "Cover letters",
		Order: 3,
		Values: map[string]string{
			"template": "Template",
			"ai":       "AI",
			"advanced": "Advanced AI + Custom",
		},
	},
	"api_calls_per_day":   {Label: "API calls per day", Order: 4},
	"api_calls_per_month": {Label: "API calls per month", Order: 5},
	"workflows":           {Label: "Automations (Make/Zapier/n8n)", Order: 6},
	"webhooks":            {Label: "Webhooks", Order: 7},
	"support_level":       {Label: "Support", Order: 8},
}

var titleCaser = cases.Title(language.English)

func titleCase(s string) string {
	return titleCaser.String(strings.ReplaceAll(s, "_", " "))
}

// FeatureLabel returns the display label of an entitlement key.
func FeatureLabel(key string) string {
	if f, ok := features[key]; ok && f.Label != "" {
		return f.Label
	}
	return titleCase(key)
}

// FeatureOrder returns the display position of an entitlement key; unknown
// keys sort last.
func FeatureOrder(key string) int {
	if f, ok := features[key]; ok {
		return f.Order
	}
	return unknownFeatureOrder
}

// FeatureValueLabel returns the display label of a tier value.
func FeatureValueLabel(key, value string) string {
	if value == "" {
		return ""
	}
	if label, ok := features[key].Values[strings.ToLower(value)]; ok {
		return label
	}
	return titleCase(value)
}

// FeatureValue renders an entitlement cell: "No" when disabled, else the
// integer limit, the tier label or "Yes".
func FeatureValue(e *models.Entitlement) string {
	switch {
	case e == nil || !e.Enabled:
		return "No"
	case e.LimitInt != nil:
		return strconv.FormatInt(*e.LimitInt, 10)
	case e.LimitStr != "":
		return FeatureValueLabel(e.Key, e.LimitStr)
	default:
		return "Yes"
	}
}

// ComparisonColumn identifies one plan in a comparison table.
type ComparisonColumn struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// ComparisonRow holds one feature across all columns.
type ComparisonRow struct {
	Key    string   `json:"key"`
	Label  string   `json:"label"`
	Values []string `json:"values"`
}

// ComparisonTable compares the plans of one billing interval.
type ComparisonTable struct {
	Columns []ComparisonColumn `json:"columns"`
	Rows    []ComparisonRow    `json:"rows"`
}

// BuildComparison groups plans by interval and lays out the union of their
// entitlement keys as rows. A plan without a key renders "—".
func BuildComparison(plans []models.Plan) map[string]ComparisonTable {
	byInterval := lo.GroupBy(plans, func(p models.Plan) string {
		return strings.ToLower(p.Interval)
	})

	out := make(map[string]ComparisonTable, len(byInterval))
	for interval, group := range byInterval {
		table := ComparisonTable{
			Columns: lo.Map(group, func(p models.Plan, _ int) ComparisonColumn {
				return ComparisonColumn{Slug: p.Slug, Name: p.Name}
			}),
		}

		lookup := make([]map[string]*models.Entitlement, len(group))
		keys := map[string]struct{}{}
		for i := range group {
			lookup[i] = make(map[string]*models.Entitlement, len(group[i].Entitlements))
			for j := range group[i].Entitlements {
				e := &group[i].Entitlements[j]
				lookup[i][e.Key] = e
				keys[e.Key] = struct{}{}
			}
		}

		sorted := lo.Keys(keys)
		sort.Slice(sorted, func(i, j int) bool {
			oi, oj := FeatureOrder(sorted[i]), FeatureOrder(sorted[j])
			if oi != oj {
				return oi < oj
			}
			return sorted[i] < sorted[j]
		})

		for _, key := range sorted {
			row := ComparisonRow{Key: key, Label: FeatureLabel(key), Values: make([]string, len(group))}
			for i := range group {
				e, ok := lookup[i][key]
				if !ok {
					row.Values[i] = "—"
					continue
				}
				row.Values[i] = FeatureValue(e)
			}
			table.Rows = append(table.Rows, row)
		}
		out[interval] = table
	}
	return out
}
