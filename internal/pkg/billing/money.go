package billing

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var currencySymbols = map[string]string{
	"USD": "$",
	"NGN": "₦",
	"EUR": "€",
	"GBP": "£",
	"GHS": "₵",
	"KES": "KSh",
	"ZAR": "R",
}

// CurrencySymbol returns the display symbol of a currency, or the upper-cased
// code when unknown.
func CurrencySymbol(currency string) string {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if sym, ok := currencySymbols[code]; ok {
		return sym
	}
	return code
}

// FormatMoney renders an amount with thousands separators and two decimals;
// a trailing ".00" is dropped (15000 NGN -> "₦15,000", 9.5 USD -> "$9.50").
func FormatMoney(amount decimal.Decimal, currency string) string {
	fixed := amount.Abs().StringFixed(2)
	whole, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := b.String()
	if frac != "00" {
		out += "." + frac
	}

	sign := ""
	if amount.IsNegative() {
		sign = "-"
	}
	return sign + CurrencySymbol(currency) + out
}

// PeriodEnd returns the end of a billing period starting at start.
func PeriodEnd(interval string, start time.Time) time.Time {
	switch strings.ToLower(strings.TrimSpace(interval)) {
	case "year", "yearly", "annual", "annually":
		return start.AddDate(1, 0, 0)
	case "month", "monthly":
		return start.AddDate(0, 1, 0)
	case "week", "weekly":
		return start.AddDate(0, 0, 7)
	case "day", "daily":
		return start.AddDate(0, 0, 1)
	default:
		return start.AddDate(0, 0, 30)
	}
}
