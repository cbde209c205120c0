package gateway

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PlanFox/app/models"
)

var hundred = decimal.NewFromInt(100)

// ToMinorUnits converts a major-unit amount (12.34) to minor units (1234).
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromMinorUnits converts minor units back to a major-unit amount.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.NewFromInt(minor).Div(hundred)
}

// RefundAmount computes the refund in minor units for a charge under policy.
// Partial refunds are proportional to the unused part of [start, end) at now
// and always round down. A result of zero means no refund is issued.
func RefundAmount(policy string, charge int64, start, end, now time.Time) int64 {
	if charge <= 0 {
		return 0
	}
	switch policy {
	case models.RefundPolicyFull:
		return charge
	case models.RefundPolicyPartial:
		total := end.Sub(start)
		if total <= 0 {
			return 0
		}
		remaining := end.Sub(now)
		if remaining <= 0 {
			return 0
		}
		if remaining > total {
			remaining = total
		}
		return decimal.NewFromInt(charge).
			Mul(decimal.NewFromInt(int64(remaining / time.Second))).
			Div(decimal.NewFromInt(int64(total / time.Second))).
			Floor().
			IntPart()
	default:
		return 0
	}
}
