package gateway

import (
	"strings"

	"github.com/ManuelReschke/PlanFox/app/models"
)

var stripeStatuses = map[string]string{
	"active":             models.SubscriptionStatusActive,
	"trialing":           models.SubscriptionStatusTrialing,
	"canceled":           models.SubscriptionStatusCanceled,
	"incomplete":         models.SubscriptionStatusIncomplete,
	"incomplete_expired": models.SubscriptionStatusExpired,
	"past_due":           models.SubscriptionStatusPastDue,
	"unpaid":             models.SubscriptionStatusUnpaid,
}

var paystackStatuses = map[string]string{
	"active":       models.SubscriptionStatusActive,
	"non-renewing": models.SubscriptionStatusActive,
	"attention":    models.SubscriptionStatusPastDue,
	"completed":    models.SubscriptionStatusExpired,
	"cancelled":    models.SubscriptionStatusCanceled,
}

var flutterwaveStatuses = map[string]string{
	"active":    models.SubscriptionStatusActive,
	"cancelled": models.SubscriptionStatusCanceled,
	"canceled":  models.SubscriptionStatusCanceled,
}

// MapStripeStatus maps a Stripe subscription status onto the local set.
func MapStripeStatus(status string) string {
	return mapStatus(stripeStatuses, status)
}

// MapPaystackStatus maps a Paystack subscription status onto the local set.
// "non-renewing" stays active; callers set CancelAtPeriodEnd separately.
func MapPaystackStatus(status string) string {
	return mapStatus(paystackStatuses, status)
}

// MapFlutterwaveStatus maps a Flutterwave subscription status onto the local set.
func MapFlutterwaveStatus(status string) string {
	return mapStatus(flutterwaveStatuses, status)
}

func mapStatus(table map[string]string, status string) string {
	if mapped, ok := table[strings.ToLower(strings.TrimSpace(status))]; ok {
		return mapped
	}
	return models.SubscriptionStatusUnknown
}

// StripeInterval maps a plan interval onto a Stripe recurring interval.
func StripeInterval(interval string) string {
	switch strings.ToLower(strings.TrimSpace(interval)) {
	case "day", "daily":
		return "day"
	case "week", "weekly":
		return "week"
	case "year", "yearly", "annual", "annually":
		return "year"
	default:
		return "month"
	}
}
