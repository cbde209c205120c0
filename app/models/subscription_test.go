package models

import (
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/schema"
)

func TestSubscriptionIsActive(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	future := now.Add(24 * time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name   string
		sub    Subscription
		active bool
	}{
		{"active in period", Subscription{Status: SubscriptionStatusActive, CurrentPeriodEnd: future}, true},
		{"trialing in period", Subscription{Status: SubscriptionStatusTrialing, CurrentPeriodEnd: future}, true},
		{"active but expired period", Subscription{Status: SubscriptionStatusActive, CurrentPeriodEnd: past}, false},
		{"canceled at period end", Subscription{Status: SubscriptionStatusCanceled, CancelAtPeriodEnd: true, CurrentPeriodEnd: future}, true},
		{"canceled at period end after end", Subscription{Status: SubscriptionStatusCanceled, CancelAtPeriodEnd: true, CurrentPeriodEnd: past}, false},
		{"canceled immediately", Subscription{Status: SubscriptionStatusCanceled, CurrentPeriodEnd: future}, false},
		{"past due", Subscription{Status: SubscriptionStatusPastDue, CurrentPeriodEnd: future}, false},
		{"expired", Subscription{Status: SubscriptionStatusExpired, CurrentPeriodEnd: future}, false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.active, tc.sub.IsActive(now))
		})
	}
}

func TestSubscriptionLiveMarker(t *testing.T) {
	sub := &Subscription{UserID: 42, Status: SubscriptionStatusActive, Currency: " usd "}
	require.NoError(t, sub.BeforeSave(nil))
	require.NotNil(t, sub.LiveUserID)
	assert.Equal(t, uint(42), *sub.LiveUserID)
	assert.Equal(t, "USD", sub.Currency)

	sub.Status = SubscriptionStatusPastDue
	require.NoError(t, sub.BeforeSave(nil))
	assert.Nil(t, sub.LiveUserID)

	sub.Status = SubscriptionStatusTrialing
	sub.SyncLiveMarker()
	require.NotNil(t, sub.LiveUserID)

	sub.CancelForReplacement()
	assert.Equal(t, SubscriptionStatusCanceled, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Nil(t, sub.LiveUserID)
	assert.True(t, sub.IsTerminal())
}

func TestSubscriptionIsFree(t *testing.T) {
	assert.True(t, (&Subscription{UnitAmount: decimal.Zero}).IsFree())
	assert.False(t, (&Subscription{UnitAmount: decimal.RequireFromString("9.99")}).IsFree())
}

func TestSubscriptionPendingPlanChange(t *testing.T) {
	sub := &Subscription{
		PlanID:     7,
		Plan:       &Plan{ID: 7, Slug: "pro"},
		Status:     SubscriptionStatusActive,
		Currency:   "USD",
		UnitAmount: decimal.RequireFromString("25"),
	}
	assert.False(t, sub.HasPendingChange())
	assert.False(t, sub.ApplyPendingChange())

	sub.SchedulePlanChange(3, "usd", decimal.RequireFromString("10"))
	require.True(t, sub.HasPendingChange())
	assert.Equal(t, uint(7), sub.PlanID)
	assert.Equal(t, "USD", sub.PendingCurrency)

	assert.True(t, sub.ApplyPendingChange())
	assert.Equal(t, uint(3), sub.PlanID)
	assert.Nil(t, sub.Plan)
	assert.True(t, sub.UnitAmount.Equal(decimal.RequireFromString("10")))
	assert.False(t, sub.HasPendingChange())
	assert.False(t, sub.PendingUnitAmount.Valid)

	sub.SchedulePlanChange(9, "EUR", decimal.Zero)
	sub.ClearPendingChange()
	assert.False(t, sub.ApplyPendingChange())
	assert.Equal(t, uint(3), sub.PlanID)
}

func TestPeriodColumnsAreDatetime(t *testing.T) {
	tests := []struct {
		model   interface{}
		columns []string
	}{
		{&Subscription{}, []string{"current_period_start", "current_period_end"}},
		{&Usage{}, []string{"period_start", "period_end"}},
	}
	for _, tc := range tests {
		s, err := schema.Parse(tc.model, &sync.Map{}, schema.NamingStrategy{})
		require.NoError(t, err)
		for _, column := range tc.columns {
			field := s.LookUpField(column)
			require.NotNil(t, field, column)
			assert.Equal(t, schema.DataType("datetime"), field.DataType, column)
		}
	}

	migration, err := os.ReadFile("../../migrations/000003_create_subscriptions.up.sql")
	require.NoError(t, err)
	assert.NotContains(t, strings.ToUpper(string(migration)), "TIMESTAMP")
	assert.Contains(t, string(migration), "current_period_end DATETIME NOT NULL")
	assert.Contains(t, string(migration), "period_end DATETIME NOT NULL")
}
