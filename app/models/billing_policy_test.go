package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBillingPolicyIsValid(t *testing.T) {
	p := DefaultBillingPolicy()
	require.NoError(t, p.Validate())

	assert.True(t, p.AllowUpgrade)
	assert.True(t, p.AllowDowngrade)
	assert.False(t, p.AllowFreePlanReuse)
	assert.Equal(t, EffectImmediate, p.UpgradeEffect)
	assert.Equal(t, EffectEndOfPeriod, p.DowngradeEffect)
	assert.Equal(t, EffectEndOfPeriod, p.CancelEffect)
	assert.Equal(t, RefundPolicyPartial, p.RefundPolicy)
	assert.Equal(t, ProviderStripe, p.DefaultProvider)
}

func TestBillingPolicyValidateRejectsUnknownEnums(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *BillingPolicy)
	}{
		{"upgrade effect", func(p *BillingPolicy) { p.UpgradeEffect = EffectEndOfPeriod }},
		{"downgrade effect", func(p *BillingPolicy) { p.DowngradeEffect = EffectNextCycle }},
		{"cancel effect", func(p *BillingPolicy) { p.CancelEffect = "later" }},
		{"refund policy", func(p *BillingPolicy) { p.RefundPolicy = "some" }},
		{"default provider", func(p *BillingPolicy) { p.DefaultProvider = "paypal" }},
		{"success url", func(p *BillingPolicy) { p.SuccessURL = "not a url" }},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := DefaultBillingPolicy()
			tc.mutate(p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestBillingPolicyActiveProvidersOrderedByPriority(t *testing.T) {
	p := DefaultBillingPolicy()
	p.ProviderConfigs = []ProviderConfig{
		{Provider: ProviderPaystack, IsActive: true, Priority: 5},
		{Provider: ProviderStripe, IsActive: true, Priority: 1},
		{Provider: ProviderManual, IsActive: false, Priority: 0},
		{Provider: ProviderFlutterwave, IsActive: true, Priority: 5},
	}

	active := p.ActiveProviders()
	require.Len(t, active, 3)
	assert.Equal(t, ProviderStripe, active[0].Provider)
	assert.Equal(t, ProviderFlutterwave, active[1].Provider)
	assert.Equal(t, ProviderPaystack, active[2].Provider)

	assert.NotNil(t, p.ProviderConfig(" Stripe "))
	assert.Nil(t, p.ProviderConfig("paypal"))
}
