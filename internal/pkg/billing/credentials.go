package billing

import (
	"strings"

	"github.com/ManuelReschke/PlanFox/app/models"
	"github.com/ManuelReschke/PlanFox/internal/pkg/env"
	"github.com/ManuelReschke/PlanFox/internal/pkg/gateway"
)

type secretKeys struct {
	secret  string
	webhook string
}

var providerSecrets = map[string]secretKeys{
	models.ProviderStripe:      {secret: "STRIPE_SECRET_KEY", webhook: "STRIPE_WEBHOOK_SECRET"},
	models.ProviderPaystack:    {secret: "PAYSTACK_SECRET_KEY", webhook: "PAYSTACK_WEBHOOK_SECRET"},
	models.ProviderFlutterwave: {secret: "FLUTTERWAVE_SECRET_KEY", webhook: "FLUTTERWAVE_SECRET_HASH"},
}

// Credentials builds gateway credentials from the environment, the policy
// redirect URLs and the provider's additional settings.
type Credentials struct {
	Lookup func(key, def string) string
}

// EnvCredentials reads provider secrets with env.GetEnv.
func EnvCredentials() *Credentials {
	return &Credentials{Lookup: env.GetEnv}
}

func (c *Credentials) For(provider string, policy *models.BillingPolicy) gateway.Credentials {
	creds := gateway.Credentials{Settings: models.JSONMap{}}
	if keys, ok := providerSecrets[provider]; ok && c != nil && c.Lookup != nil {
		creds.SecretKey = c.Lookup(keys.secret, "")
		creds.WebhookSecret = c.Lookup(keys.webhook, "")
	}
	if policy == nil {
		return creds
	}

	creds.SuccessURL = policy.SuccessURL
	creds.CancelURL = policy.CancelURL
	if cfg := policy.ProviderConfig(provider); cfg != nil && cfg.AdditionalSettings != nil {
		creds.Settings = cfg.AdditionalSettings
		if v := strings.TrimSpace(cfg.AdditionalSettings.String("success_url")); v != "" {
			creds.SuccessURL = v
		}
		if v := strings.TrimSpace(cfg.AdditionalSettings.String("cancel_url")); v != "" {
			creds.CancelURL = v
		}
		creds.BaseURL = strings.TrimSpace(cfg.AdditionalSettings.String("base_url"))
	}
	return creds
}
