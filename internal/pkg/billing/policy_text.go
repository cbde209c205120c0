package billing

import (
	"bytes"
	"context"
	"embed"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gofiber/template/html/v2"
	"github.com/samber/lo"

	"github.com/ManuelReschke/PlanFox/app/models"
	"github.com/ManuelReschke/PlanFox/app/repository"
)

//go:embed templates/*.html
var templateFS embed.FS

var effectPhrases = map[string]string{
	models.EffectImmediate:   "immediately",
	models.EffectNextCycle:   "at the start of the next billing cycle",
	models.EffectEndOfPeriod: "at the end of the current billing period",
}

// PolicyRenderer renders the customer facing policy text from the policy
// settings.
type PolicyRenderer struct {
	engine *html.Engine
	now    func() time.Time
}

func NewPolicyRenderer() (*PolicyRenderer, error) {
	sub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		return nil, errors.Wrap(err, "open policy templates")
	}
	engine := html.NewFileSystem(http.FS(sub), ".html")
	if err := engine.Load(); err != nil {
		return nil, errors.Wrap(err, "load policy templates")
	}
	return &PolicyRenderer{engine: engine, now: time.Now}, nil
}

func (r *PolicyRenderer) Render(policy *models.BillingPolicy) (string, error) {
	providers := lo.Map(policy.ActiveProviders(), func(cfg models.ProviderConfig, _ int) string {
		return titleCase(cfg.Provider)
	})

	var buf bytes.Buffer
	err := r.engine.Render(&buf, "policy", map[string]interface{}{
		"Policy":          policy,
		"UpdatedOn":       r.now().UTC().Format("January 02, 2006 at 03:04 PM"),
		"UpgradeEffect":   effectPhrases[policy.UpgradeEffect],
		"DowngradeEffect": effectPhrases[policy.DowngradeEffect],
		"CancelEffect":    effectPhrases[policy.CancelEffect],
		"DefaultProvider": titleCase(policy.DefaultProvider),
		"Providers":       strings.Join(providers, ", "),
	})
	if err != nil {
		return "", errors.Wrap(err, "render policy text")
	}
	return strings.TrimSpace(buf.String()), nil
}

// PolicyTextHook regenerates and stores the policy text after every policy
// write.
func PolicyTextHook(repo repository.PolicyRepository, renderer *PolicyRenderer) PolicyHook {
	return func(_ context.Context, policy *models.BillingPolicy) error {
		text, err := renderer.Render(policy)
		if err != nil {
			return err
		}
		if err := repo.UpdatePolicyText(policy.ID, text); err != nil {
			return errors.Wrap(err, "store policy text")
		}
		policy.PolicyText = text
		return nil
	}
}
