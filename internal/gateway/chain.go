package gateway

import (
	"github.com/gabztoo/Perpetuo/internal/alias"
	"github.com/gabztoo/Perpetuo/internal/domain"
	"github.com/gabztoo/Perpetuo/internal/router"
	"github.com/gabztoo/Perpetuo/internal/strategy"
)

// candidate is one provider the loop will try, with the concrete model and
// credential it will be called with.
type candidate struct {
	config     domain.ProviderConfig
	provider   router.Provider
	model      string
	credential string
}

type skipped struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

// chainInput is everything chain building depends on.
type chainInput struct {
	policy       *domain.TenantPolicy
	route        *domain.Policy
	tenant       *domain.Tenant
	strategy     strategy.Strategy
	alias        alias.Resolution
	requested    string
	credentials  map[string]string
	stats        map[string]router.Metrics
	registryFind func(name string) (router.Provider, bool)
}

// buildChain orders the policy's providers for the strategy, applies the
// route's model order and depth, and drops providers that cannot be called.
// Dropped providers are reported but never count as attempted.
func buildChain(in chainInput) ([]candidate, []skipped) {
	providers := domain.SortByPriority(in.policy.Providers)
	ordered := router.SelectAndOrder(providers, in.policy.Models, in.strategy, in.stats)

	var preferred map[string]string
	if in.route != nil && in.route.Mode == domain.ModeCustom && len(in.route.ModelOrder) > 0 {
		ordered, preferred = applyModelOrder(ordered, in.policy.Models, in.route.ModelOrder)
	}

	var chain []candidate
	var skips []skipped
	for _, pc := range ordered {
		if !pc.Enabled {
			skips = append(skips, skipped{pc.Name, "disabled"})
			continue
		}
		p, ok := in.registryFind(pc.Name)
		if !ok {
			skips = append(skips, skipped{pc.Name, "not_registered"})
			continue
		}
		if !in.tenant.AllowsProvider(pc.Name) {
			skips = append(skips, skipped{pc.Name, "not_allowed"})
			continue
		}
		cred := in.credentials[pc.Name]
		if cred == "" {
			skips = append(skips, skipped{pc.Name, "missing_credential"})
			continue
		}

		model := preferred[pc.Name]
		if model == "" {
			model = pickModel(pc, in.policy.Models, in.requested, in.alias.Tier)
		}
		chain = append(chain, candidate{config: pc, provider: p, model: model, credential: cred})
	}

	if in.route != nil && in.route.FallbackDepth > 0 && len(chain) > in.route.FallbackDepth {
		for _, c := range chain[in.route.FallbackDepth:] {
			skips = append(skips, skipped{c.config.Name, "beyond_fallback_depth"})
		}
		chain = chain[:in.route.FallbackDepth]
	}
	return chain, skips
}

// applyModelOrder moves providers owning the listed models to the front, in
// list order, and remembers the first listed model for each of them.
func applyModelOrder(providers []domain.ProviderConfig, models []domain.ModelConfig, order []string) ([]domain.ProviderConfig, map[string]string) {
	owner := make(map[string]string, len(models))
	for _, m := range models {
		owner[m.Name] = m.Provider
	}
	byName := make(map[string]domain.ProviderConfig, len(providers))
	for _, p := range providers {
		byName[p.Name] = p
	}

	preferred := make(map[string]string)
	out := make([]domain.ProviderConfig, 0, len(providers))
	for _, modelName := range order {
		prov, ok := owner[modelName]
		if !ok {
			continue
		}
		pc, ok := byName[prov]
		if !ok {
			continue
		}
		if _, seen := preferred[prov]; seen {
			continue
		}
		preferred[prov] = modelName
		out = append(out, pc)
	}
	for _, p := range providers {
		if _, seen := preferred[p.Name]; !seen {
			out = append(out, p)
		}
	}
	return out, preferred
}

// pickModel chooses the concrete model sent to a provider: the requested
// model when the provider serves it, then the provider's model for the tier,
// then any catalog model of that tier, then the provider default.
func pickModel(pc domain.ProviderConfig, models []domain.ModelConfig, requested string, tier domain.Tier) string {
	var first string
	for _, m := range models {
		if m.Provider != pc.Name {
			continue
		}
		if m.Name == requested {
			return requested
		}
		if first == "" {
			first = m.Name
		}
	}

	if m := pc.TierModels[tier]; m != "" {
		return m
	}
	for _, m := range models {
		if m.Provider == pc.Name && m.Tier == tier && tier != "" {
			return m.Name
		}
	}
	if pc.DefaultModel != "" {
		return pc.DefaultModel
	}
	if first != "" {
		return first
	}
	return requested
}
