package gateway

import (
	"testing"

	"github.com/gabztoo/Perpetuo/internal/alias"
	"github.com/gabztoo/Perpetuo/internal/domain"
	"github.com/gabztoo/Perpetuo/internal/router"
	"github.com/gabztoo/Perpetuo/internal/strategy"
)

func chainNames(c []candidate) []string {
	out := make([]string, len(c))
	for i, cand := range c {
		out[i] = cand.config.Name
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func registryOf(names ...string) func(string) (router.Provider, bool) {
	reg := router.NewRegistry(nil)
	for _, n := range names {
		reg.Register(n, okProvider(n))
	}
	return reg.Get
}

func baseChainInput() chainInput {
	return chainInput{
		policy:   testPolicy(),
		tenant:   &domain.Tenant{ID: "t1", Enabled: true},
		strategy: strategy.Default,
		alias:    alias.Resolution{Intent: domain.IntentChat, Tier: domain.TierDefault},
		credentials: map[string]string{
			"groq":       "k1",
			"gemini":     "k2",
			"openrouter": "k3",
		},
		registryFind: registryOf("groq", "gemini", "openrouter"),
	}
}

func TestBuildChain_Skips(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(in *chainInput)
		wantChain  []string
		wantReason string
	}{
		{
			name:      "all eligible",
			mutate:    func(in *chainInput) {},
			wantChain: []string{"groq", "gemini", "openrouter"},
		},
		{
			name:       "disabled",
			mutate:     func(in *chainInput) { in.policy.Providers[1].Enabled = false },
			wantChain:  []string{"groq", "openrouter"},
			wantReason: "disabled",
		},
		{
			name:       "not registered",
			mutate:     func(in *chainInput) { in.registryFind = registryOf("groq", "openrouter") },
			wantChain:  []string{"groq", "openrouter"},
			wantReason: "not_registered",
		},
		{
			name:       "tenant allow-list",
			mutate:     func(in *chainInput) { in.tenant.AllowedProviders = []string{"groq", "openrouter"} },
			wantChain:  []string{"groq", "openrouter"},
			wantReason: "not_allowed",
		},
		{
			name:       "missing credential",
			mutate:     func(in *chainInput) { delete(in.credentials, "gemini") },
			wantChain:  []string{"groq", "openrouter"},
			wantReason: "missing_credential",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseChainInput()
			tt.mutate(&in)

			chain, skips := buildChain(in)
			if got := chainNames(chain); !equalStrings(got, tt.wantChain) {
				t.Errorf("chain = %v, want %v", got, tt.wantChain)
			}
			if tt.wantReason == "" {
				if len(skips) != 0 {
					t.Errorf("unexpected skips %v", skips)
				}
				return
			}
			if len(skips) != 1 || skips[0].Provider != "gemini" || skips[0].Reason != tt.wantReason {
				t.Errorf("skips = %v, want gemini/%s", skips, tt.wantReason)
			}
		})
	}
}

func TestBuildChain_PriorityOrder(t *testing.T) {
	in := baseChainInput()
	in.policy.Providers[0].Priority = 10

	chain, _ := buildChain(in)
	if got := chainNames(chain); !equalStrings(got, []string{"gemini", "openrouter", "groq"}) {
		t.Errorf("chain = %v", got)
	}
}

func TestBuildChain_CustomModelOrderAndDepth(t *testing.T) {
	in := baseChainInput()
	in.route = &domain.Policy{
		RouteKey:      "support",
		Mode:          domain.ModeCustom,
		ModelOrder:    []string{"meta-llama/llama-3.1-8b-instruct", "unknown-model", "gemini-1.5-flash"},
		FallbackDepth: 2,
	}

	chain, skips := buildChain(in)
	if got := chainNames(chain); !equalStrings(got, []string{"openrouter", "gemini"}) {
		t.Fatalf("chain = %v", got)
	}
	if chain[0].model != "meta-llama/llama-3.1-8b-instruct" || chain[1].model != "gemini-1.5-flash" {
		t.Errorf("models = %s, %s", chain[0].model, chain[1].model)
	}
	if len(skips) != 1 || skips[0].Provider != "groq" || skips[0].Reason != "beyond_fallback_depth" {
		t.Errorf("skips = %v", skips)
	}
}

func TestBuildChain_ModelOrderIgnoredOutsideCustom(t *testing.T) {
	in := baseChainInput()
	in.route = &domain.Policy{
		RouteKey:   "support",
		Mode:       domain.ModeReliable,
		ModelOrder: []string{"gemini-1.5-flash"},
	}

	chain, _ := buildChain(in)
	if chain[0].config.Name == "gemini" {
		t.Error("model order should only apply to CUSTOM routes")
	}
}

func TestBuildChain_CredentialsCarried(t *testing.T) {
	chain, _ := buildChain(baseChainInput())
	for _, c := range chain {
		if c.credential == "" {
			t.Errorf("%s has no credential", c.config.Name)
		}
	}
	if chain[1].credential != "k2" {
		t.Errorf("gemini credential = %q", chain[1].credential)
	}
}

func TestPickModel(t *testing.T) {
	models := []domain.ModelConfig{
		{Name: "llama-3.1-8b-instant", Provider: "groq", Tier: domain.TierFast},
		{Name: "llama-3.3-70b-versatile", Provider: "groq", Tier: domain.TierQuality},
		{Name: "gemini-1.5-flash", Provider: "gemini"},
	}

	tests := []struct {
		name      string
		provider  domain.ProviderConfig
		requested string
		tier      domain.Tier
		want      string
	}{
		{
			name:      "requested model owned by provider",
			provider:  domain.ProviderConfig{Name: "groq", DefaultModel: "llama-3.1-8b-instant"},
			requested: "llama-3.3-70b-versatile",
			want:      "llama-3.3-70b-versatile",
		},
		{
			name: "tier override on provider",
			provider: domain.ProviderConfig{
				Name:       "groq",
				TierModels: map[domain.Tier]string{domain.TierQuality: "llama-3.3-70b-specdec"},
			},
			requested: "perpetuo/chat/quality",
			tier:      domain.TierQuality,
			want:      "llama-3.3-70b-specdec",
		},
		{
			name:      "catalog model of the tier",
			provider:  domain.ProviderConfig{Name: "groq", DefaultModel: "llama-3.1-8b-instant"},
			requested: "perpetuo/chat/quality",
			tier:      domain.TierQuality,
			want:      "llama-3.3-70b-versatile",
		},
		{
			name:      "provider default",
			provider:  domain.ProviderConfig{Name: "gemini", DefaultModel: "gemini-1.5-pro"},
			requested: "gpt-4o",
			tier:      domain.TierDefault,
			want:      "gemini-1.5-pro",
		},
		{
			name:      "first catalog model",
			provider:  domain.ProviderConfig{Name: "gemini"},
			requested: "gpt-4o",
			want:      "gemini-1.5-flash",
		},
		{
			name:      "unknown provider keeps requested",
			provider:  domain.ProviderConfig{Name: "openrouter"},
			requested: "openai/gpt-4o",
			want:      "openai/gpt-4o",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pickModel(tt.provider, models, tt.requested, tt.tier); got != tt.want {
				t.Errorf("pickModel = %q, want %q", got, tt.want)
			}
		})
	}
}
