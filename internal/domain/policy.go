package domain

import "sort"

type ProviderKind string

const (
	KindOpenAI    ProviderKind = "openai"
	KindAnthropic ProviderKind = "anthropic"
	KindGemini    ProviderKind = "gemini"
	KindBedrock   ProviderKind = "bedrock"
)

// ProviderConfig describes one upstream provider inside a policy version.
type ProviderConfig struct {
	Name         string          `json:"name" yaml:"name"`
	Kind         ProviderKind    `json:"kind,omitempty" yaml:"kind"`
	BaseURL      string          `json:"baseUrl" yaml:"baseUrl"`
	TimeoutMs    int             `json:"timeoutMs,omitempty" yaml:"timeoutMs"`
	Enabled      bool            `json:"enabled" yaml:"enabled"`
	Priority     int             `json:"priority" yaml:"priority"`
	DefaultModel string          `json:"defaultModel,omitempty" yaml:"defaultModel"`
	TierModels   map[Tier]string `json:"tierModels,omitempty" yaml:"tierModels"`
	Region       string          `json:"region,omitempty" yaml:"region"`
	// Headers are static headers sent on every call (OpenAI-compatible only).
	Headers map[string]string `json:"-" yaml:"headers"`
}

type ModelConfig struct {
	Name            string  `json:"name" yaml:"name"`
	Provider        string  `json:"provider" yaml:"provider"`
	CostPer1kInput  float64 `json:"costPer1kInput" yaml:"costPer1kInput"`
	CostPer1kOutput float64 `json:"costPer1kOutput" yaml:"costPer1kOutput"`
	MaxTokens       int     `json:"maxTokens,omitempty" yaml:"maxTokens"`
	Tier            Tier    `json:"tier,omitempty" yaml:"tier"`
}

type PolicyMode string

const (
	ModePassThrough PolicyMode = "PASS_THROUGH"
	ModeReliable    PolicyMode = "RELIABLE"
	ModeCheapest    PolicyMode = "CHEAPEST"
	ModeCustom      PolicyMode = "CUSTOM"
)

type Route struct {
	Key         string `json:"key"`
	DisplayName string `json:"displayName,omitempty"`
}

type Policy struct {
	RouteKey      string     `json:"routeKey"`
	Mode          PolicyMode `json:"mode"`
	ModelOrder    []string   `json:"modelOrder,omitempty"`
	FallbackDepth int        `json:"fallbackDepth,omitempty"`
}

// TenantPolicy is the routing document served by the management service.
type TenantPolicy struct {
	TenantID        string           `json:"tenantId"`
	Providers       []ProviderConfig `json:"providers"`
	Models          []ModelConfig    `json:"models"`
	Routes          []Route          `json:"routes"`
	Policies        []Policy         `json:"policies"`
	DefaultStrategy string           `json:"defaultStrategy,omitempty"`
}

// Usable reports whether the policy carries enough to build a chain from.
func (p *TenantPolicy) Usable() bool {
	return p != nil && len(p.Providers) > 0 && len(p.Models) > 0
}

// PolicyFor returns the policy bound to routeKey, if any.
func (p *TenantPolicy) PolicyFor(routeKey string) (Policy, bool) {
	if p == nil || routeKey == "" {
		return Policy{}, false
	}
	for _, pol := range p.Policies {
		if pol.RouteKey == routeKey {
			return pol, true
		}
	}
	return Policy{}, false
}

// SortByPriority returns a copy of providers ordered by ascending priority.
func SortByPriority(providers []ProviderConfig) []ProviderConfig {
	out := make([]ProviderConfig, len(providers))
	copy(out, providers)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}
