package config

import (
	"fmt"
	"os"
	"time"

	"github.com/gabztoo/Perpetuo/internal/crypto"
	"github.com/gabztoo/Perpetuo/internal/domain"
	"github.com/gabztoo/Perpetuo/internal/strategy"
	"gopkg.in/yaml.v3"
)

// Catalog is the static routing configuration: the providers the gateway
// knows how to call, their models and prices, the default chain used when a
// tenant has no policy of its own, and locally defined tenants.
type Catalog struct {
	DefaultChain    []string             `yaml:"defaultChain"`
	DefaultStrategy string               `yaml:"defaultStrategy"`
	Providers       []ProviderEntry      `yaml:"providers"`
	Models          []domain.ModelConfig `yaml:"models"`
	Tenants         []TenantEntry        `yaml:"tenants"`
}

// ProviderEntry is a provider as written in the catalog. Providers are
// enabled unless the entry says otherwise.
type ProviderEntry struct {
	domain.ProviderConfig `yaml:",inline"`
}

func (p *ProviderEntry) UnmarshalYAML(node *yaml.Node) error {
	type plain domain.ProviderConfig
	raw := plain{Enabled: true}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	p.ProviderConfig = domain.ProviderConfig(raw)
	return nil
}

// TenantEntry is a locally defined tenant. Raw APIKeys are hashed on load and
// never kept.
type TenantEntry struct {
	ID               string        `yaml:"id"`
	Name             string        `yaml:"name"`
	Plan             string        `yaml:"plan"`
	APIKeys          []string      `yaml:"apiKeys"`
	APIKeyHashes     []string      `yaml:"apiKeyHashes"`
	Limits           domain.Limits `yaml:"limits"`
	AllowedProviders []string      `yaml:"allowedProviders"`
	DefaultStrategy  string        `yaml:"defaultStrategy"`
	Enabled          bool          `yaml:"enabled"`
}

func (t *TenantEntry) UnmarshalYAML(node *yaml.Node) error {
	type plain TenantEntry
	raw := plain{Enabled: true}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*t = TenantEntry(raw)
	return nil
}

// DefaultCatalog is used when no catalog file is configured.
func DefaultCatalog() *Catalog {
	return &Catalog{
		DefaultChain:    []string{"groq", "gemini", "openrouter", "openai"},
		DefaultStrategy: string(strategy.Default),
		Providers: []ProviderEntry{
			{domain.ProviderConfig{
				Name: "groq", Kind: domain.KindOpenAI, Enabled: true, TimeoutMs: 30000,
				DefaultModel: "llama-3.1-8b-instant",
				TierModels:   map[domain.Tier]string{domain.TierQuality: "llama-3.3-70b-versatile"},
			}},
			{domain.ProviderConfig{
				Name: "gemini", Kind: domain.KindGemini, Enabled: true, TimeoutMs: 30000,
				DefaultModel: "gemini-1.5-flash",
				TierModels:   map[domain.Tier]string{domain.TierQuality: "gemini-1.5-pro"},
			}},
			{domain.ProviderConfig{
				Name: "openrouter", Kind: domain.KindOpenAI, Enabled: true, TimeoutMs: 30000,
				DefaultModel: "meta-llama/llama-3.1-8b-instruct",
			}},
			{domain.ProviderConfig{
				Name: "openai", Kind: domain.KindOpenAI, Enabled: true, TimeoutMs: 30000,
				DefaultModel: "gpt-4o-mini",
				TierModels:   map[domain.Tier]string{domain.TierQuality: "gpt-4o"},
			}},
			{domain.ProviderConfig{
				Name: "anthropic", Kind: domain.KindAnthropic, Enabled: true, TimeoutMs: 60000,
				DefaultModel: "claude-3-5-haiku-20241022",
			}},
			{domain.ProviderConfig{
				Name: "bedrock", Kind: domain.KindBedrock, Enabled: true, TimeoutMs: 60000,
				Region: "us-east-1", DefaultModel: "anthropic.claude-3-haiku-20240307-v1:0",
			}},
		},
		Models: []domain.ModelConfig{
			{Name: "llama-3.1-8b-instant", Provider: "groq", CostPer1kInput: 0.00005, CostPer1kOutput: 0.00008, Tier: domain.TierFast},
			{Name: "llama-3.3-70b-versatile", Provider: "groq", CostPer1kInput: 0.00059, CostPer1kOutput: 0.00079, Tier: domain.TierQuality},
			{Name: "gemini-1.5-flash", Provider: "gemini", CostPer1kInput: 0.000075, CostPer1kOutput: 0.0003, Tier: domain.TierCheap},
			{Name: "gemini-1.5-pro", Provider: "gemini", CostPer1kInput: 0.00125, CostPer1kOutput: 0.005, Tier: domain.TierQuality},
			{Name: "meta-llama/llama-3.1-8b-instruct", Provider: "openrouter", CostPer1kInput: 0.00006, CostPer1kOutput: 0.00006, Tier: domain.TierCheap},
			{Name: "gpt-4o-mini", Provider: "openai", CostPer1kInput: 0.00015, CostPer1kOutput: 0.0006, Tier: domain.TierFast},
			{Name: "gpt-4o", Provider: "openai", CostPer1kInput: 0.005, CostPer1kOutput: 0.015, Tier: domain.TierQuality},
			{Name: "claude-3-5-haiku-20241022", Provider: "anthropic", CostPer1kInput: 0.001, CostPer1kOutput: 0.005, Tier: domain.TierFast},
			{Name: "anthropic.claude-3-haiku-20240307-v1:0", Provider: "bedrock", CostPer1kInput: 0.00025, CostPer1kOutput: 0.00125, Tier: domain.TierFast},
		},
	}
}

// LoadCatalog reads a YAML catalog. ${VAR} references are expanded from the
// environment before parsing so API keys can stay out of the file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	expanded := os.ExpandEnv(string(data))

	cat := &Catalog{}
	if err := yaml.Unmarshal([]byte(expanded), cat); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	cat.applyDefaults()

	if err := cat.Validate(); err != nil {
		return nil, fmt.Errorf("validate catalog: %w", err)
	}
	return cat, nil
}

func (c *Catalog) applyDefaults() {
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = string(strategy.Default)
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Kind == "" {
			p.Kind = inferKind(p.Name)
		}
	}
}

func inferKind(name string) domain.ProviderKind {
	switch name {
	case "gemini":
		return domain.KindGemini
	case "anthropic":
		return domain.KindAnthropic
	case "bedrock":
		return domain.KindBedrock
	}
	return domain.KindOpenAI
}

func (c *Catalog) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	names := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider[%d]: name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("provider[%d]: duplicate name %q", i, p.Name)
		}
		names[p.Name] = true

		switch p.Kind {
		case domain.KindOpenAI, domain.KindAnthropic, domain.KindGemini, domain.KindBedrock:
		default:
			return fmt.Errorf("provider[%d] %q: unknown kind %q", i, p.Name, p.Kind)
		}
		if p.TimeoutMs < 0 {
			return fmt.Errorf("provider[%d] %q: timeoutMs cannot be negative", i, p.Name)
		}
	}

	for _, name := range c.DefaultChain {
		if !names[name] {
			return fmt.Errorf("defaultChain: unknown provider %q", name)
		}
	}

	for i, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("model[%d]: name is required", i)
		}
		if !names[m.Provider] {
			return fmt.Errorf("model[%d] %q: unknown provider %q", i, m.Name, m.Provider)
		}
		if m.CostPer1kInput < 0 || m.CostPer1kOutput < 0 {
			return fmt.Errorf("model[%d] %q: costs cannot be negative", i, m.Name)
		}
	}

	if _, ok := strategy.Parse(c.DefaultStrategy); !ok {
		return fmt.Errorf("defaultStrategy: unknown strategy %q", c.DefaultStrategy)
	}

	ids := make(map[string]bool, len(c.Tenants))
	for i, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenant[%d]: id is required", i)
		}
		if ids[t.ID] {
			return fmt.Errorf("tenant[%d]: duplicate id %q", i, t.ID)
		}
		ids[t.ID] = true
		if len(t.APIKeys) == 0 && len(t.APIKeyHashes) == 0 {
			return fmt.Errorf("tenant[%d] %q: at least one API key is required", i, t.ID)
		}
		if t.DefaultStrategy != "" {
			if _, ok := strategy.Parse(t.DefaultStrategy); !ok {
				return fmt.Errorf("tenant[%d] %q: unknown defaultStrategy %q", i, t.ID, t.DefaultStrategy)
			}
		}
		for _, p := range t.AllowedProviders {
			if !names[p] {
				return fmt.Errorf("tenant[%d] %q: unknown allowed provider %q", i, t.ID, p)
			}
		}
	}

	return nil
}

// ProviderConfigs returns every configured provider.
func (c *Catalog) ProviderConfigs() []domain.ProviderConfig {
	out := make([]domain.ProviderConfig, len(c.Providers))
	for i, p := range c.Providers {
		out[i] = p.ProviderConfig
	}
	return out
}

// DefaultPolicy is the policy applied to tenants without one of their own:
// the default chain in order, with the models those providers serve. It
// returns nil when the chain is empty.
func (c *Catalog) DefaultPolicy() *domain.TenantPolicy {
	byName := make(map[string]domain.ProviderConfig, len(c.Providers))
	for _, p := range c.Providers {
		byName[p.Name] = p.ProviderConfig
	}

	chain := c.DefaultChain
	if len(chain) == 0 {
		for _, p := range c.Providers {
			chain = append(chain, p.Name)
		}
	}

	policy := &domain.TenantPolicy{
		TenantID:        "default",
		DefaultStrategy: c.DefaultStrategy,
	}
	inChain := make(map[string]bool, len(chain))
	for i, name := range chain {
		pc, ok := byName[name]
		if !ok {
			continue
		}
		pc.Priority = i + 1
		policy.Providers = append(policy.Providers, pc)
		inChain[name] = true
	}
	for _, m := range c.Models {
		if inChain[m.Provider] {
			policy.Models = append(policy.Models, m)
		}
	}

	if len(policy.Providers) == 0 {
		return nil
	}
	return policy
}

// ChainTimeout is the longest a full pass through every enabled provider can
// take, each attempt under its own timeoutMs or def when unset. Chains only
// hold registered providers, so no request can try more than this.
func (c *Catalog) ChainTimeout(def time.Duration) time.Duration {
	var total time.Duration
	for _, p := range c.Providers {
		if !p.Enabled {
			continue
		}
		if p.TimeoutMs > 0 {
			total += time.Duration(p.TimeoutMs) * time.Millisecond
		} else {
			total += def
		}
	}
	if total == 0 {
		return def
	}
	return total
}

// DomainTenants converts the catalog tenants, hashing raw API keys.
func (c *Catalog) DomainTenants() []*domain.Tenant {
	out := make([]*domain.Tenant, 0, len(c.Tenants))
	for _, t := range c.Tenants {
		hashes := append([]string(nil), t.APIKeyHashes...)
		for _, key := range t.APIKeys {
			if key != "" {
				hashes = append(hashes, crypto.HashAPIKey(key))
			}
		}
		out = append(out, &domain.Tenant{
			ID:               t.ID,
			Name:             t.Name,
			Plan:             t.Plan,
			APIKeyHashes:     hashes,
			Limits:           t.Limits,
			AllowedProviders: append([]string(nil), t.AllowedProviders...),
			DefaultStrategy:  t.DefaultStrategy,
			Enabled:          t.Enabled,
		})
	}
	return out
}
