// Package alias interprets the model string a client sends into an intent and a
// tier. It never chooses a provider: that is left to the selector so clients stay
// decoupled from upstream vendors.
package alias

import (
	"fmt"
	"strings"

	"github.com/gabztoo/Perpetuo/internal/domain"
)

const namespace = "perpetuo/"

type Resolution struct {
	RequestedAlias string        `json:"requested_alias"`
	Intent         domain.Intent `json:"intent"`
	Tier           domain.Tier   `json:"tier"`
	Explanation    string        `json:"explanation"`
}

// Catalog reports whether a model name is configured.
type Catalog interface {
	HasModel(name string) bool
}

// Models is a Catalog backed by a model list.
type Models []domain.ModelConfig

func (m Models) HasModel(name string) bool {
	for _, model := range m {
		if model.Name == name {
			return true
		}
	}
	return false
}

type Resolver struct {
	catalog Catalog
}

func NewResolver(catalog Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// Resolve never fails; unknown aliases resolve to chat/default.
func (r *Resolver) Resolve(requested string) Resolution {
	if r.catalog != nil && requested != "" && r.catalog.HasModel(requested) {
		return Resolution{
			RequestedAlias: requested,
			Intent:         inferIntent(requested),
			Tier:           inferTier(requested),
			Explanation:    fmt.Sprintf("exact match to configured model %q", requested),
		}
	}

	if strings.HasPrefix(requested, namespace) {
		return resolveNamespaced(requested)
	}

	lower := strings.ToLower(requested)
	if strings.Contains(lower, "embedding") {
		return Resolution{
			RequestedAlias: requested,
			Intent:         domain.IntentEmbedding,
			Tier:           domain.TierDefault,
			Explanation:    "pattern match: embedding model",
		}
	}
	if strings.Contains(lower, "turbo") {
		return Resolution{
			RequestedAlias: requested,
			Intent:         domain.IntentChat,
			Tier:           domain.TierFast,
			Explanation:    "pattern match: turbo maps to fast tier",
		}
	}

	return Resolution{
		RequestedAlias: requested,
		Intent:         domain.IntentChat,
		Tier:           domain.TierDefault,
		Explanation:    fmt.Sprintf("alias %q not recognized, using default routing", requested),
	}
}

// resolveNamespaced parses "perpetuo/<intent>-<tier>".
func resolveNamespaced(requested string) Resolution {
	rest := strings.TrimPrefix(requested, namespace)
	intentPart, tierPart, _ := strings.Cut(rest, "-")

	intent := parseIntent(intentPart)
	tier := parseTier(tierPart)

	return Resolution{
		RequestedAlias: requested,
		Intent:         intent,
		Tier:           tier,
		Explanation:    fmt.Sprintf("perpetuo alias: intent=%s tier=%s", intent, tier),
	}
}

func parseIntent(s string) domain.Intent {
	switch {
	case strings.Contains(s, "embed"):
		return domain.IntentEmbedding
	case strings.Contains(s, "completion"):
		return domain.IntentCompletion
	default:
		return domain.IntentChat
	}
}

func parseTier(s string) domain.Tier {
	switch {
	case strings.Contains(s, "fast"):
		return domain.TierFast
	case strings.Contains(s, "cheap"):
		return domain.TierCheap
	case strings.Contains(s, "quality"):
		return domain.TierQuality
	default:
		return domain.TierDefault
	}
}

func inferIntent(model string) domain.Intent {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "embedding"):
		return domain.IntentEmbedding
	case strings.Contains(lower, "completion"):
		return domain.IntentCompletion
	default:
		return domain.IntentChat
	}
}

// inferTier checks quality markers before fast ones: "gpt-4-turbo" is a
// quality model even though it contains "turbo".
func inferTier(model string) domain.Tier {
	lower := strings.ToLower(model)
	switch {
	case containsAny(lower, "4-turbo", "advanced", "quality"):
		return domain.TierQuality
	case containsAny(lower, "turbo", "fast", "3.5"):
		return domain.TierFast
	case containsAny(lower, "mini", "small", "cheap"):
		return domain.TierCheap
	default:
		return domain.TierDefault
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
