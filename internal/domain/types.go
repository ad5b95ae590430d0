package domain

import "time"

// Tenant is the authenticated tenant descriptor resolved from a bearer token.
type Tenant struct {
	ID               string
	Name             string
	Plan             string
	APIKeyHashes     []string
	Limits           Limits
	AllowedProviders []string
	DefaultStrategy  string
	Enabled          bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Limits struct {
	RateLimitPerMin int     `json:"rateLimitPerMin" yaml:"rateLimitPerMin"`
	BudgetPerDay    float64 `json:"budgetPerDay" yaml:"budgetPerDay"`
}

// AllowsProvider reports whether the tenant may route to provider.
// An empty allow-list permits every provider.
func (t *Tenant) AllowsProvider(provider string) bool {
	if len(t.AllowedProviders) == 0 {
		return true
	}
	for _, p := range t.AllowedProviders {
		if p == provider {
			return true
		}
	}
	return false
}

type Intent string

const (
	IntentChat       Intent = "chat"
	IntentEmbedding  Intent = "embedding"
	IntentCompletion Intent = "completion"
)

type Tier string

const (
	TierDefault Tier = "default"
	TierFast    Tier = "fast"
	TierCheap   Tier = "cheap"
	TierQuality Tier = "quality"
)

type ChatRequest struct {
	Model             string    `json:"model"`
	Messages          []Message `json:"messages"`
	Temperature       *float64  `json:"temperature,omitempty"`
	MaxTokens         *int      `json:"max_tokens,omitempty"`
	TopP              *float64  `json:"top_p,omitempty"`
	Stop              []string  `json:"stop,omitempty"`
	RoutingPreference string    `json:"routing_preference,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	ID              string           `json:"id"`
	Object          string           `json:"object"`
	Created         int64            `json:"created"`
	Model           string           `json:"model"`
	Choices         []Choice         `json:"choices"`
	Usage           Usage            `json:"usage"`
	RoutingDecision *RoutingDecision `json:"routing-decision,omitempty"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// RoutingDecision is attached to every successful response so callers can see
// which provider served them and why.
type RoutingDecision struct {
	Provider           string   `json:"provider"`
	Model              string   `json:"model"`
	Strategy           string   `json:"strategy"`
	StrategySource     string   `json:"strategy_source"`
	ProvidersAttempted []string `json:"providers_attempted"`
	FallbackUsed       bool     `json:"fallback_used"`
	LatencyMs          int64    `json:"latency_ms"`
	CostUSD            float64  `json:"cost_usd"`
	RequestID          string   `json:"request_id"`
	ClientRequestID    string   `json:"client_request_id,omitempty"`
	TraceID            string   `json:"trace_id,omitempty"`
}
