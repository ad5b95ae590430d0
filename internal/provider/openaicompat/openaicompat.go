// Package openaicompat talks to any upstream exposing the OpenAI
// /chat/completions API: OpenAI itself, Groq and OpenRouter.
package openaicompat

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gabztoo/Perpetuo/internal/domain"
	"github.com/gabztoo/Perpetuo/internal/provider"
	"github.com/goccy/go-json"
)

const (
	OpenAIBaseURL     = "https://api.openai.com/v1"
	GroqBaseURL       = "https://api.groq.com/openai/v1"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
)

// DefaultBaseURL returns the well-known endpoint for name, or "".
func DefaultBaseURL(name string) string {
	switch name {
	case "openai":
		return OpenAIBaseURL
	case "groq":
		return GroqBaseURL
	case "openrouter":
		return OpenRouterBaseURL
	}
	return ""
}

type Provider struct {
	name    string
	baseURL string
	client  *http.Client
	headers map[string]string
	now     func() time.Time
}

type Option func(*Provider)

// WithHeader adds a static header to every request.
func WithHeader(key, value string) Option {
	return func(p *Provider) {
		p.headers[key] = value
	}
}

// New builds a client for the named upstream. An empty baseURL falls back to
// DefaultBaseURL(name).
func New(name, baseURL string, client *http.Client, opts ...Option) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL(name)
	}
	p := &Provider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		headers: make(map[string]string),
		now:     time.Now,
	}
	if name == "openrouter" {
		p.headers["HTTP-Referer"] = "https://perpetuo.io"
		p.headers["X-Title"] = "Perpetuo Gateway"
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) ID() string {
	return p.name
}

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
}

func (p *Provider) ChatCompletion(ctx context.Context, req domain.ChatRequest, credential string) (*domain.ChatResponse, error) {
	if credential == "" {
		return nil, provider.CredentialError(p.name)
	}

	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        req.Stop,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+credential)
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.TransportError(p.name, "do request", err)
	}
	defer resp.Body.Close()

	if !provider.IsSuccess(resp.StatusCode) {
		return nil, provider.StatusError(p.name, resp)
	}

	var chatResp domain.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, provider.DecodeError(p.name, err)
	}

	if chatResp.Object == "" {
		chatResp.Object = "chat.completion"
	}
	if chatResp.Created == 0 {
		chatResp.Created = p.now().Unix()
	}
	if chatResp.Model == "" {
		chatResp.Model = req.Model
	}
	if chatResp.Usage.TotalTokens == 0 {
		chatResp.Usage.TotalTokens = chatResp.Usage.PromptTokens + chatResp.Usage.CompletionTokens
	}
	chatResp.RoutingDecision = nil
	return &chatResp, nil
}
