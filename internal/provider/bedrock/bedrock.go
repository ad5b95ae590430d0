package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/gabztoo/Perpetuo/internal/domain"
	"github.com/gabztoo/Perpetuo/internal/provider"
	"github.com/gabztoo/Perpetuo/internal/provider/anthropic"
	"github.com/goccy/go-json"
)

const (
	bedrockAnthropicVersion = "bedrock-2023-05-31"
	defaultMaxTokens        = 4096
)

// InvokeAPI is the subset of the Bedrock runtime client used here.
type InvokeAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Provider calls Anthropic models on Bedrock. The caller's credential is
// "ACCESS_KEY_ID:SECRET_ACCESS_KEY" (optionally ":SESSION_TOKEN") and is
// applied per call, so one client serves every tenant.
type Provider struct {
	name   string
	client InvokeAPI
	region string
	now    func() time.Time
}

func New(name string, cfg aws.Config, region string) *Provider {
	if region == "" {
		region = cfg.Region
	}
	return NewWithClient(name, bedrockruntime.NewFromConfig(cfg), region)
}

func NewWithClient(name string, client InvokeAPI, region string) *Provider {
	return &Provider{
		name:   name,
		client: client,
		region: region,
		now:    time.Now,
	}
}

func (p *Provider) ID() string {
	return p.name
}

func (p *Provider) ChatCompletion(ctx context.Context, req domain.ChatRequest, credential string) (*domain.ChatResponse, error) {
	creds, err := ParseCredential(credential)
	if err != nil {
		return nil, provider.CredentialError(p.name)
	}

	body, err := json.Marshal(toBedrockRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	modelID := MapModelID(req.Model)
	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	}, p.callOptions(creds))
	if err != nil {
		return nil, p.wrapError(err)
	}

	return parseResponse(out.Body, req.Model, p.now())
}

func (p *Provider) callOptions(creds aws.CredentialsProvider) func(*bedrockruntime.Options) {
	return func(o *bedrockruntime.Options) {
		o.Credentials = creds
		if p.region != "" {
			o.Region = p.region
		}
	}
}

// wrapError keeps the HTTP status of SDK response errors visible to the
// classifier.
func (p *Provider) wrapError(err error) error {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return &domain.ProviderError{
			Provider:   p.name,
			StatusCode: re.HTTPStatusCode(),
			Message:    err.Error(),
			Err:        err,
		}
	}
	return provider.TransportError(p.name, "invoke model", err)
}

// ParseCredential splits a BYOK credential into a static AWS credentials
// provider.
func ParseCredential(credential string) (aws.CredentialsProvider, error) {
	parts := strings.SplitN(strings.TrimSpace(credential), ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil, provider.ErrMissingCredential
	}
	session := ""
	if len(parts) == 3 {
		session = parts[2]
	}
	return credentials.NewStaticCredentialsProvider(parts[0], parts[1], session), nil
}

var modelIDs = map[string]string{
	"claude-3-5-sonnet": "anthropic.claude-3-5-sonnet-20241022-v2:0",
	"claude-3-5-haiku":  "anthropic.claude-3-5-haiku-20241022-v1:0",
	"claude-3-opus":     "anthropic.claude-3-opus-20240229-v1:0",
	"claude-3-sonnet":   "anthropic.claude-3-sonnet-20240229-v1:0",
	"claude-3-haiku":    "anthropic.claude-3-haiku-20240307-v1:0",
}

// MapModelID expands short model names to Bedrock model IDs. Full IDs pass
// through unchanged.
func MapModelID(model string) string {
	if id, ok := modelIDs[model]; ok {
		return id
	}
	return model
}

type invokeRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Messages         []message `json:"messages"`
	System           string    `json:"system,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	StopSequences    []string  `json:"stop_sequences,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type invokeResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func toBedrockRequest(req domain.ChatRequest) invokeRequest {
	var system []string
	messages := make([]message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		messages = append(messages, message{Role: m.Role, Content: m.Content})
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	return invokeRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        maxTokens,
		Messages:         messages,
		System:           strings.Join(system, "\n\n"),
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		StopSequences:    req.Stop,
	}
}

func parseResponse(body []byte, model string, now time.Time) (*domain.ChatResponse, error) {
	var resp invokeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, provider.DecodeError("bedrock", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &domain.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: now.Unix(),
		Model:   model,
		Choices: []domain.Choice{
			{
				Index:        0,
				Message:      &domain.Message{Role: "assistant", Content: text.String()},
				FinishReason: anthropic.MapStopReason(resp.StopReason),
			},
		},
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}
