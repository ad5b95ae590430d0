package bedrock

import (
	"context"
	"errors"
	"net/http"
	"testing"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/gabztoo/Perpetuo/internal/classify"
	"github.com/gabztoo/Perpetuo/internal/domain"
	"github.com/goccy/go-json"
)

type MockInvoker struct {
	InvokeModelFunc func(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

func (m *MockInvoker) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	return m.InvokeModelFunc(ctx, params, optFns...)
}

func TestProvider_ChatCompletion(t *testing.T) {
	mock := &MockInvoker{
		InvokeModelFunc: func(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
			if *params.ModelId != "anthropic.claude-3-haiku-20240307-v1:0" {
				t.Errorf("ModelId = %s", *params.ModelId)
			}

			var req invokeRequest
			json.Unmarshal(params.Body, &req)
			if req.AnthropicVersion != bedrockAnthropicVersion || req.System != "sys" || len(req.Messages) != 1 {
				t.Errorf("body = %+v", req)
			}

			var opts bedrockruntime.Options
			for _, fn := range optFns {
				fn(&opts)
			}
			creds, err := opts.Credentials.Retrieve(ctx)
			if err != nil {
				t.Fatalf("Retrieve: %v", err)
			}
			if creds.AccessKeyID != "AKIATEST" || creds.SecretAccessKey != "secret" {
				t.Errorf("credentials = %+v", creds)
			}
			if opts.Region != "us-west-2" {
				t.Errorf("Region = %s", opts.Region)
			}

			return &bedrockruntime.InvokeModelOutput{Body: []byte(`{
				"id": "msg_b",
				"content": [{"type": "text", "text": "ok"}],
				"stop_reason": "max_tokens",
				"usage": {"input_tokens": 5, "output_tokens": 6}
			}`)}, nil
		},
	}

	p := NewWithClient("bedrock", mock, "us-west-2")
	resp, err := p.ChatCompletion(context.Background(), domain.ChatRequest{
		Model:    "claude-3-haiku",
		Messages: []domain.Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "hi"}},
	}, "AKIATEST:secret")
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if resp.Choices[0].FinishReason != "length" || resp.Usage.TotalTokens != 11 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Model != "claude-3-haiku" {
		t.Errorf("Model = %s", resp.Model)
	}
}

func TestProvider_InvalidCredential(t *testing.T) {
	p := NewWithClient("bedrock", &MockInvoker{
		InvokeModelFunc: func(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
			t.Fatal("must not call upstream without credentials")
			return nil, nil
		},
	}, "")

	for _, cred := range []string{"", "AKIAONLY", ":secret", "AKIA:"} {
		_, err := p.ChatCompletion(context.Background(), domain.ChatRequest{Model: "claude-3-haiku"}, cred)
		if classify.Classify(err).Reason != classify.ReasonBYOKInvalid {
			t.Errorf("credential %q: err = %v", cred, err)
		}
	}
}

func TestProvider_ThrottlingKeepsStatus(t *testing.T) {
	p := NewWithClient("bedrock", &MockInvoker{
		InvokeModelFunc: func(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
			return nil, &smithy.OperationError{
				ServiceID:     "Bedrock Runtime",
				OperationName: "InvokeModel",
				Err: &awshttp.ResponseError{
					ResponseError: &smithyhttp.ResponseError{
						Response: &smithyhttp.Response{Response: &http.Response{StatusCode: 429}},
						Err:      errors.New("ThrottlingException: Too many requests"),
					},
				},
			}
		},
	}, "")

	_, err := p.ChatCompletion(context.Background(), domain.ChatRequest{Model: "claude-3-haiku"}, "a:b")
	var pe *domain.ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != 429 {
		t.Fatalf("err = %v", err)
	}
	if c := classify.Classify(err); c.Reason != classify.ReasonRateLimited {
		t.Errorf("Classify = %+v", c)
	}
}

func TestParseCredential_SessionToken(t *testing.T) {
	cp, err := ParseCredential("AKIA:secret:session")
	if err != nil {
		t.Fatalf("ParseCredential: %v", err)
	}
	creds, _ := cp.Retrieve(context.Background())
	if creds.SessionToken != "session" {
		t.Errorf("SessionToken = %q", creds.SessionToken)
	}
}

func TestMapModelID(t *testing.T) {
	if got := MapModelID("claude-3-5-sonnet"); got != "anthropic.claude-3-5-sonnet-20241022-v2:0" {
		t.Errorf("MapModelID = %s", got)
	}
	if got := MapModelID("meta.llama3-8b-instruct-v1:0"); got != "meta.llama3-8b-instruct-v1:0" {
		t.Errorf("full IDs should pass through, got %s", got)
	}
}
