package anthropic

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gabztoo/Perpetuo/internal/domain"
	"github.com/goccy/go-json"
)

func TestProvider_ChatCompletion(t *testing.T) {
	var sent messagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-ant-test" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("anthropic-version = %q", r.Header.Get("anthropic-version"))
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &sent)

		w.Write([]byte(`{
			"id": "msg_1",
			"content": [{"type": "text", "text": "Hello"}, {"type": "text", "text": " there"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 4}
		}`))
	}))
	defer srv.Close()

	p := New("anthropic", srv.URL, srv.Client())
	resp, err := p.ChatCompletion(context.Background(), domain.ChatRequest{
		Model: "claude-3-5-haiku-20241022",
		Messages: []domain.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
	}, "sk-ant-test")
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}

	if sent.System != "be brief" || len(sent.Messages) != 1 || sent.MaxTokens != defaultMaxTokens {
		t.Errorf("request = %+v", sent)
	}
	if resp.Choices[0].Message.Content != "Hello there" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens != 16 {
		t.Errorf("TotalTokens = %d", resp.Usage.TotalTokens)
	}
}

func TestProvider_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error"}}`))
	}))
	defer srv.Close()

	p := New("anthropic", srv.URL, srv.Client())
	_, err := p.ChatCompletion(context.Background(), domain.ChatRequest{Model: "claude-3-opus"}, "k")

	var pe *domain.ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != 529 {
		t.Errorf("err = %v", err)
	}
}

func TestMapStopReason(t *testing.T) {
	tests := map[string]string{
		"end_turn":      "stop",
		"stop_sequence": "stop",
		"max_tokens":    "length",
		"tool_use":      "tool_use",
	}
	for in, want := range tests {
		if got := MapStopReason(in); got != want {
			t.Errorf("MapStopReason(%s) = %s, want %s", in, got, want)
		}
	}
}
