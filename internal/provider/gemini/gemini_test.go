package gemini

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gabztoo/Perpetuo/internal/domain"
	"github.com/goccy/go-json"
)

func TestProvider_ChatCompletion(t *testing.T) {
	var sent generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-1.5-flash:generateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "AIza-test" {
			t.Errorf("api key header = %q", r.Header.Get("x-goog-api-key"))
		}
		if r.URL.Query().Get("key") != "" {
			t.Error("credential must not be sent in the query string")
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &sent)

		w.Write([]byte(`{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "Olá"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 2, "totalTokenCount": 9}
		}`))
	}))
	defer srv.Close()

	maxTokens := 64
	p := New("gemini", srv.URL, srv.Client())
	resp, err := p.ChatCompletion(context.Background(), domain.ChatRequest{
		Model: "gemini-1.5-flash",
		Messages: []domain.Message{
			{Role: "system", Content: "answer in portuguese"},
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "oi"},
			{Role: "user", Content: "again"},
		},
		MaxTokens: &maxTokens,
	}, "AIza-test")
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}

	if len(sent.Contents) != 3 || sent.Contents[1].Role != "model" {
		t.Errorf("contents = %+v", sent.Contents)
	}
	if sent.SystemInstruction == nil || sent.SystemInstruction.Parts[0].Text != "answer in portuguese" {
		t.Errorf("systemInstruction = %+v", sent.SystemInstruction)
	}
	if sent.GenerationConfig == nil || *sent.GenerationConfig.MaxOutputTokens != 64 {
		t.Errorf("generationConfig = %+v", sent.GenerationConfig)
	}

	if resp.Choices[0].Message.Content != "Olá" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if resp.Usage.PromptTokens != 7 || resp.Usage.CompletionTokens != 2 || resp.Usage.TotalTokens != 9 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if !strings.HasPrefix(resp.ID, "gemini-") {
		t.Errorf("ID = %s", resp.ID)
	}
}

func TestProvider_DefaultModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, DefaultModel) {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"candidates": []}`))
	}))
	defer srv.Close()

	p := New("gemini", srv.URL, srv.Client())
	resp, err := p.ChatCompletion(context.Background(), domain.ChatRequest{}, "k")
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if resp.Model != DefaultModel || resp.Choices[0].Message.Content != "" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestProvider_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer srv.Close()

	p := New("gemini", srv.URL, srv.Client())
	_, err := p.ChatCompletion(context.Background(), domain.ChatRequest{Model: "gemini-1.5-pro"}, "k")

	var pe *domain.ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != 429 || pe.Provider != "gemini" {
		t.Errorf("err = %v", err)
	}
}

func TestMapFinishReason(t *testing.T) {
	tests := map[string]string{
		"STOP":       "stop",
		"":           "stop",
		"MAX_TOKENS": "length",
		"SAFETY":     "content_filter",
		"OTHER":      "other",
	}
	for in, want := range tests {
		if got := mapFinishReason(in); got != want {
			t.Errorf("mapFinishReason(%q) = %s, want %s", in, got, want)
		}
	}
}
