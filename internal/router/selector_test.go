package router

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/gabztoo/Perpetuo/internal/domain"
	"github.com/gabztoo/Perpetuo/internal/strategy"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func providers(names ...string) []domain.ProviderConfig {
	out := make([]domain.ProviderConfig, len(names))
	for i, n := range names {
		out[i] = domain.ProviderConfig{Name: n, Enabled: true, Priority: i + 1}
	}
	return out
}

func names(ps []domain.ProviderConfig) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Name
	}
	return out
}

func TestSelectAndOrder_Trivial(t *testing.T) {
	for _, s := range []strategy.Strategy{strategy.Default, strategy.Fastest, strategy.Cheapest, strategy.Reliable} {
		if got := SelectAndOrder(nil, nil, s, nil); len(got) != 0 {
			t.Errorf("%s: expected empty result, got %v", s, got)
		}
		one := providers("groq")
		if got := SelectAndOrder(one, nil, s, nil); len(got) != 1 || got[0].Name != "groq" {
			t.Errorf("%s: single provider should be returned unchanged, got %v", s, got)
		}
	}
}

func TestSelectAndOrder_Default(t *testing.T) {
	in := providers("groq", "gemini", "openai")
	got := SelectAndOrder(in, nil, strategy.Default, map[string]Metrics{
		"openai": {ErrorRate: 0},
	})
	require.Equal(t, []string{"groq", "gemini", "openai"}, names(got))
}

func TestSelectAndOrder_Cheapest(t *testing.T) {
	in := providers("openai", "groq", "gemini", "bedrock")
	models := []domain.ModelConfig{
		{Name: "gpt-4o", Provider: "openai", CostPer1kInput: 0.005, CostPer1kOutput: 0.015},
		{Name: "gpt-4o-mini", Provider: "openai", CostPer1kInput: 0.00015, CostPer1kOutput: 0.0006},
		{Name: "llama3-8b-8192", Provider: "groq", CostPer1kInput: 0.00005, CostPer1kOutput: 0.00008},
		{Name: "gemini-1.5-flash", Provider: "gemini", CostPer1kInput: 0.000075, CostPer1kOutput: 0.0003},
	}

	got := SelectAndOrder(in, models, strategy.Cheapest, nil)
	require.Equal(t, []string{"groq", "gemini", "openai", "bedrock"}, names(got))
	require.Equal(t, []string{"openai", "groq", "gemini", "bedrock"}, names(in), "input must not be mutated")
}

func TestSelectAndOrder_Fastest(t *testing.T) {
	now := time.Now()
	in := providers("groq", "gemini", "openai", "openrouter")
	metrics := map[string]Metrics{
		"groq":   {AvgLatencyMs: 300, LastSuccess: now.Add(-time.Minute)},
		"gemini": {AvgLatencyMs: 900, LastSuccess: now},
		"openai": {AvgLatencyMs: 100, LastSuccess: now},
	}

	got := SelectAndOrder(in, nil, strategy.Fastest, metrics)
	require.Equal(t, []string{"openai", "gemini", "groq", "openrouter"}, names(got))

	got = SelectAndOrder(in, nil, strategy.Fastest, nil)
	require.Equal(t, names(in), names(got))
}

func TestSelectAndOrder_Reliable(t *testing.T) {
	in := providers("groq", "gemini", "openai")
	metrics := map[string]Metrics{
		"groq":   {ErrorRate: 0.5},
		"gemini": {ErrorRate: 0.1},
	}

	got := SelectAndOrder(in, nil, strategy.Reliable, metrics)
	require.Equal(t, []string{"gemini", "groq", "openai"}, names(got))

	got = SelectAndOrder(in, nil, strategy.Reliable, map[string]Metrics{})
	require.Equal(t, names(in), names(got))
}

func TestMeanCost_NoModels(t *testing.T) {
	if got := MeanCost("ghost", nil); !math.IsInf(got, 1) {
		t.Errorf("MeanCost without models = %v, want +Inf", got)
	}
}

func TestSelectAndOrder_CheapestIsSortedAndStable(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 8).Draw(t, "n")
		in := make([]domain.ProviderConfig, n)
		var models []domain.ModelConfig
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("p%d", i)
			in[i] = domain.ProviderConfig{Name: name, Priority: i}
			// A small price set makes ties frequent.
			modelCount := rapid.IntRange(0, 2).Draw(t, "models_"+name)
			for j := 0; j < modelCount; j++ {
				price := float64(rapid.IntRange(0, 3).Draw(t, "price")) / 1000
				models = append(models, domain.ModelConfig{
					Name:            fmt.Sprintf("%s-m%d", name, j),
					Provider:        name,
					CostPer1kInput:  price,
					CostPer1kOutput: price,
				})
			}
		}

		out := SelectAndOrder(in, models, strategy.Cheapest, nil)
		require.Len(t, out, n)

		position := make(map[string]int, n)
		for i, p := range in {
			position[p.Name] = i
		}
		for i := 1; i < len(out); i++ {
			prev, cur := MeanCost(out[i-1].Name, models), MeanCost(out[i].Name, models)
			require.LessOrEqual(t, prev, cur, "cost must be non-decreasing")
			if prev == cur {
				require.Less(t, position[out[i-1].Name], position[out[i].Name], "ties must keep input order")
			}
		}
	})
}
