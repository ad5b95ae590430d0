package router

import (
	"math"
	"sort"

	"github.com/gabztoo/Perpetuo/internal/domain"
	"github.com/gabztoo/Perpetuo/internal/strategy"
)

// SelectAndOrder orders eligible providers for the given strategy. The input is
// assumed to be priority-sorted already; every ordering is stable so ties keep
// that order. metrics may be nil.
func SelectAndOrder(providers []domain.ProviderConfig, models []domain.ModelConfig, s strategy.Strategy, metrics map[string]Metrics) []domain.ProviderConfig {
	if len(providers) <= 1 {
		return providers
	}

	out := make([]domain.ProviderConfig, len(providers))
	copy(out, providers)

	switch s {
	case strategy.Fastest:
		if len(metrics) == 0 {
			return out
		}
		sort.SliceStable(out, func(i, j int) bool {
			a, b := speedOf(metrics, out[i].Name), speedOf(metrics, out[j].Name)
			if !a.LastSuccess.Equal(b.LastSuccess) {
				return a.LastSuccess.After(b.LastSuccess)
			}
			return a.AvgLatencyMs < b.AvgLatencyMs
		})
	case strategy.Cheapest:
		costs := meanCosts(out, models)
		sort.SliceStable(out, func(i, j int) bool {
			return costs[out[i].Name] < costs[out[j].Name]
		})
	case strategy.Reliable:
		if len(metrics) == 0 {
			return out
		}
		sort.SliceStable(out, func(i, j int) bool {
			return errorRateOf(metrics, out[i].Name) < errorRateOf(metrics, out[j].Name)
		})
	}

	return out
}

// MeanCost is the average of input+output price per 1k tokens over the
// provider's models, or +Inf when it has none.
func MeanCost(provider string, models []domain.ModelConfig) float64 {
	var sum float64
	var n int
	for _, m := range models {
		if m.Provider != provider {
			continue
		}
		sum += m.CostPer1kInput + m.CostPer1kOutput
		n++
	}
	if n == 0 {
		return math.Inf(1)
	}
	return sum / float64(n)
}

func meanCosts(providers []domain.ProviderConfig, models []domain.ModelConfig) map[string]float64 {
	costs := make(map[string]float64, len(providers))
	for _, p := range providers {
		costs[p.Name] = MeanCost(p.Name, models)
	}
	return costs
}

func speedOf(metrics map[string]Metrics, name string) Metrics {
	if m, ok := metrics[name]; ok {
		return m
	}
	return Metrics{AvgLatencyMs: math.Inf(1)}
}

func errorRateOf(metrics map[string]Metrics, name string) float64 {
	if m, ok := metrics[name]; ok {
		return m.ErrorRate
	}
	return 1.0
}
