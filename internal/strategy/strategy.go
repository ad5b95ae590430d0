// Package strategy resolves the provider ordering objective for a request.
package strategy

import (
	"strings"

	"github.com/gabztoo/Perpetuo/internal/domain"
)

type Strategy string

const (
	Default  Strategy = "default"
	Fastest  Strategy = "fastest"
	Cheapest Strategy = "cheapest"
	Reliable Strategy = "reliable"
)

type Source string

const (
	SourceHeader   Source = "header"
	SourceTenant   Source = "tenant"
	SourceFallback Source = "fallback"
)

type Resolution struct {
	Strategy Strategy `json:"strategy"`
	Source   Source   `json:"source"`
}

// Parse normalizes s and reports whether it names a known strategy.
func Parse(s string) (Strategy, bool) {
	switch v := Strategy(strings.ToLower(strings.TrimSpace(s))); v {
	case Default, Fastest, Cheapest, Reliable:
		return v, true
	}
	return "", false
}

// Resolve applies header > tenant default > fallback. Invalid candidates are
// ignored rather than rejected.
func Resolve(header, tenantDefault string) Resolution {
	if s, ok := Parse(header); ok {
		return Resolution{Strategy: s, Source: SourceHeader}
	}
	if s, ok := Parse(tenantDefault); ok {
		return Resolution{Strategy: s, Source: SourceTenant}
	}
	return Resolution{Strategy: Default, Source: SourceFallback}
}

// FromPolicyMode maps a route policy mode onto a strategy name.
func FromPolicyMode(mode domain.PolicyMode) string {
	switch mode {
	case domain.ModeReliable:
		return string(Reliable)
	case domain.ModeCheapest:
		return string(Cheapest)
	case domain.ModePassThrough, domain.ModeCustom:
		return string(Default)
	}
	return ""
}
