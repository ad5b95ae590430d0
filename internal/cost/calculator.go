// Package cost prices requests and keeps the per-request usage log.
package cost

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gabztoo/Perpetuo/internal/domain"
)

type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// DefaultPricing applies to models with no table or catalog entry.
var DefaultPricing = ModelPricing{InputPer1K: 0.001, OutputPer1K: 0.002}

// Entries match by exact name first, then by longest prefix, so dated or
// suffixed model names inherit their family's price.
var builtinPricing = map[string]ModelPricing{
	// OpenAI
	"gpt-4":         {InputPer1K: 0.03, OutputPer1K: 0.06},
	"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-4o":        {InputPer1K: 0.005, OutputPer1K: 0.015},
	"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},

	// Anthropic
	"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku":  {InputPer1K: 0.001, OutputPer1K: 0.005},
	"claude-3-opus":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-3-sonnet":   {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},

	// Google
	"gemini-1.0-pro":   {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"gemini-1.5-flash": {InputPer1K: 0.000075, OutputPer1K: 0.0003},
	"gemini-1.5-pro":   {InputPer1K: 0.00125, OutputPer1K: 0.005},
	"gemini-2.0-flash": {InputPer1K: 0.0001, OutputPer1K: 0.0004},

	// Groq
	"llama-3.1-8b-instant":    {InputPer1K: 0.00005, OutputPer1K: 0.00008},
	"llama-3.3-70b-versatile": {InputPer1K: 0.00059, OutputPer1K: 0.00079},
	"mixtral-8x7b":            {InputPer1K: 0.00024, OutputPer1K: 0.00024},

	// Bedrock model IDs
	"anthropic.claude-3-haiku":  {InputPer1K: 0.00025, OutputPer1K: 0.00125},
	"anthropic.claude-3-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"amazon.titan-text":         {InputPer1K: 0.0003, OutputPer1K: 0.0004},
}

type Calculator struct {
	mu       sync.RWMutex
	pricing  map[string]ModelPricing
	prefixes []string // longest first
}

func NewCalculator() *Calculator {
	c := &Calculator{pricing: make(map[string]ModelPricing, len(builtinPricing))}
	for model, p := range builtinPricing {
		c.pricing[model] = p
	}
	c.rebuildPrefixes()
	return c
}

func (c *Calculator) rebuildPrefixes() {
	c.prefixes = c.prefixes[:0]
	for model := range c.pricing {
		c.prefixes = append(c.prefixes, model)
	}
	sort.Slice(c.prefixes, func(i, j int) bool {
		if len(c.prefixes[i]) != len(c.prefixes[j]) {
			return len(c.prefixes[i]) > len(c.prefixes[j])
		}
		return c.prefixes[i] < c.prefixes[j]
	})
}

// SetPricing overrides or adds a model price. Catalog models call this at load.
func (c *Calculator) SetPricing(model string, pricing ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing[model] = pricing
	c.rebuildPrefixes()
}

// LoadCatalog registers the prices of every catalog model that declares one.
func (c *Calculator) LoadCatalog(models []domain.ModelConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range models {
		if m.CostPer1kInput == 0 && m.CostPer1kOutput == 0 {
			continue
		}
		c.pricing[m.Name] = ModelPricing{InputPer1K: m.CostPer1kInput, OutputPer1K: m.CostPer1kOutput}
	}
	c.rebuildPrefixes()
}

func (c *Calculator) Pricing(model string) ModelPricing {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.pricing[model]; ok {
		return p
	}
	for _, prefix := range c.prefixes {
		if strings.HasPrefix(model, prefix) {
			return c.pricing[prefix]
		}
	}
	return DefaultPricing
}

// Calculate returns the request cost in USD rounded to the nano-dollar.
func (c *Calculator) Calculate(model string, usage domain.Usage) float64 {
	p := c.Pricing(model)

	inputNano := float64(usage.PromptTokens) / 1000 * (p.InputPer1K * 1e9)
	outputNano := float64(usage.CompletionTokens) / 1000 * (p.OutputPer1K * 1e9)

	return math.Round(inputNano+outputNano) / 1e9
}

type UsageRecord struct {
	TenantID     string
	RequestID    string
	Model        string
	Provider     string
	Strategy     string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	LatencyMs    int64
	FallbackUsed bool
	Timestamp    time.Time
}

// Tracker is the usage log. Record is idempotent per RequestID so replays
// never produce a second row.
type Tracker interface {
	Record(ctx context.Context, record UsageRecord) error
	GetTenantUsage(ctx context.Context, tenantID string, since time.Time) ([]UsageRecord, error)
	GetTenantTotalCost(ctx context.Context, tenantID string, since time.Time) (float64, error)
}

// DefaultRetention bounds the in-memory usage log: long enough for the
// admin "today" view in any timezone, short enough not to grow unbounded.
const DefaultRetention = 48 * time.Hour

const pruneInterval = time.Minute

type InMemoryTracker struct {
	mu        sync.RWMutex
	records   []UsageRecord
	ids       map[string]time.Time
	retention time.Duration
	lastPrune time.Time
	now       func() time.Time
}

type TrackerOption func(*InMemoryTracker)

func WithRetention(d time.Duration) TrackerOption {
	return func(t *InMemoryTracker) {
		if d > 0 {
			t.retention = d
		}
	}
}

func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *InMemoryTracker) {
		if now != nil {
			t.now = now
		}
	}
}

func NewInMemoryTracker(opts ...TrackerOption) *InMemoryTracker {
	t := &InMemoryTracker{
		records:   make([]UsageRecord, 0),
		ids:       make(map[string]time.Time),
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *InMemoryTracker) Record(ctx context.Context, record UsageRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.pruneLocked(now)

	if record.Timestamp.IsZero() {
		record.Timestamp = now
	}
	if record.RequestID != "" {
		id := record.TenantID + ":" + record.RequestID
		if _, dup := t.ids[id]; dup {
			return nil
		}
		t.ids[id] = record.Timestamp
	}
	t.records = append(t.records, record)
	return nil
}

// pruneLocked drops records older than the retention window, at most once
// per pruneInterval.
func (t *InMemoryTracker) pruneLocked(now time.Time) {
	if now.Sub(t.lastPrune) < pruneInterval {
		return
	}
	t.lastPrune = now
	cutoff := now.Add(-t.retention)

	kept := t.records[:0]
	for _, r := range t.records {
		if !r.Timestamp.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	clear(t.records[len(kept):])
	t.records = kept

	for id, at := range t.ids {
		if at.Before(cutoff) {
			delete(t.ids, id)
		}
	}
}

func (t *InMemoryTracker) GetTenantUsage(ctx context.Context, tenantID string, since time.Time) ([]UsageRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var result []UsageRecord
	for _, r := range t.records {
		if r.TenantID == tenantID && !r.Timestamp.Before(since) {
			result = append(result, r)
		}
	}
	return result, nil
}

func (t *InMemoryTracker) GetTenantTotalCost(ctx context.Context, tenantID string, since time.Time) (float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var totalNano int64
	for _, r := range t.records {
		if r.TenantID == tenantID && !r.Timestamp.Before(since) {
			totalNano += int64(math.Round(r.CostUSD * 1e9))
		}
	}
	return float64(totalNano) / 1e9, nil
}
