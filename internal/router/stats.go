package router

import (
	"sync"
	"time"
)

// Metrics is the live view of one provider used by the fastest and reliable
// strategies.
type Metrics struct {
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	LastSuccess  time.Time `json:"last_success"`
	ErrorRate    float64   `json:"error_rate"`
	Samples      int       `json:"samples"`
}

const latencyAlpha = 0.2

// Stats aggregates per-provider outcomes of this instance: an exponentially
// weighted latency, the last success time, and an error rate over a trailing
// window of one-minute buckets.
type Stats struct {
	mu        sync.Mutex
	window    time.Duration
	now       func() time.Time
	providers map[string]*providerStats
}

type providerStats struct {
	avgLatencyMs float64
	lastSuccess  time.Time
	buckets      map[int64]*bucket
}

type bucket struct {
	ok   int
	fail int
}

type StatsOption func(*Stats)

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) StatsOption {
	return func(s *Stats) { s.now = now }
}

// WithWindow sets the trailing window for error rates. Default one hour.
func WithWindow(d time.Duration) StatsOption {
	return func(s *Stats) { s.window = d }
}

func NewStats(opts ...StatsOption) *Stats {
	s := &Stats{
		window:    time.Hour,
		now:       time.Now,
		providers: make(map[string]*providerStats),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stats) RecordSuccess(provider string, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ps := s.get(provider)
	ms := float64(latency) / float64(time.Millisecond)
	if ps.lastSuccess.IsZero() && ps.avgLatencyMs == 0 {
		ps.avgLatencyMs = ms
	} else {
		ps.avgLatencyMs = latencyAlpha*ms + (1-latencyAlpha)*ps.avgLatencyMs
	}
	ps.lastSuccess = now
	s.bucketAt(ps, now).ok++
}

func (s *Stats) RecordFailure(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.bucketAt(s.get(provider), now).fail++
}

// Snapshot returns metrics for every provider with at least one sample in
// the trailing window.
func (s *Stats) Snapshot() map[string]Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make(map[string]Metrics, len(s.providers))
	for name, ps := range s.providers {
		s.prune(ps, now)
		var ok, fail int
		for _, b := range ps.buckets {
			ok += b.ok
			fail += b.fail
		}
		total := ok + fail
		if total == 0 {
			continue
		}
		out[name] = Metrics{
			AvgLatencyMs: ps.avgLatencyMs,
			LastSuccess:  ps.lastSuccess,
			ErrorRate:    float64(fail) / float64(total),
			Samples:      total,
		}
	}
	return out
}

func (s *Stats) get(provider string) *providerStats {
	ps, ok := s.providers[provider]
	if !ok {
		ps = &providerStats{buckets: make(map[int64]*bucket)}
		s.providers[provider] = ps
	}
	return ps
}

func (s *Stats) bucketAt(ps *providerStats, now time.Time) *bucket {
	s.prune(ps, now)
	key := now.Unix() / 60
	b, ok := ps.buckets[key]
	if !ok {
		b = &bucket{}
		ps.buckets[key] = b
	}
	return b
}

func (s *Stats) prune(ps *providerStats, now time.Time) {
	oldest := now.Add(-s.window).Unix() / 60
	for key := range ps.buckets {
		if key <= oldest {
			delete(ps.buckets, key)
		}
	}
}
