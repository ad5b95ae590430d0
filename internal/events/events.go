// Package events emits audit events describing each routing decision.
//
// Emission never blocks a request: events go into a bounded buffer drained by
// a single goroutine, and an event that does not fit is dropped and counted.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gabztoo/Perpetuo/internal/metrics"
	"github.com/google/uuid"
)

type Type string

const (
	TypeRequestReceived  Type = "request_received"
	TypeAliasResolved    Type = "alias_resolved"
	TypeStrategyResolved Type = "strategy_resolved"
	TypeChainBuilt       Type = "chain_built"
	TypeProviderAttempt  Type = "provider_attempt"
	TypeProviderFailure  Type = "provider_failure"
	TypeRequestSucceeded Type = "request_succeeded"
	TypeRequestFailed    Type = "request_failed"
	TypeQuotaBlocked     Type = "quota_blocked"
)

type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	RequestID string         `json:"request_id"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives events from the emitter goroutine.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// Recorder is what request-path code depends on.
type Recorder interface {
	Emit(e Event)
}

const DefaultBufferSize = 1024

var ErrEmitterClosed = errors.New("event emitter closed")

type Emitter struct {
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	ch     chan Event
	done   chan struct{}
}

type Option func(*Emitter)

func WithBufferSize(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.ch = make(chan Event, n)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Emitter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Emitter) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEmitter starts the drain goroutine. Call Close to stop it.
func NewEmitter(sinks []Sink, opts ...Option) *Emitter {
	e := &Emitter{
		sinks:  sinks,
		logger: slog.Default(),
		now:    time.Now,
		ch:     make(chan Event, DefaultBufferSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.run()
	return e
}

// Emit fills in ID and Timestamp when unset and enqueues the event.
func (e *Emitter) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now().UTC()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		metrics.RecordEventDropped()
		return
	}

	select {
	case e.ch <- ev:
	default:
		metrics.RecordEventDropped()
		e.logger.Debug("event buffer full, dropping event", "type", string(ev.Type), "request_id", ev.RequestID)
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for ev := range e.ch {
		e.dispatch(ev)
	}
}

func (e *Emitter) dispatch(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, sink := range e.sinks {
		if err := sink.Write(ctx, ev); err != nil {
			e.logger.Warn("event sink write failed",
				"type", string(ev.Type),
				"request_id", ev.RequestID,
				"error", err,
			)
		}
	}
}

// Close stops accepting events and waits until the buffer is drained or ctx
// is done.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEmitterClosed
	}
	e.closed = true
	close(e.ch)
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Discard is a Recorder that drops everything.
type Discard struct{}

func (Discard) Emit(Event) {}
