package router

import (
	"context"
	"sort"
	"sync"

	"github.com/gabztoo/Perpetuo/internal/domain"
)

// Provider executes a chat completion against one upstream. credential is the
// caller-supplied BYOK secret for that upstream.
type Provider interface {
	ID() string
	ChatCompletion(ctx context.Context, req domain.ChatRequest, credential string) (*domain.ChatResponse, error)
}

// Registry holds the provider clients the gateway can call. It is rebuilt
// whenever the catalog reloads.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry(providers map[string]Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for name, p := range providers {
		r.providers[name] = p
	}
	return r
}

func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Replace swaps the whole provider set atomically.
func (r *Registry) Replace(providers map[string]Provider) {
	next := make(map[string]Provider, len(providers))
	for name, p := range providers {
		next[name] = p
	}
	r.mu.Lock()
	r.providers = next
	r.mu.Unlock()
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
