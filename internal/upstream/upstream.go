// Package upstream hosts the provider adapters: direct SDK-backed ones and
// the reverse web-chat adapter.
package upstream

import (
	"context"
	"sync"

	"github.com/modelrelay/modelrelay/internal/typ"
)

// Stream is one in-flight streaming response. Recv returns io.EOF after the
// terminal delta; Close releases the upstream connection and is safe to call
// more than once.
type Stream interface {
	Recv() (typ.Delta, error)
	Close() error
}

// Adapter is the capability set every provider implements.
type Adapter interface {
	Kind() typ.ProviderKind
	Generate(ctx context.Context, c *typ.Credential, req *typ.Request) (*typ.Response, error)
	GenerateStream(ctx context.Context, c *typ.Credential, req *typ.Request) (Stream, error)
	ListModels(ctx context.Context, c *typ.Credential) ([]typ.ModelInfo, error)
}

// UsageReporter is implemented by adapters whose upstream exposes quota
// numbers.
type UsageReporter interface {
	UsageLimits(ctx context.Context, c *typ.Credential) (*typ.UsageSnapshot, error)
}

// TokenCounter is implemented by adapters whose upstream counts tokens
// server-side.
type TokenCounter interface {
	CountTokens(ctx context.Context, c *typ.Credential, req *typ.Request) (int64, error)
}

// Registry maps provider kinds to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[typ.ProviderKind]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[typ.ProviderKind]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// For returns the adapter for kind, or nil.
func (r *Registry) For(kind typ.ProviderKind) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[kind]
}
