package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/modelrelay/modelrelay/internal/typ"
)

// DefaultCatalogTTL is how long a fetched model list stays fresh.
const DefaultCatalogTTL = 10 * time.Minute

// Catalog caches each provider's model list so the list endpoints do not hit
// upstreams on every call.
type Catalog struct {
	registry *Registry
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[typ.ProviderKind]*catalogEntry
}

type catalogEntry struct {
	models    []typ.ModelInfo
	updatedAt time.Time
}

func NewCatalog(registry *Registry, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = DefaultCatalogTTL
	}
	return &Catalog{
		registry: registry,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[typ.ProviderKind]*catalogEntry),
	}
}

// Models returns the catalogue for kind and the time it was last fetched,
// refreshing through the adapter once the entry goes stale. A stale entry is
// still served when the upstream refuses the refresh.
func (c *Catalog) Models(ctx context.Context, kind typ.ProviderKind, cred *typ.Credential) ([]typ.ModelInfo, time.Time, error) {
	c.mu.Lock()
	if e := c.entries[kind]; e != nil && c.now().Sub(e.updatedAt) < c.ttl {
		models, at := e.models, e.updatedAt
		c.mu.Unlock()
		return models, at, nil
	}
	c.mu.Unlock()

	adapter := c.registry.For(kind)
	if adapter == nil {
		return nil, time.Time{}, fmt.Errorf("no adapter registered for provider kind %q", kind)
	}
	models, err := adapter.ListModels(ctx, cred)
	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if e := c.entries[kind]; e != nil {
			logrus.Warnf("model list refresh for %s failed, serving stale catalogue: %v", kind, err)
			return e.models, e.updatedAt, nil
		}
		return nil, time.Time{}, err
	}

	at := c.now()
	c.mu.Lock()
	c.entries[kind] = &catalogEntry{models: models, updatedAt: at}
	c.mu.Unlock()
	return models, at, nil
}

// Invalidate drops the cached entry for kind.
func (c *Catalog) Invalidate(kind typ.ProviderKind) {
	c.mu.Lock()
	delete(c.entries, kind)
	c.mu.Unlock()
}
