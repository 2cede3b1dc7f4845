// Package pool selects credentials per request, tracks their health, and
// applies per-provider failover chains.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/typ"
)

// Options controls one selection.
type Options struct {
	// SkipUsageCount leaves last_used_at untouched, for health probes and
	// background sweeps.
	SkipUsageCount bool
	// AcquireSlot reserves a concurrency slot on the selected credential.
	// Callers must release it on every exit path.
	AcquireSlot bool
}

// Selection is the result of a successful pick.
type Selection struct {
	Credential  *typ.Credential
	ActualKind  typ.ProviderKind
	ActualModel string
	IsFallback  bool
}

const warmupParallelism = 4

// Pool is the credential pool manager. All mutation of credential health and
// usage fields goes through the pool; the per-kind mutex serialises it.
type Pool struct {
	store         *config.CredentialStore
	maxErrorCount int
	slotCapacity  int
	fallback      map[typ.ProviderKind][]typ.FallbackRule

	mu     sync.Mutex
	kindMu map[typ.ProviderKind]*sync.Mutex

	slotMu sync.Mutex
	slots  map[string]int

	now func() time.Time
}

// New creates a pool over the given store.
func New(store *config.CredentialStore, settings *config.Settings) *Pool {
	return &Pool{
		store:         store,
		maxErrorCount: settings.MaxErrorCount,
		slotCapacity:  settings.SlotCapacity,
		fallback:      settings.FallbackChains,
		kindMu:        make(map[typ.ProviderKind]*sync.Mutex),
		slots:         make(map[string]int),
		now:           time.Now,
	}
}

func (p *Pool) lockFor(kind typ.ProviderKind) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.kindMu[kind]
	if !ok {
		m = &sync.Mutex{}
		p.kindMu[kind] = m
	}
	return m
}

// Select picks an eligible credential for kind, least recently used first.
// When no credential in the pool is eligible it walks the kind's fallback
// chain and returns a flagged selection. The error is
// typ.ErrNoHealthyCredential when nothing remains.
func (p *Pool) Select(kind typ.ProviderKind, model string, opts Options) (*Selection, error) {
	if sel := p.selectFromKind(kind, model, opts); sel != nil {
		sel.ActualKind = kind
		sel.ActualModel = model
		return sel, nil
	}

	for _, rule := range p.fallback[kind] {
		altModel := model
		if rule.ModelRewrite != "" {
			altModel = rule.ModelRewrite
		}
		if sel := p.selectFromKind(rule.Kind, altModel, opts); sel != nil {
			sel.ActualKind = rule.Kind
			sel.ActualModel = altModel
			sel.IsFallback = true
			logrus.Warnf("no healthy %s credential, falling back to %s (model %s)", kind, rule.Kind, altModel)
			return sel, nil
		}
	}
	return nil, typ.ErrNoHealthyCredential
}

// selectFromKind does one LRU pick under the kind lock, or returns nil.
func (p *Pool) selectFromKind(kind typ.ProviderKind, model string, opts Options) *Selection {
	mu := p.lockFor(kind)
	mu.Lock()
	defer mu.Unlock()

	now := p.now()
	var best *typ.Credential
	for _, c := range p.store.ByKind(kind) {
		p.reviveIfCooledDown(c, now)
		if !c.Eligible(now, 0) || !c.SupportsModel(model) {
			continue
		}
		if opts.AcquireSlot && !p.slotAvailable(c.UUID) {
			continue
		}
		if best == nil || c.LastUsedAt.Before(best.LastUsedAt) {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	if !opts.SkipUsageCount {
		best.LastUsedAt = now
	}
	if opts.AcquireSlot {
		p.acquireSlot(best.UUID)
	}
	return &Selection{Credential: best}
}

func (p *Pool) slotAvailable(uuid string) bool {
	if p.slotCapacity <= 0 {
		return true
	}
	p.slotMu.Lock()
	defer p.slotMu.Unlock()
	return p.slots[uuid] < p.slotCapacity
}

func (p *Pool) acquireSlot(uuid string) {
	p.slotMu.Lock()
	defer p.slotMu.Unlock()
	p.slots[uuid]++
}

// ReleaseSlot returns a concurrency slot acquired by Select.
func (p *Pool) ReleaseSlot(c *typ.Credential) {
	p.slotMu.Lock()
	defer p.slotMu.Unlock()
	if p.slots[c.UUID] > 0 {
		p.slots[c.UUID]--
	}
}

// InFlight reports the current slot count for a credential.
func (p *Pool) InFlight(c *typ.Credential) int {
	p.slotMu.Lock()
	defer p.slotMu.Unlock()
	return p.slots[c.UUID]
}

// MarkSuccess records a completed request: error state clears and the
// quarantine escalation resets.
func (p *Pool) MarkSuccess(c *typ.Credential) {
	mu := p.lockFor(c.ProviderKind)
	mu.Lock()
	defer mu.Unlock()

	c.ErrorCount = 0
	c.LastErrorMsg = ""
	c.QuarantineCount = 0
	if c.HealthState != typ.HealthHealthy {
		logrus.Infof("credential %s recovered to healthy", c.UUID)
		c.HealthState = typ.HealthHealthy
	}
}

// MarkFailure records an upstream error against the credential. Errors that
// are credential-scoped quarantine immediately; others count toward the
// threshold.
func (p *Pool) MarkFailure(c *typ.Credential, err error) {
	mu := p.lockFor(c.ProviderKind)
	mu.Lock()
	defer mu.Unlock()

	now := p.now()
	c.ErrorCount++
	c.LastErrorAt = now
	c.LastErrorMsg = err.Error()

	if typ.ShouldSwitchCredential(err) || c.ErrorCount >= p.maxErrorCount {
		p.quarantine(c, now, err)
		return
	}
	if c.HealthState == typ.HealthHealthy {
		logrus.Warnf("credential %s degraded (error %d/%d): %v", c.UUID, c.ErrorCount, p.maxErrorCount, err)
		c.HealthState = typ.HealthDegraded
	}
}

func (p *Pool) quarantine(c *typ.Credential, now time.Time, err error) {
	c.HealthState = typ.HealthQuarantined
	c.QuarantinedAt = now
	c.QuarantineCount++
	logrus.Warnf("credential %s quarantined for %s (count %d): %v",
		c.UUID, quarantineCooldown(c.QuarantineCount), c.QuarantineCount, err)
}

// quarantineCooldown grows exponentially with consecutive quarantines,
// capped at 30 seconds.
func quarantineCooldown(count int) time.Duration {
	d := config.DefaultQuarantineCooldown
	for i := 1; i < count; i++ {
		d *= 2
		if d >= config.MaxQuarantineCooldown {
			return config.MaxQuarantineCooldown
		}
	}
	return d
}

// reviveIfCooledDown ends a quarantine whose cooldown has elapsed. The
// credential comes back degraded; its error count stays, so the next failure
// re-quarantines it with a longer cooldown while a success clears everything.
func (p *Pool) reviveIfCooledDown(c *typ.Credential, now time.Time) {
	if c.HealthState != typ.HealthQuarantined {
		return
	}
	if now.Sub(c.QuarantinedAt) < quarantineCooldown(c.QuarantineCount) {
		return
	}
	logrus.Infof("credential %s quarantine cooldown elapsed, allowing probe", c.UUID)
	c.HealthState = typ.HealthDegraded
	c.ErrorCount = p.maxErrorCount - 1
}

// Warmup runs init for every credential with bounded parallelism. Failures
// downgrade health but never abort startup.
func (p *Pool) Warmup(ctx context.Context, init func(ctx context.Context, c *typ.Credential) error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(warmupParallelism)
	for _, c := range p.store.All() {
		c := c
		g.Go(func() error {
			if err := init(ctx, c); err != nil {
				logrus.Warnf("warmup failed for credential %s: %v", c.UUID, err)
				p.MarkFailure(c, err)
			}
			return nil
		})
	}
	g.Wait()
}

// Sweep enumerates credentials once, refreshing usage snapshots and pushing
// near-expiry ones to the refresher. Intended to run on the refresher tick.
func (p *Pool) Sweep(ctx context.Context, isExpiryNear func(c *typ.Credential) bool, refresh func(ctx context.Context, c *typ.Credential)) {
	for _, c := range p.store.All() {
		if ctx.Err() != nil {
			return
		}
		if c.IsDisabled {
			continue
		}
		if isExpiryNear(c) {
			refresh(ctx, c)
		}
	}
}
