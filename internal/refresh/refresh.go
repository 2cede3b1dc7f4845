// Package refresh keeps OAuth access tokens fresh: single-flight per
// credential, scheduled sweeps, serial refresh per provider.
package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/typ"
)

// TokenSource performs the provider-specific token exchange for one kind.
// Implementations live with the upstream adapters.
type TokenSource interface {
	RefreshToken(ctx context.Context, c *typ.Credential) (*typ.OAuthDetail, error)
}

// Refresher coordinates token refresh across all credentials. Concurrent
// callers for the same credential join one in-flight refresh.
type Refresher struct {
	store    *config.CredentialStore
	skew     time.Duration
	interval time.Duration
	// usageWindow is the freshness window for credentials whose "expiry" is
	// really a usage-snapshot age (the web-chat kind).
	usageWindow time.Duration

	group singleflight.Group

	mu      sync.RWMutex
	sources map[typ.ProviderKind]TokenSource

	now func() time.Time
}

// New creates a refresher over the credential store.
func New(store *config.CredentialStore, settings *config.Settings) *Refresher {
	return &Refresher{
		store:       store,
		skew:        config.DefaultRefreshSkew,
		interval:    settings.RefreshInterval(),
		usageWindow: settings.RefreshInterval(),
		sources:     make(map[typ.ProviderKind]TokenSource),
		now:         time.Now,
	}
}

// Register binds the token source for one provider kind.
func (r *Refresher) Register(kind typ.ProviderKind, src TokenSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[kind] = src
}

func (r *Refresher) source(kind typ.ProviderKind) TokenSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sources[kind]
}

// expiry returns the credential's effective token expiry: the stored value
// when present, otherwise the exp claim of the access token.
func (r *Refresher) expiry(c *typ.Credential) time.Time {
	if exp := c.TokenExpiry(); !exp.IsZero() {
		return exp
	}
	if c.OAuthDetail == nil || c.OAuthDetail.AccessToken == "" {
		return time.Time{}
	}
	tok, _, err := jwt.NewParser().ParseUnverified(c.OAuthDetail.AccessToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := tok.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// IsExpiryNear reports whether the credential should be refreshed now. For
// snapshot-style credentials the usage snapshot age stands in for expiry.
func (r *Refresher) IsExpiryNear(c *typ.Credential) bool {
	now := r.now()
	if c.AuthType != typ.AuthTypeOAuth {
		if c.Usage != nil {
			return now.Sub(c.Usage.FetchedAt) >= r.usageWindow
		}
		return false
	}
	exp := r.expiry(c)
	if exp.IsZero() {
		return false
	}
	return !now.Add(r.skew).Before(exp)
}

// Refresh refreshes the credential when its expiry is near; otherwise it is
// a no-op. Concurrent callers join the in-flight refresh.
func (r *Refresher) Refresh(ctx context.Context, c *typ.Credential) error {
	if !r.IsExpiryNear(c) {
		return nil
	}
	return r.do(ctx, c)
}

// ForceRefresh refreshes unconditionally.
func (r *Refresher) ForceRefresh(ctx context.Context, c *typ.Credential) error {
	return r.do(ctx, c)
}

func (r *Refresher) do(ctx context.Context, c *typ.Credential) error {
	_, err, _ := r.group.Do(c.UUID, func() (interface{}, error) {
		src := r.source(c.ProviderKind)
		if src == nil {
			return nil, fmt.Errorf("no token source for provider kind %s", c.ProviderKind)
		}
		detail, err := src.RefreshToken(ctx, c)
		if err != nil {
			// A refresh failure counts against the credential but never
			// quarantines on its own; the next request decides that.
			c.ErrorCount++
			c.LastErrorAt = r.now()
			c.LastErrorMsg = err.Error()
			logrus.Warnf("token refresh failed for credential %s: %v", c.UUID, err)
			return nil, err
		}
		c.OAuthDetail = detail
		if err := r.store.Save(); err != nil {
			logrus.Errorf("failed to persist refreshed token for %s: %v", c.UUID, err)
		}
		logrus.Infof("refreshed token for credential %s, expires %s", c.UUID, detail.ExpiresAt)
		return nil, nil
	})
	return err
}

// Run executes the scheduler loop until ctx is cancelled. Each tick
// enumerates near-expiry credentials and refreshes them serially per
// provider, keeping upstreams off a refresh storm.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Refresher) sweep(ctx context.Context) {
	for _, kind := range r.store.Kinds() {
		for _, c := range r.store.ByKind(kind) {
			if ctx.Err() != nil {
				return
			}
			if c.IsDisabled || !r.IsExpiryNear(c) {
				continue
			}
			if err := r.do(ctx, c); err != nil {
				logrus.Debugf("scheduled refresh for %s: %v", c.UUID, err)
			}
		}
	}
}
