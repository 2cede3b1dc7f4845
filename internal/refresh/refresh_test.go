package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/typ"
)

type fakeSource struct {
	calls   int32
	block   chan struct{}
	failErr error
}

func (f *fakeSource) RefreshToken(_ context.Context, c *typ.Credential) (*typ.OAuthDetail, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.block != nil {
		<-f.block
	}
	if f.failErr != nil {
		return nil, f.failErr
	}
	return &typ.OAuthDetail{
		AccessToken:  "new-token",
		RefreshToken: c.OAuthDetail.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Hour).Format(time.RFC3339),
	}, nil
}

func newTestRefresher(t *testing.T, creds ...*typ.Credential) *Refresher {
	t.Helper()
	store, err := config.NewCredentialStore(t.TempDir() + "/credentials.json")
	if err != nil {
		t.Fatalf("NewCredentialStore: %v", err)
	}
	for _, c := range creds {
		store.Add(c)
	}
	s := &config.Settings{}
	s.ApplyDefaults()
	return New(store, s)
}

func oauthCred(uuid string, expiresAt time.Time) *typ.Credential {
	return &typ.Credential{
		UUID:         uuid,
		ProviderKind: typ.ProviderAnthropic,
		AuthType:     typ.AuthTypeOAuth,
		OAuthDetail: &typ.OAuthDetail{
			AccessToken:  "old-token",
			RefreshToken: "rt",
			ExpiresAt:    expiresAt.Format(time.RFC3339),
		},
	}
}

func TestIsExpiryNear(t *testing.T) {
	r := newTestRefresher(t)

	soon := oauthCred("soon", time.Now().Add(time.Minute))
	if !r.IsExpiryNear(soon) {
		t.Error("token expiring inside the skew window should be near")
	}

	later := oauthCred("later", time.Now().Add(time.Hour))
	if r.IsExpiryNear(later) {
		t.Error("token expiring in an hour should not be near")
	}

	apiKey := &typ.Credential{UUID: "key", AuthType: typ.AuthTypeAPIKey, Token: "sk"}
	if r.IsExpiryNear(apiKey) {
		t.Error("plain api-key credential never nears expiry")
	}
}

func TestIsExpiryNearSnapshotWindow(t *testing.T) {
	r := newTestRefresher(t)

	c := &typ.Credential{
		UUID:         "web",
		ProviderKind: typ.ProviderWebChat,
		AuthType:     typ.AuthTypeAPIKey,
		Usage:        &typ.UsageSnapshot{FetchedAt: time.Now().Add(-time.Hour)},
	}
	if !r.IsExpiryNear(c) {
		t.Error("stale usage snapshot should count as near expiry")
	}
	c.Usage.FetchedAt = time.Now()
	if r.IsExpiryNear(c) {
		t.Error("fresh usage snapshot should not count as near expiry")
	}
}

func TestRefreshSkipsWhenNotNear(t *testing.T) {
	c := oauthCred("c", time.Now().Add(time.Hour))
	r := newTestRefresher(t, c)
	src := &fakeSource{}
	r.Register(typ.ProviderAnthropic, src)

	if err := r.Refresh(context.Background(), c); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if atomic.LoadInt32(&src.calls) != 0 {
		t.Error("refresh should be a no-op when expiry is not near")
	}
}

func TestForceRefreshUpdatesCredential(t *testing.T) {
	c := oauthCred("c", time.Now().Add(time.Hour))
	r := newTestRefresher(t, c)
	src := &fakeSource{}
	r.Register(typ.ProviderAnthropic, src)

	if err := r.ForceRefresh(context.Background(), c); err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	if c.OAuthDetail.AccessToken != "new-token" {
		t.Errorf("expected new access token, got %q", c.OAuthDetail.AccessToken)
	}
}

func TestRefreshFailureCountsButDoesNotQuarantine(t *testing.T) {
	c := oauthCred("c", time.Now().Add(time.Minute))
	r := newTestRefresher(t, c)
	src := &fakeSource{failErr: errors.New("upstream said no")}
	r.Register(typ.ProviderAnthropic, src)

	if err := r.Refresh(context.Background(), c); err == nil {
		t.Fatal("expected refresh error")
	}
	if c.ErrorCount != 1 {
		t.Errorf("expected error count 1, got %d", c.ErrorCount)
	}
	if c.HealthState == typ.HealthQuarantined {
		t.Error("refresh failure must not quarantine on its own")
	}
}

func TestSingleFlightRefresh(t *testing.T) {
	c := oauthCred("c", time.Now().Add(time.Minute))
	r := newTestRefresher(t, c)
	src := &fakeSource{block: make(chan struct{})}
	r.Register(typ.ProviderAnthropic, src)

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.ForceRefresh(context.Background(), c)
		}()
	}

	// Let the callers pile onto the in-flight refresh, then release it.
	time.Sleep(50 * time.Millisecond)
	close(src.block)
	wg.Wait()

	if got := atomic.LoadInt32(&src.calls); got != 1 {
		t.Errorf("expected exactly one refresh in flight, got %d", got)
	}
}

func TestMissingTokenSource(t *testing.T) {
	c := oauthCred("c", time.Now().Add(time.Minute))
	r := newTestRefresher(t, c)
	if err := r.ForceRefresh(context.Background(), c); err == nil {
		t.Fatal("expected error when no token source is registered")
	}
}
