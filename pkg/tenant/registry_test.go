package tenant

import (
	"context"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	t.Cleanup(r.Close)
	return r
}

func TestRegistry_GetUnknownTenant(t *testing.T) {
	r := newTestRegistry(t)

	if _, err := r.Get("acme"); err == nil {
		t.Fatal("expected error for unknown tenant")
	}
}

func TestRegistry_Reload(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	err := r.Reload(ctx, StaticSource{validTenant()})
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	tn, err := r.Get("acme")
	if err != nil {
		t.Fatalf("Get failed after reload: %v", err)
	}
	if tn.Name != "Acme Commerce" {
		t.Errorf("tenant name = %q", tn.Name)
	}
	if len(r.All()) != 1 {
		t.Errorf("All() returned %d tenants, want 1", len(r.All()))
	}
}

func TestRegistry_InvalidReloadKeepsPrevious(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Reload(ctx, StaticSource{validTenant()}); err != nil {
		t.Fatalf("initial reload failed: %v", err)
	}

	bad := validTenant()
	bad.BaseURL = "not a url at all://"
	other := validTenant()
	other.ID = "globex"

	// One malformed tenant rejects the whole reload.
	if err := r.Reload(ctx, StaticSource{other, bad}); err == nil {
		t.Fatal("reload with malformed tenant should fail")
	}

	if _, err := r.Get("acme"); err != nil {
		t.Error("previous configuration should remain live after failed reload")
	}
	if _, err := r.Get("globex"); err == nil {
		t.Error("failed reload must not apply partially")
	}
}

func TestRegistry_ReloadRejectsDuplicateIDs(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Reload(context.Background(), StaticSource{validTenant(), validTenant()}); err == nil {
		t.Fatal("duplicate tenant ids should reject the reload")
	}
}

func TestCheckRateLimit_PerSecond(t *testing.T) {
	r := newTestRegistry(t)
	limits := RateLimits{PerSecond: 2}

	for i := 0; i < 2; i++ {
		if ok, _ := r.CheckRateLimit("acme", "c1", limits); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	ok, retryAfter := r.CheckRateLimit("acme", "c1", limits)
	if ok {
		t.Fatal("third request within the same second should be rejected")
	}
	if retryAfter <= 0 || retryAfter > time.Second {
		t.Errorf("retryAfter = %v, want within (0, 1s]", retryAfter)
	}

	time.Sleep(1100 * time.Millisecond)

	if ok, _ := r.CheckRateLimit("acme", "c1", limits); !ok {
		t.Error("request after the window slides should be allowed")
	}
}

func TestCheckRateLimit_ClientsAreIndependent(t *testing.T) {
	r := newTestRegistry(t)
	limits := RateLimits{PerSecond: 1}

	r.CheckRateLimit("acme", "c1", limits)

	if ok, _ := r.CheckRateLimit("acme", "c2", limits); !ok {
		t.Error("another client should have its own window")
	}
	if ok, _ := r.CheckRateLimit("globex", "c1", limits); !ok {
		t.Error("another tenant should have its own window")
	}
}

func TestCheckRateLimit_MinuteCeiling(t *testing.T) {
	r := newTestRegistry(t)
	limits := RateLimits{PerMinute: 3}

	for i := 0; i < 3; i++ {
		if ok, _ := r.CheckRateLimit("acme", "c1", limits); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	ok, retryAfter := r.CheckRateLimit("acme", "c1", limits)
	if ok {
		t.Fatal("fourth request should exceed the minute ceiling")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Errorf("retryAfter = %v, want within (0, 1m]", retryAfter)
	}
}

func TestCheckRateLimit_ZeroLimitsUnlimited(t *testing.T) {
	r := newTestRegistry(t)

	for i := 0; i < 100; i++ {
		if ok, _ := r.CheckRateLimit("acme", "c1", RateLimits{}); !ok {
			t.Fatal("zero limits should never reject")
		}
	}
}

func TestRateLimiter_Prune(t *testing.T) {
	l := newRateLimiter()
	now := time.Now()

	l.check("acme:c1", RateLimits{PerSecond: 10}, now.Add(-2*time.Hour))
	l.check("acme:c2", RateLimits{PerSecond: 10}, now)

	l.prune(now)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.windows["acme:c1"]; ok {
		t.Error("idle window should be pruned")
	}
	if _, ok := l.windows["acme:c2"]; !ok {
		t.Error("active window should survive pruning")
	}
}
