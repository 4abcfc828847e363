package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrTenantNotFound indicates the requested tenant is not configured.
var ErrTenantNotFound = errors.New("tenant not found")

// Registry serves immutable tenant configuration snapshots and enforces
// per-tenant rate limits. Reload swaps the whole snapshot atomically;
// readers never observe a partially updated map.
type Registry struct {
	snapshot atomic.Value // map[string]*Tenant
	limiter  *rateLimiter
	logger   zerolog.Logger

	stopCh  chan struct{}
	stopped sync.Once
}

// NewRegistry creates an empty registry and starts the rate-window pruning
// loop. Call Close to stop background work.
func NewRegistry() *Registry {
	r := &Registry{
		limiter: newRateLimiter(),
		logger:  log.With().Str("component", "tenant-registry").Logger(),
		stopCh:  make(chan struct{}),
	}
	r.snapshot.Store(map[string]*Tenant{})

	go r.pruneLoop()

	return r
}

// Close stops the registry's background pruning.
func (r *Registry) Close() {
	r.stopped.Do(func() { close(r.stopCh) })
}

func (r *Registry) tenants() map[string]*Tenant {
	return r.snapshot.Load().(map[string]*Tenant)
}

// Get returns the tenant for id, or ErrTenantNotFound.
func (r *Registry) Get(id string) (*Tenant, error) {
	t, ok := r.tenants()[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTenantNotFound, id)
	}
	return t, nil
}

// All returns every configured tenant in the current snapshot.
func (r *Registry) All() []*Tenant {
	m := r.tenants()
	out := make([]*Tenant, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	return out
}

// Reload loads tenants from the source, validates them all, and swaps the
// snapshot. A malformed configuration rejects the entire reload and keeps
// the previous snapshot live.
func (r *Registry) Reload(ctx context.Context, src Source) error {
	tenants, err := src.Load(ctx)
	if err != nil {
		return fmt.Errorf("load tenant configuration: %w", err)
	}

	next := make(map[string]*Tenant, len(tenants))
	for i := range tenants {
		t := &tenants[i]
		if err := t.compile(); err != nil {
			return fmt.Errorf("validate tenant configuration: %w", err)
		}
		if _, dup := next[t.ID]; dup {
			return fmt.Errorf("validate tenant configuration: duplicate tenant id %q", t.ID)
		}
		next[t.ID] = t
	}

	r.snapshot.Store(next)
	r.logger.Info().
		Int("tenants", len(next)).
		Msg("Tenant configuration reloaded")
	return nil
}

// CheckRateLimit checks the tenant's windows for one client and, when the
// request is admitted, records it. Returns whether the request is allowed
// and, if not, how long the client should wait.
func (r *Registry) CheckRateLimit(tenantID, clientKey string, limits RateLimits) (bool, time.Duration) {
	allowed, retryAfter := r.limiter.check(tenantID+":"+clientKey, limits, time.Now())
	if !allowed {
		rateLimitRejections.WithLabelValues(tenantID).Inc()
		r.logger.Warn().
			Str("tenant", tenantID).
			Str("client", clientKey).
			Dur("retry_after", retryAfter).
			Msg("Rate limit exceeded")
	}
	return allowed, retryAfter
}

// pruneLoop drops rate windows that have gone idle.
func (r *Registry) pruneLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case now := <-ticker.C:
			r.limiter.prune(now)
		}
	}
}
