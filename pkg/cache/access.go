package cache

import (
	"sync"
	"time"
)

const (
	// promotionHits is the access count within promotionWindow above which
	// a warm or cold hit is promoted to the next hotter tier.
	promotionHits = 3

	// promotionWindow is the trailing window for promotion decisions.
	promotionWindow = time.Minute

	// accessIdleLimit is how long an access record may sit unused before
	// the maintenance sweep drops it.
	accessIdleLimit = time.Hour

	// maxRecentAccesses bounds the per-key timestamp history.
	maxRecentAccesses = 16

	// Adaptive TTL thresholds: above hotRate accesses/sec the TTL is
	// doubled, below coldRate it is halved.
	hotRate  = 1.0
	coldRate = 0.01

	maxAdaptiveTTL = time.Hour
	minAdaptiveTTL = 30 * time.Second
)

// accessRecord is the rolling access history for one key.
type accessRecord struct {
	count       int64
	firstAccess time.Time
	lastAccess  time.Time
	tierHits    [3]int64

	// recent holds access timestamps within the promotion window.
	recent []time.Time
}

// accessTracker maintains per-key access frequency used for promotion and
// adaptive TTL decisions. All operations are in-memory and cheap; the map
// is pruned by the store's maintenance loop.
type accessTracker struct {
	mu      sync.Mutex
	records map[string]*accessRecord
}

func newAccessTracker() *accessTracker {
	return &accessTracker{records: make(map[string]*accessRecord)}
}

// record notes one access to key on the given tier.
func (a *accessTracker) record(key string, tier Tier, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.records[key]
	if !ok {
		r = &accessRecord{firstAccess: now}
		a.records[key] = r
	}
	r.count++
	r.lastAccess = now
	r.tierHits[tier]++

	r.recent = append(r.recent, now)
	r.trimRecent(now)
}

// trimRecent drops timestamps outside the promotion window and caps the
// history length. Caller must hold a.mu.
func (r *accessRecord) trimRecent(now time.Time) {
	cut := now.Add(-promotionWindow)
	i := 0
	for i < len(r.recent) && r.recent[i].Before(cut) {
		i++
	}
	if i > 0 {
		r.recent = append(r.recent[:0], r.recent[i:]...)
	}
	if len(r.recent) > maxRecentAccesses {
		r.recent = r.recent[len(r.recent)-maxRecentAccesses:]
	}
}

// promotable reports whether key has been accessed more than promotionHits
// times within the trailing promotion window.
func (a *accessTracker) promotable(key string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.records[key]
	if !ok {
		return false
	}
	r.trimRecent(now)
	return len(r.recent) > promotionHits
}

// adjustTTL applies the adaptive TTL rule to a base TTL: keys accessed
// faster than once per second get double the TTL (capped at one hour),
// keys accessed slower than once per 100 seconds get half (floored at 30
// seconds).
func (a *accessTracker) adjustTTL(key string, base time.Duration, now time.Time) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.records[key]
	if !ok || r.count == 0 {
		return base
	}

	elapsed := now.Sub(r.firstAccess).Seconds()
	if elapsed < 1 {
		return base
	}

	rate := float64(r.count) / elapsed
	switch {
	case rate > hotRate:
		ttl := base * 2
		if ttl > maxAdaptiveTTL {
			ttl = maxAdaptiveTTL
		}
		return ttl
	case rate < coldRate:
		ttl := base / 2
		if ttl < minAdaptiveTTL {
			ttl = minAdaptiveTTL
		}
		return ttl
	default:
		return base
	}
}

// prune drops records that have been idle longer than accessIdleLimit.
func (a *accessTracker) prune(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for key, r := range a.records {
		if now.Sub(r.lastAccess) >= accessIdleLimit {
			delete(a.records, key)
			removed++
		}
	}
	return removed
}

// forget removes the record for key, used when the key is deleted.
func (a *accessTracker) forget(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.records, key)
}
