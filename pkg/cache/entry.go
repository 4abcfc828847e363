// Package cache provides a multi-tier in-memory response cache with
// transparent compression, adaptive TTLs, and pattern-based invalidation.
//
// Entries live in one of three bounded tiers (hot, warm, cold). Hot holds
// short-lived and personalized payloads, cold holds static catalog data.
// Eviction within a tier is least-recently-used; evicted entries are demoted
// to the next colder tier until they fall out of cold entirely. Frequently
// accessed entries are promoted the other way.
package cache

import (
	"strings"
	"time"
)

// Tier identifies one of the cache partitions.
type Tier int

const (
	// TierHot holds short-TTL and personalized entries (20% of capacity).
	TierHot Tier = iota

	// TierWarm holds medium-TTL entries (50% of capacity).
	TierWarm

	// TierCold holds long-TTL static entries (30% of capacity).
	TierCold
)

// String returns the lowercase tier name.
func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	default:
		return "unknown"
	}
}

// Entry is a single cached payload. Entries are owned by the Store and
// mutated only under the owning tier's lock; the payload itself is
// immutable once stored.
type Entry struct {
	Key         string
	Payload     []byte
	Compressed  bool
	Tier        Tier
	CreatedAt   time.Time
	ExpiresAt   time.Time
	AccessCount int64
	LastAccess  time.Time

	// size is the byte cost accounted against the tier budget.
	size int64
}

// expired reports whether the entry is past its expiry at the given time.
func (e *Entry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// tierFor selects the target tier for a key/TTL combination.
//
// Rules, in order: very short TTLs are hot; personalized keys are hot or
// warm depending on TTL; static catalog keys are cold; everything else is
// placed by TTL alone.
func tierFor(key string, ttl time.Duration) Tier {
	if ttl <= time.Minute {
		return TierHot
	}
	if strings.Contains(key, "personalized") || strings.Contains(key, "user") {
		if ttl <= 5*time.Minute {
			return TierHot
		}
		return TierWarm
	}
	if strings.Contains(key, "static") || strings.Contains(key, "catalog") {
		return TierCold
	}
	if ttl <= 5*time.Minute {
		return TierWarm
	}
	return TierCold
}
