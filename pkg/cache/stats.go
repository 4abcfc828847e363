package cache

// TierStats describes one tier's utilization.
type TierStats struct {
	Entries  int
	Bytes    int64
	Capacity int64
	Hits     int64
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits             int64
	Misses           int64
	CompressionSaved int64
	Tiers            map[string]TierStats
}

// HitRate returns the fraction of lookups served from cache.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Stats returns current hit/miss counts, per-tier utilization, and
// cumulative compression savings.
func (s *Store) Stats() Stats {
	st := Stats{
		Hits:             s.hits.Load(),
		Misses:           s.misses.Load(),
		CompressionSaved: s.compressionSaved.Load(),
		Tiers:            make(map[string]TierStats, 3),
	}
	for t := TierHot; t <= TierCold; t++ {
		entries, bytes := s.tiers[t].stats()
		st.Tiers[t.String()] = TierStats{
			Entries:  entries,
			Bytes:    bytes,
			Capacity: s.tiers[t].capacity,
			Hits:     s.tiers[t].hits.Load(),
		}
	}
	return st
}
