package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultCapacity is the total byte budget across all tiers.
	DefaultCapacity = 256 << 20 // 256 MiB

	// DefaultCompressionThreshold is the payload size at which entries
	// are compressed before storage.
	DefaultCompressionThreshold = 1 << 10 // 1 KiB

	// DefaultTTL is used when Set is called with a non-positive TTL.
	DefaultTTL = 5 * time.Minute

	// Tier shares of the total byte budget.
	hotShare  = 0.20
	warmShare = 0.50
	coldShare = 0.30
)

// Config holds cache store configuration.
type Config struct {
	// Capacity is the total byte budget, split 20% hot / 50% warm /
	// 30% cold.
	Capacity int64

	// CompressionThreshold is the minimum payload size for compression.
	CompressionThreshold int64

	// MaintenanceInterval controls how often expired entries are swept
	// and idle access records pruned.
	MaintenanceInterval time.Duration

	// Logger is the component logger. Defaults to the global logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:             DefaultCapacity,
		CompressionThreshold: DefaultCompressionThreshold,
		MaintenanceInterval:  time.Minute,
	}
}

// tierStore is one bounded LRU partition. The list front is the most
// recently used entry; list elements carry *Entry values.
type tierStore struct {
	tier     Tier
	capacity int64

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	bytes   int64
	hits    atomic.Int64
}

func newTierStore(tier Tier, capacity int64) *tierStore {
	return &tierStore{
		tier:     tier,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// get returns the live entry for key, updating recency. Expired entries are
// removed and reported as absent.
func (t *tierStore) get(key string, now time.Time) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.entries[key]
	if !ok {
		return nil, false
	}

	e := el.Value.(*Entry)
	if e.expired(now) {
		t.removeElement(el)
		return nil, false
	}

	e.AccessCount++
	e.LastAccess = now
	t.lru.MoveToFront(el)
	t.hits.Add(1)

	return e, true
}

// add inserts an entry, replacing any previous entry with the same key, and
// returns the entries evicted to stay within the byte budget (oldest first).
// An entry larger than the whole tier is itself returned as evicted.
func (t *tierStore) add(e *Entry) []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.entries[e.Key]; ok {
		t.removeElement(el)
	}

	e.Tier = t.tier
	el := t.lru.PushFront(e)
	t.entries[e.Key] = el
	t.bytes += e.size
	cacheSize.WithLabelValues(t.tier.String()).Set(float64(t.bytes))

	var evicted []*Entry
	for t.bytes > t.capacity && t.lru.Len() > 0 {
		back := t.lru.Back()
		victim := back.Value.(*Entry)
		t.removeElement(back)
		cacheEvictions.WithLabelValues(t.tier.String()).Inc()
		evicted = append(evicted, victim)
	}
	return evicted
}

// remove deletes and returns the entry for key.
func (t *tierStore) remove(key string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*Entry)
	t.removeElement(el)
	return e, true
}

// removeElement unlinks an element. Caller must hold t.mu.
func (t *tierStore) removeElement(el *list.Element) {
	e := el.Value.(*Entry)
	t.lru.Remove(el)
	delete(t.entries, e.Key)
	t.bytes -= e.size
	cacheSize.WithLabelValues(t.tier.String()).Set(float64(t.bytes))
}

// sweep removes expired entries and returns how many were dropped.
func (t *tierStore) sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for _, el := range t.entries {
		if el.Value.(*Entry).expired(now) {
			t.removeElement(el)
			removed++
		}
	}
	return removed
}

// keysMatching returns all keys accepted by the matcher.
func (t *tierStore) keysMatching(match func(string) bool) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var keys []string
	for key := range t.entries {
		if match(key) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (t *tierStore) stats() (entries int, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries), t.bytes
}

// Store is the multi-tier cache. All operations are in-memory and never
// block on I/O; no cache operation is fatal to the caller.
type Store struct {
	config Config
	tiers  [3]*tierStore
	access *accessTracker
	logger zerolog.Logger

	hits             atomic.Int64
	misses           atomic.Int64
	compressionSaved atomic.Int64

	stopCh  chan struct{}
	stopped sync.Once
}

// New creates a cache store and starts its maintenance loop. Call Close to
// stop background work.
func New(cfg Config) *Store {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = def.CompressionThreshold
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = def.MaintenanceInterval
	}

	logger := log.With().Str("component", "cache").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	s := &Store{
		config: cfg,
		access: newAccessTracker(),
		logger: logger,
		stopCh: make(chan struct{}),
	}
	s.tiers[TierHot] = newTierStore(TierHot, int64(float64(cfg.Capacity)*hotShare))
	s.tiers[TierWarm] = newTierStore(TierWarm, int64(float64(cfg.Capacity)*warmShare))
	s.tiers[TierCold] = newTierStore(TierCold, int64(float64(cfg.Capacity)*coldShare))

	go s.maintain()

	return s
}

// Close stops the background maintenance loop.
func (s *Store) Close() {
	s.stopped.Do(func() { close(s.stopCh) })
}

// Get looks up a key across tiers, hot first. Hits on colder tiers are
// promoted when the key is accessed frequently. The payload is transparently
// decompressed; decompression failure is treated as a miss.
func (s *Store) Get(key string) ([]byte, bool) {
	now := time.Now()

	for tier := TierHot; tier <= TierCold; tier++ {
		e, ok := s.tiers[tier].get(key, now)
		if !ok {
			continue
		}

		s.access.record(key, tier, now)
		s.hits.Add(1)
		cacheHits.WithLabelValues(tier.String()).Inc()

		if tier > TierHot && s.access.promotable(key, now) {
			s.promote(key, tier)
		}

		payload, err := s.decode(e)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Cache decompression failed, treating as miss")
			// A concurrent promotion may have moved the entry since the
			// lookup, so delete across all tiers rather than trusting a
			// tier read outside the locks.
			s.Delete(key)
			s.misses.Add(1)
			cacheMisses.Inc()
			return nil, false
		}
		return payload, true
	}

	s.misses.Add(1)
	cacheMisses.Inc()
	return nil, false
}

// promote moves a key one tier hotter. The tier that still holds the entry
// decides the winner between concurrent promotions: only the goroutine that
// removes it proceeds.
func (s *Store) promote(key string, from Tier) {
	e, ok := s.tiers[from].remove(key)
	if !ok {
		return
	}
	target := from - 1
	cachePromotions.WithLabelValues(target.String()).Inc()
	s.logger.Debug().
		Str("key", key).
		Str("tier", target.String()).
		Msg("Promoted cache entry")
	s.place(e, target)
}

// Set stores a value. The TTL is adjusted by the key's observed access rate,
// the payload is compressed past the configured threshold, and the entry is
// placed in a tier according to TTL and key shape.
func (s *Store) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	ttl = s.access.adjustTTL(key, ttl, now)
	tier := tierFor(key, ttl)

	payload, compressed := s.encode(value)

	e := &Entry{
		Key:        key,
		Payload:    payload,
		Compressed: compressed,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		LastAccess: now,
		size:       int64(len(payload) + len(key)),
	}

	// Remove any stale copy sitting in another tier.
	for t := TierHot; t <= TierCold; t++ {
		if t != tier {
			s.tiers[t].remove(key)
		}
	}

	s.place(e, tier)
}

// place inserts an entry into a tier and cascades evictions downward:
// hot evictions demote to warm, warm to cold, cold evictions are final.
func (s *Store) place(e *Entry, tier Tier) {
	pending := []*Entry{e}
	for t := tier; t <= TierCold; t++ {
		var overflow []*Entry
		for _, en := range pending {
			overflow = append(overflow, s.tiers[t].add(en)...)
		}
		pending = overflow
		if len(pending) == 0 {
			return
		}
	}
	// Entries pushed out of cold are gone for good.
	for _, en := range pending {
		s.access.forget(en.Key)
	}
}

// Delete removes a key from every tier.
func (s *Store) Delete(key string) {
	for t := TierHot; t <= TierCold; t++ {
		s.tiers[t].remove(key)
	}
	s.access.forget(key)
}

// Len returns the total number of live entries across tiers.
func (s *Store) Len() int {
	total := 0
	for t := TierHot; t <= TierCold; t++ {
		n, _ := s.tiers[t].stats()
		total += n
	}
	return total
}

// maintain runs the periodic sweep of expired entries and idle access
// records until Close is called.
func (s *Store) maintain() {
	ticker := time.NewTicker(s.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			swept := 0
			for t := TierHot; t <= TierCold; t++ {
				swept += s.tiers[t].sweep(now)
			}
			pruned := s.access.prune(now)
			if swept > 0 || pruned > 0 {
				s.logger.Debug().
					Int("expired_entries", swept).
					Int("idle_access_records", pruned).
					Msg("Cache maintenance pass")
			}
		}
	}
}
