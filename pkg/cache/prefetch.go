package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	// prefetchProbabilityFloor is the minimum predicted access probability
	// for a prefetch to be worth executing.
	prefetchProbabilityFloor = 0.7

	// prefetchWorkers is the parallelism of one Prefetch call.
	prefetchWorkers = 4
)

// PrefetchItem describes one candidate key to warm ahead of demand.
type PrefetchItem struct {
	// Key is the cache key to populate.
	Key string

	// Probability is the predicted likelihood the key will be requested.
	// Items at or below 0.7 are skipped.
	Probability float64

	// TTL for the stored value. Zero means the store default.
	TTL time.Duration

	// Generator produces the value, typically by calling the upstream.
	Generator func(ctx context.Context) ([]byte, error)
}

// PrefetchResult reports the outcome for one prefetch item. Failures are
// reported per key and never raised to the caller.
type PrefetchResult struct {
	Key    string
	Stored bool
	Err    error
}

// Prefetch executes the generators of all sufficiently likely items with a
// bounded worker pool and stores their results. The returned slice is in
// item order.
func (s *Store) Prefetch(ctx context.Context, items []PrefetchItem) []PrefetchResult {
	results := make([]PrefetchResult, len(items))

	jobs := make(chan int, len(items))
	workers := prefetchWorkers
	if len(items) < workers {
		workers = len(items)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = s.prefetchOne(ctx, items[i])
			}
		}()
	}

	for i := range items {
		results[i] = PrefetchResult{Key: items[i].Key}
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

// prefetchOne runs a single generator, converting panics into per-item
// errors so a misbehaving generator cannot take down the pool.
func (s *Store) prefetchOne(ctx context.Context, item PrefetchItem) (res PrefetchResult) {
	res = PrefetchResult{Key: item.Key}

	defer func() {
		if r := recover(); r != nil {
			cacheErrors.WithLabelValues("prefetch").Inc()
			res.Stored = false
			res.Err = fmt.Errorf("prefetch generator panic: %v", r)
		}
	}()

	if item.Probability <= prefetchProbabilityFloor {
		return res
	}
	if item.Generator == nil {
		res.Err = fmt.Errorf("prefetch %q: no generator", item.Key)
		return res
	}

	value, err := item.Generator(ctx)
	if err != nil {
		cacheErrors.WithLabelValues("prefetch").Inc()
		s.logger.Debug().Err(err).Str("key", item.Key).Msg("Prefetch generator failed")
		res.Err = err
		return res
	}

	s.Set(item.Key, value, item.TTL)
	res.Stored = true
	return res
}
