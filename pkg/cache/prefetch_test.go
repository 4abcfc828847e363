package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPrefetch_ProbabilityGate(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	calls := 0
	gen := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte("v"), nil
	}

	results := s.Prefetch(context.Background(), []PrefetchItem{
		{Key: "likely", Probability: 0.9, Generator: gen},
		{Key: "unlikely", Probability: 0.5, Generator: gen},
		{Key: "boundary", Probability: 0.7, Generator: gen},
	})

	if calls != 1 {
		t.Errorf("generator ran %d times, want 1 (only probability > 0.7)", calls)
	}

	byKey := map[string]PrefetchResult{}
	for _, r := range results {
		byKey[r.Key] = r
	}
	if !byKey["likely"].Stored {
		t.Error("likely item should be stored")
	}
	if byKey["unlikely"].Stored || byKey["boundary"].Stored {
		t.Error("items at or below 0.7 should be skipped")
	}

	if _, ok := s.Get("likely"); !ok {
		t.Error("prefetched value should be retrievable")
	}
}

func TestPrefetch_GeneratorErrorReportedPerKey(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	wantErr := errors.New("upstream down")
	results := s.Prefetch(context.Background(), []PrefetchItem{
		{Key: "bad", Probability: 0.9, Generator: func(ctx context.Context) ([]byte, error) {
			return nil, wantErr
		}},
		{Key: "good", Probability: 0.9, TTL: time.Minute, Generator: func(ctx context.Context) ([]byte, error) {
			return []byte("ok"), nil
		}},
	})

	byKey := map[string]PrefetchResult{}
	for _, r := range results {
		byKey[r.Key] = r
	}

	if !errors.Is(byKey["bad"].Err, wantErr) {
		t.Errorf("bad item error = %v, want wrapped upstream error", byKey["bad"].Err)
	}
	if byKey["bad"].Stored {
		t.Error("failed item should not be stored")
	}
	if byKey["good"].Err != nil || !byKey["good"].Stored {
		t.Errorf("good item result = %+v, want stored", byKey["good"])
	}
}

func TestPrefetch_GeneratorPanicIsContained(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	results := s.Prefetch(context.Background(), []PrefetchItem{
		{Key: "boom", Probability: 0.9, Generator: func(ctx context.Context) ([]byte, error) {
			panic("generator bug")
		}},
	})

	if results[0].Err == nil {
		t.Error("panic should surface as a per-item error")
	}
	if results[0].Stored {
		t.Error("panicked item should not be stored")
	}
}

func TestPrefetch_MissingGenerator(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	results := s.Prefetch(context.Background(), []PrefetchItem{
		{Key: "nil-gen", Probability: 0.9},
	})

	if results[0].Err == nil {
		t.Error("missing generator should be reported")
	}
}

func TestPrefetch_Empty(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	if results := s.Prefetch(context.Background(), nil); len(results) != 0 {
		t.Errorf("results = %v, want empty", results)
	}
}
