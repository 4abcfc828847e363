package tenant

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "proxy_rate_limit_rejections_total",
	Help: "Total requests rejected by per-tenant rate limiting",
}, []string{"tenant"})

// maxWindow bounds the retained timestamp history; no configured window is
// longer than one hour.
const maxWindow = time.Hour

// rateWindow is the sliding request history for one tenant+client pair.
type rateWindow struct {
	mu    sync.Mutex
	times []time.Time
}

// rateLimiter holds all sliding windows, keyed by tenant+client.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{windows: make(map[string]*rateWindow)}
}

func (l *rateLimiter) window(key string) *rateWindow {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		w = &rateWindow{}
		l.windows[key] = w
	}
	return w
}

// check tests the second, minute and hour ceilings in order, rejecting on
// the first exceeded one. An admitted request is appended to the window
// under the same lock, so append-and-prune is atomic per key.
func (l *rateLimiter) check(key string, limits RateLimits, now time.Time) (bool, time.Duration) {
	if limits.PerSecond <= 0 && limits.PerMinute <= 0 && limits.PerHour <= 0 {
		return true, 0
	}

	w := l.window(key)
	w.mu.Lock()
	defer w.mu.Unlock()

	// Prune everything older than the longest window.
	cut := now.Add(-maxWindow)
	i := 0
	for i < len(w.times) && w.times[i].Before(cut) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}

	checks := []struct {
		limit  int
		window time.Duration
	}{
		{limits.PerSecond, time.Second},
		{limits.PerMinute, time.Minute},
		{limits.PerHour, time.Hour},
	}

	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		start := now.Add(-c.window)
		count, oldest := w.countSince(start)
		if count >= c.limit {
			// The client can retry once the oldest request in the
			// exceeded window slides out of it.
			return false, oldest.Add(c.window).Sub(now)
		}
	}

	w.times = append(w.times, now)
	return true, 0
}

// countSince returns how many requests fall at or after start, and the
// earliest of them. Caller must hold w.mu.
func (w *rateWindow) countSince(start time.Time) (int, time.Time) {
	for i, ts := range w.times {
		if !ts.Before(start) {
			return len(w.times) - i, ts
		}
	}
	return 0, time.Time{}
}

// prune removes windows with no activity inside the longest window.
func (l *rateLimiter) prune(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cut := now.Add(-maxWindow)
	for key, w := range l.windows {
		w.mu.Lock()
		idle := len(w.times) == 0 || w.times[len(w.times)-1].Before(cut)
		w.mu.Unlock()
		if idle {
			delete(l.windows, key)
		}
	}
}
