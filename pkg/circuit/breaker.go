// Package circuit implements a per-identifier circuit breaker that isolates
// failing upstreams. Identifiers are free-form strings, typically a tenant ID
// or a tenant-scoped subsystem such as "acme:ai". Every identifier gets its
// own independent state machine.
package circuit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for circuit state transitions.
var (
	circuitTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_circuit_transitions_total",
		Help: "Total circuit state transitions by identifier and target state",
	}, []string{"identifier", "to"})

	circuitRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_circuit_rejections_total",
		Help: "Total requests rejected by an open circuit",
	}, []string{"identifier"})
)

// State represents the circuit state for one identifier.
type State int

const (
	// StateClosed allows all requests through (normal operation).
	StateClosed State = iota

	// StateOpen rejects all requests until the reset timeout elapses.
	StateOpen

	// StateHalfOpen admits trial requests to probe for recovery.
	StateHalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker tuning parameters.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int

	// ResetTimeout is how long an open circuit stays open before a trial
	// request is admitted.
	ResetTimeout time.Duration

	// HalfOpenSuccesses is the number of consecutive trial successes
	// required to close the circuit again.
	HalfOpenSuccesses int
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenSuccesses: 3,
	}
}

// record tracks the circuit state for a single identifier.
type record struct {
	state               State
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenSuccesses   int
	totalRequests       int64
	totalFailures       int64
}

// Snapshot is a read-only view of one identifier's circuit state.
type Snapshot struct {
	Identifier          string
	State               State
	ConsecutiveFailures int
	HalfOpenSuccesses   int
	TotalRequests       int64
	TotalFailures       int64
	LastFailureTime     time.Time
}

// Breaker manages independent circuit records, one per identifier.
// Records are created lazily on first use and live for the process lifetime.
type Breaker struct {
	mu      sync.Mutex
	config  Config
	records map[string]*record
	logger  zerolog.Logger
}

// New creates a circuit breaker. Zero config fields fall back to defaults.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = def.HalfOpenSuccesses
	}

	return &Breaker{
		config:  cfg,
		records: make(map[string]*record),
		logger:  log.With().Str("component", "circuit-breaker").Logger(),
	}
}

// get returns the record for id, creating it closed. Caller must hold b.mu.
func (b *Breaker) get(id string) *record {
	r, ok := b.records[id]
	if !ok {
		r = &record{state: StateClosed}
		b.records[id] = r
	}
	return r
}

// IsOpen reports whether requests for id should be rejected. When the reset
// timeout has elapsed on an open circuit, the check itself moves the circuit
// to half-open and returns false so the caller proceeds as the trial request.
func (b *Breaker) IsOpen(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.get(id)
	r.totalRequests++

	if r.state != StateOpen {
		return false
	}

	if time.Since(r.lastFailureTime) > b.config.ResetTimeout {
		r.state = StateHalfOpen
		r.halfOpenSuccesses = 0
		circuitTransitionsTotal.WithLabelValues(id, StateHalfOpen.String()).Inc()
		b.logger.Info().
			Str("circuit", id).
			Msg("Circuit half-open, admitting trial request")
		return false
	}

	circuitRejectionsTotal.WithLabelValues(id).Inc()
	return true
}

// RecordFailure registers a failed call for id.
func (b *Breaker) RecordFailure(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.get(id)
	r.totalFailures++
	now := time.Now()

	switch r.state {
	case StateClosed:
		r.consecutiveFailures++
		r.lastFailureTime = now
		if r.consecutiveFailures >= b.config.FailureThreshold {
			r.state = StateOpen
			circuitTransitionsTotal.WithLabelValues(id, StateOpen.String()).Inc()
			b.logger.Warn().
				Str("circuit", id).
				Int("consecutive_failures", r.consecutiveFailures).
				Msg("Circuit opened")
		}
	case StateHalfOpen:
		// A single trial failure reopens immediately.
		r.state = StateOpen
		r.lastFailureTime = now
		r.halfOpenSuccesses = 0
		circuitTransitionsTotal.WithLabelValues(id, StateOpen.String()).Inc()
		b.logger.Warn().
			Str("circuit", id).
			Msg("Trial request failed, circuit reopened")
	case StateOpen:
		r.lastFailureTime = now
	}
}

// RecordSuccess registers a successful call for id.
func (b *Breaker) RecordSuccess(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.get(id)

	switch r.state {
	case StateClosed:
		r.consecutiveFailures = 0
	case StateHalfOpen:
		r.halfOpenSuccesses++
		if r.halfOpenSuccesses >= b.config.HalfOpenSuccesses {
			r.state = StateClosed
			r.consecutiveFailures = 0
			r.halfOpenSuccesses = 0
			circuitTransitionsTotal.WithLabelValues(id, StateClosed.String()).Inc()
			b.logger.Info().
				Str("circuit", id).
				Msg("Circuit closed after successful trials")
		}
	case StateOpen:
		// Success while open is not possible through the breaker; ignore.
	}
}

// RetryAfter returns how long until an open circuit would admit a trial
// request. Returns 0 if the circuit is not open.
func (b *Breaker) RetryAfter(id string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.records[id]
	if !ok || r.state != StateOpen {
		return 0
	}

	remaining := b.config.ResetTimeout - time.Since(r.lastFailureTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// State returns the current state for id without side effects.
func (b *Breaker) State(id string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.records[id]
	if !ok {
		return StateClosed
	}
	return r.state
}

// Reset clears the record for id, returning it to a fresh closed state.
func (b *Breaker) Reset(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.records, id)
}

// Snapshot returns a copy of the current state for id.
func (b *Breaker) Snapshot(id string) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{Identifier: id, State: StateClosed}
	if r, ok := b.records[id]; ok {
		s.State = r.state
		s.ConsecutiveFailures = r.consecutiveFailures
		s.HalfOpenSuccesses = r.halfOpenSuccesses
		s.TotalRequests = r.totalRequests
		s.TotalFailures = r.totalFailures
		s.LastFailureTime = r.lastFailureTime
	}
	return s
}
