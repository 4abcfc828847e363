package proxy

import (
	"errors"
	"fmt"
	"time"
)

// ErrEnhancerUnavailable is returned internally when no enhancer is wired.
var ErrEnhancerUnavailable = errors.New("no enhancer configured")

// UpstreamError indicates the upstream call failed after all retry
// attempts. It surfaces to clients as a 502.
type UpstreamError struct {
	TenantID string
	Path     string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s%s failed after %d attempts: %v",
		e.TenantID, e.Path, e.Attempts, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// CircuitOpenError indicates the tenant's circuit is open and the request
// was rejected without touching the upstream. Surfaces as a 503 with a
// Retry-After hint.
type CircuitOpenError struct {
	Identifier string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q open, retry in %s", e.Identifier, e.RetryAfter.Round(time.Second))
}

// EnhancementError indicates the enhancement step failed. It is recorded on
// the tenant's :ai circuit and logged, but never propagated to the client:
// the unmodified upstream data is served instead.
type EnhancementError struct {
	TenantID string
	Type     string
	Err      error
}

// Error implements the error interface.
func (e *EnhancementError) Error() string {
	return fmt.Sprintf("enhancement %q for tenant %s: %v", e.Type, e.TenantID, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *EnhancementError) Unwrap() error {
	return e.Err
}

// ErrorClass classifies an orchestrator error for metrics and logging.
type ErrorClass string

const (
	ErrorClassUpstream    ErrorClass = "upstream"
	ErrorClassCircuitOpen ErrorClass = "circuit_open"
	ErrorClassEnhancement ErrorClass = "enhancement"
	ErrorClassOther       ErrorClass = "other"
)

// ClassifyError maps an error to its class.
func ClassifyError(err error) ErrorClass {
	var upstreamErr *UpstreamError
	var circuitErr *CircuitOpenError
	var enhanceErr *EnhancementError

	switch {
	case errors.As(err, &upstreamErr):
		return ErrorClassUpstream
	case errors.As(err, &circuitErr):
		return ErrorClassCircuitOpen
	case errors.As(err, &enhanceErr):
		return ErrorClassEnhancement
	default:
		return ErrorClassOther
	}
}
