package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/commercegate/edge-proxy/pkg/cache"
	"github.com/commercegate/edge-proxy/pkg/circuit"
	"github.com/commercegate/edge-proxy/pkg/tenant"
)

const (
	// aiCircuitSuffix scopes enhancement failures to their own circuit so
	// a broken enhancer never opens the upstream circuit.
	aiCircuitSuffix = ":ai"

	// maxResponseBody bounds buffered upstream responses.
	maxResponseBody = 16 << 20 // 16 MiB

	// DefaultAPIKeyHeader carries the tenant API key when the tenant does
	// not name its own header.
	DefaultAPIKeyHeader = "X-API-Key"
)

// Config holds orchestrator tuning parameters.
type Config struct {
	// RetryAttempts is the total number of upstream attempts per request.
	RetryAttempts int

	// RetryDelay is the base delay between attempts; attempt n waits
	// RetryDelay * n.
	RetryDelay time.Duration

	// UpstreamTimeout bounds a single upstream attempt.
	UpstreamTimeout time.Duration

	// EnhanceTimeout bounds one enhancement call.
	EnhanceTimeout time.Duration

	// DefaultCacheTTL applies to cacheable responses without an endpoint
	// override.
	DefaultCacheTTL time.Duration

	// EnhancedCacheTTL applies instead when the response was enhanced;
	// base data under personalization goes stale faster.
	EnhancedCacheTTL time.Duration

	// AnonymousPersonalization enables enhancement for anonymous users.
	AnonymousPersonalization bool
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		RetryAttempts:    2,
		RetryDelay:       200 * time.Millisecond,
		UpstreamTimeout:  10 * time.Second,
		EnhanceTimeout:   100 * time.Millisecond,
		DefaultCacheTTL:  5 * time.Minute,
		EnhancedCacheTTL: time.Minute,
	}
}

// Orchestrator composes the cache, circuit breaker and tenant registry
// with the optional external Enhancer and MetricsSink.
type Orchestrator struct {
	config   Config
	cache    *cache.Store
	breaker  *circuit.Breaker
	registry *tenant.Registry
	enhancer Enhancer
	sink     MetricsSink
	client   *http.Client
	pending  *pendingTracker
	logger   zerolog.Logger
}

// Option configures optional orchestrator collaborators.
type Option func(*Orchestrator)

// WithEnhancer wires the external enhancement collaborator.
func WithEnhancer(e Enhancer) Option {
	return func(o *Orchestrator) { o.enhancer = e }
}

// WithMetricsSink wires the telemetry sink.
func WithMetricsSink(s MetricsSink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithHTTPClient replaces the upstream HTTP client (mainly for tests).
func WithHTTPClient(c *http.Client) Option {
	return func(o *Orchestrator) { o.client = c }
}

// WithLogger replaces the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator. Zero config fields fall back to defaults.
func New(cfg Config, store *cache.Store, breaker *circuit.Breaker, registry *tenant.Registry, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = def.UpstreamTimeout
	}
	if cfg.EnhanceTimeout <= 0 {
		cfg.EnhanceTimeout = def.EnhanceTimeout
	}
	if cfg.DefaultCacheTTL <= 0 {
		cfg.DefaultCacheTTL = def.DefaultCacheTTL
	}
	if cfg.EnhancedCacheTTL <= 0 {
		cfg.EnhancedCacheTTL = def.EnhancedCacheTTL
	}

	o := &Orchestrator{
		config:   cfg,
		cache:    store,
		breaker:  breaker,
		registry: registry,
		sink:     NopSink{},
		client:   &http.Client{Timeout: cfg.UpstreamTimeout},
		pending:  newPendingTracker(),
		logger:   log.With().Str("component", "orchestrator").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle runs the full pipeline for one request: cache lookup,
// dedup-guarded circuit-protected upstream fetch, optional enhancement,
// and write-through.
func (o *Orchestrator) Handle(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	o.emit(func() { o.sink.RecordRequest(req) })

	userKey := userKeyOf(req.User)
	key := cacheKeyOf(req.Tenant.ID, req.Method, req.Path, req.Query, userKey)
	cacheable := req.Method == http.MethodGet && (req.Endpoint == nil || req.Endpoint.IsCacheable())

	if cacheable {
		if data, ok := o.cache.Get(key); ok {
			resp := &Response{
				Status:   http.StatusOK,
				Header:   http.Header{},
				Data:     data,
				CacheHit: true,
			}
			// Fresh personalization over stale base data.
			if o.wantsEnhancement(req) {
				if enhanced, err := o.enhance(ctx, data, req); err == nil {
					resp.Data = enhanced
					resp.Enhanced = true
				}
			}
			o.logger.Debug().
				Str("tenant", req.Tenant.ID).
				Str("path", req.Path).
				Str("request_id", req.RequestID).
				Bool("enhanced", resp.Enhanced).
				Msg("Cache hit")
			o.emit(func() { o.sink.RecordResponse(req, resp, time.Since(start)) })
			return resp, nil
		}
	}

	if o.breaker.IsOpen(req.Tenant.ID) {
		err := &CircuitOpenError{
			Identifier: req.Tenant.ID,
			RetryAfter: o.breaker.RetryAfter(req.Tenant.ID),
		}
		o.emit(func() { o.sink.RecordError(req, err) })
		return nil, err
	}

	res, err := o.fetchDeduplicated(ctx, req)
	if err != nil {
		o.emit(func() { o.sink.RecordError(req, err) })
		return nil, err
	}

	resp := &Response{
		Status: res.Status,
		Header: res.Header.Clone(),
		Data:   res.Body,
	}

	if res.Status == http.StatusOK && o.wantsEnhancement(req) {
		if enhanced, eerr := o.enhance(ctx, res.Body, req); eerr == nil {
			resp.Data = enhanced
			resp.Enhanced = true
		}
	}

	// Write through the unenhanced upstream body so cache hits can be
	// re-personalized per user.
	if cacheable && res.Status == http.StatusOK {
		o.cache.Set(key, res.Body, o.cacheTTL(req, resp.Enhanced))
	}

	o.emit(func() { o.sink.RecordResponse(req, resp, time.Since(start)) })
	return resp, nil
}

// DirectProxy bypasses cache and enhancement entirely. It is the fallback
// when the primary pipeline fails; an open circuit still fails fast.
func (o *Orchestrator) DirectProxy(ctx context.Context, req *Request) (*Response, error) {
	if o.breaker.IsOpen(req.Tenant.ID) {
		return nil, &CircuitOpenError{
			Identifier: req.Tenant.ID,
			RetryAfter: o.breaker.RetryAfter(req.Tenant.ID),
		}
	}

	res, err := o.fetchUpstream(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Response{Status: res.Status, Header: res.Header.Clone(), Data: res.Body}, nil
}

// ShouldPersonalize reports whether enhancement applies for this user.
func (o *Orchestrator) ShouldPersonalize(user UserContext) bool {
	if user.OptOut {
		return false
	}
	if userKeyOf(user) == AnonymousUserID && !o.config.AnonymousPersonalization {
		return false
	}
	return true
}

// wantsEnhancement combines endpoint policy, user consent, enhancer
// availability, and the :ai circuit.
func (o *Orchestrator) wantsEnhancement(req *Request) bool {
	if o.enhancer == nil || req.Endpoint == nil || !req.Endpoint.EnhancementEnabled() {
		return false
	}
	if !o.ShouldPersonalize(req.User) {
		return false
	}
	return !o.breaker.IsOpen(req.Tenant.ID + aiCircuitSuffix)
}

// fetchDeduplicated collapses concurrent identical fetches: the first
// caller to register owns the upstream call, everyone else awaits its
// result. The shared call runs on a context detached from the owner's
// request, so no single caller's cancellation can abort a fetch other
// waiters depend on; every caller, owner included, waits with its own
// context. Each attempt stays bounded by the upstream timeout.
func (o *Orchestrator) fetchDeduplicated(ctx context.Context, req *Request) (*upstreamResult, error) {
	dkey := dedupKeyOf(req.Tenant.ID, req.Method, req.Path)

	call, owner := o.pending.getOrCreate(dkey)
	if !owner {
		o.logger.Debug().
			Str("dedup_key", dkey).
			Str("request_id", req.RequestID).
			Msg("Awaiting in-flight upstream call")
		return call.wait(ctx)
	}

	go func() {
		res, err := o.fetchUpstream(context.WithoutCancel(ctx), req)
		o.pending.complete(dkey, call, res, err)
	}()
	return call.wait(ctx)
}

// fetchUpstream performs the upstream HTTP call with linear-backoff
// retries. Every HTTP status is a valid response; only network and timeout
// errors are retried. Exhausted retries are reported to the tenant's
// circuit.
func (o *Orchestrator) fetchUpstream(ctx context.Context, req *Request) (*upstreamResult, error) {
	target, err := o.upstreamURL(req)
	if err != nil {
		return nil, &UpstreamError{TenantID: req.Tenant.ID, Path: req.Path, Attempts: 0, Err: err}
	}

	var lastErr error
	for attempt := 1; attempt <= o.config.RetryAttempts; attempt++ {
		res, err := o.attemptUpstream(ctx, req, target)
		if err == nil {
			o.breaker.RecordSuccess(req.Tenant.ID)
			return res, nil
		}
		lastErr = err

		o.logger.Warn().
			Err(err).
			Str("tenant", req.Tenant.ID).
			Str("path", req.Path).
			Int("attempt", attempt).
			Msg("Upstream attempt failed")

		if attempt < o.config.RetryAttempts {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = o.config.RetryAttempts // no more attempts
			case <-time.After(o.config.RetryDelay * time.Duration(attempt)):
			}
		}
	}

	// A cancelled caller is not an upstream failure; only real network and
	// timeout errors count against the circuit.
	if !errors.Is(lastErr, context.Canceled) {
		o.breaker.RecordFailure(req.Tenant.ID)
		o.emit(func() { o.sink.RecordUpstream(req.Tenant.ID, req.Path, 0, 0) })
	}
	return nil, &UpstreamError{
		TenantID: req.Tenant.ID,
		Path:     req.Path,
		Attempts: o.config.RetryAttempts,
		Err:      lastErr,
	}
}

// attemptUpstream performs a single upstream attempt.
func (o *Orchestrator) attemptUpstream(ctx context.Context, req *Request, target string) (*upstreamResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, o.config.UpstreamTimeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	hreq, err := http.NewRequestWithContext(attemptCtx, req.Method, target, body)
	if err != nil {
		return nil, err
	}

	if ct := req.Header.Get("Content-Type"); ct != "" {
		hreq.Header.Set("Content-Type", ct)
	}
	if accept := req.Header.Get("Accept"); accept != "" {
		hreq.Header.Set("Accept", accept)
	}
	for name, value := range req.Tenant.Headers {
		hreq.Header.Set(name, value)
	}
	if req.Tenant.APIKey != "" {
		header := req.Tenant.APIKeyHeader
		if header == "" {
			header = DefaultAPIKeyHeader
		}
		hreq.Header.Set(header, req.Tenant.APIKey)
	}
	hreq.Header.Set("X-Request-ID", req.RequestID)

	start := time.Now()
	hresp, err := o.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(hresp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}

	latency := time.Since(start)
	o.emit(func() { o.sink.RecordUpstream(req.Tenant.ID, req.Path, hresp.StatusCode, latency) })

	return &upstreamResult{
		Status: hresp.StatusCode,
		Header: hresp.Header.Clone(),
		Body:   data,
	}, nil
}

// enhance runs the enhancer with its own timeout. The enhancer may ignore
// context cancellation, so it runs in a goroutine and the orchestrator
// stops waiting at the deadline. Outcomes are recorded on the :ai circuit.
func (o *Orchestrator) enhance(ctx context.Context, data []byte, req *Request) ([]byte, error) {
	if o.enhancer == nil {
		return nil, ErrEnhancerUnavailable
	}

	aiID := req.Tenant.ID + aiCircuitSuffix
	ectx, cancel := context.WithTimeout(ctx, o.config.EnhanceTimeout)
	defer cancel()

	type outcome struct {
		data []byte
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("enhancer panic: %v", r)}
			}
		}()
		enhanced, err := o.enhancer.Enhance(ectx, data, req.Endpoint, req.User, req.Tenant)
		ch <- outcome{data: enhanced, err: err}
	}()

	var res outcome
	select {
	case res = <-ch:
	case <-ectx.Done():
		res = outcome{err: ectx.Err()}
	}

	if res.err != nil {
		o.breaker.RecordFailure(aiID)
		eerr := &EnhancementError{TenantID: req.Tenant.ID, Type: enhancementType(req), Err: res.err}
		o.logger.Warn().
			Err(res.err).
			Str("tenant", req.Tenant.ID).
			Str("request_id", req.RequestID).
			Msg("Enhancement failed, serving base data")
		return nil, eerr
	}

	o.breaker.RecordSuccess(aiID)
	return res.data, nil
}

func enhancementType(req *Request) string {
	if req.Endpoint != nil && req.Endpoint.Enhancement != nil {
		return req.Endpoint.Enhancement.Type
	}
	return ""
}

// cacheTTL resolves the write-through TTL for a response.
func (o *Orchestrator) cacheTTL(req *Request, enhanced bool) time.Duration {
	if req.Endpoint != nil && req.Endpoint.CacheTTL.Duration() > 0 {
		return req.Endpoint.CacheTTL.Duration()
	}
	if enhanced {
		return o.config.EnhancedCacheTTL
	}
	return o.config.DefaultCacheTTL
}

// upstreamURL joins the tenant base URL with the request path and query.
func (o *Orchestrator) upstreamURL(req *Request) (string, error) {
	base := strings.TrimRight(req.Tenant.BaseURL, "/")
	path := req.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := base + path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	return target, nil
}

// emit runs a sink call, swallowing panics: telemetry must never take a
// response down with it.
func (o *Orchestrator) emit(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn().Interface("panic", r).Msg("Metrics sink panicked")
		}
	}()
	fn()
}

// Cache exposes the cache store for invalidation endpoints and tests.
func (o *Orchestrator) Cache() *cache.Store {
	return o.cache
}

// Breaker exposes the circuit breaker for introspection endpoints.
func (o *Orchestrator) Breaker() *circuit.Breaker {
	return o.breaker
}
