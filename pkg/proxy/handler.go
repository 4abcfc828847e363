package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/commercegate/edge-proxy/pkg/tenant"
)

// Request headers understood by the proxy.
const (
	HeaderUserID     = "X-User-ID"
	HeaderUserOptOut = "X-User-Opt-Out"
	HeaderRequestID  = "X-Request-ID"
)

// Response headers set by the proxy.
const (
	HeaderCache        = "X-Proxy-Cache"
	HeaderEnhanced     = "X-Proxy-Enhanced"
	HeaderResponseTime = "X-Proxy-Response-Time"
)

// maxRequestBody bounds buffered inbound request bodies.
const maxRequestBody = 4 << 20 // 4 MiB

// Handler is the HTTP front of the proxy. Routes look like
// /api/{tenant}/{upstream path}.
type Handler struct {
	orchestrator *Orchestrator
	registry     *tenant.Registry
	logger       zerolog.Logger
}

// NewHandler builds the HTTP handler around an orchestrator.
func NewHandler(o *Orchestrator, registry *tenant.Registry) *Handler {
	return &Handler{
		orchestrator: o,
		registry:     registry,
		logger:       log.With().Str("component", "http").Logger(),
	}
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(HeaderRequestID, requestID)

	tenantID, upstreamPath, ok := splitProxyPath(r.URL.Path)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not found", requestID)
		return
	}

	tn, err := h.registry.Get(tenantID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "unknown tenant", requestID)
		return
	}

	user := userContextFrom(r)
	clientKey := user.UserID
	if clientKey == AnonymousUserID {
		clientKey = clientIP(r)
	}

	allowed, retryAfter := h.registry.CheckRateLimit(tn.ID, clientKey, tn.RateLimits)
	if !allowed {
		w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "rate limit exceeded", requestID)
		return
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "unreadable request body", requestID)
			return
		}
	}

	req := &Request{
		Tenant:    tn,
		Endpoint:  tn.MatchEndpoint(upstreamPath),
		Method:    r.Method,
		Path:      upstreamPath,
		Header:    r.Header,
		Query:     r.URL.Query(),
		Body:      body,
		User:      user,
		RequestID: requestID,
	}

	resp, err := h.orchestrator.Handle(r.Context(), req)
	if err != nil {
		resp, err = h.fallback(r.Context(), req, err)
	}
	if err != nil {
		h.writeHandleError(w, err, requestID)
		return
	}

	for name, values := range resp.Header {
		if hopByHop(name) {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	if resp.CacheHit {
		w.Header().Set(HeaderCache, "HIT")
	} else {
		w.Header().Set(HeaderCache, "MISS")
	}
	w.Header().Set(HeaderEnhanced, strconv.FormatBool(resp.Enhanced))
	w.Header().Set(HeaderResponseTime, strconv.FormatInt(time.Since(start).Milliseconds(), 10)+"ms")

	w.WriteHeader(resp.Status)
	if _, err := w.Write(resp.Data); err != nil {
		h.logger.Debug().Err(err).Str("request_id", requestID).Msg("Client write failed")
	}
}

// fallback retries unexpected pipeline errors through the direct proxy
// path. Circuit rejections and exhausted upstream retries are final; a
// direct call would hit the same wall.
func (h *Handler) fallback(ctx context.Context, req *Request, err error) (*Response, error) {
	switch ClassifyError(err) {
	case ErrorClassCircuitOpen, ErrorClassUpstream:
		return nil, err
	}

	h.logger.Warn().
		Err(err).
		Str("tenant", req.Tenant.ID).
		Str("request_id", req.RequestID).
		Msg("Primary pipeline failed, falling back to direct proxy")
	return h.orchestrator.DirectProxy(ctx, req)
}

// writeHandleError maps orchestrator errors to HTTP responses.
func (h *Handler) writeHandleError(w http.ResponseWriter, err error, requestID string) {
	var circuitErr *CircuitOpenError
	var upstreamErr *UpstreamError

	switch {
	case errors.As(err, &circuitErr):
		w.Header().Set("Retry-After", retryAfterSeconds(circuitErr.RetryAfter))
		h.writeError(w, http.StatusServiceUnavailable, "upstream temporarily unavailable", requestID)
	case errors.As(err, &upstreamErr):
		h.writeError(w, http.StatusBadGateway, "upstream request failed", requestID)
	default:
		h.logger.Error().Err(err).Str("request_id", requestID).Msg("Unexpected proxy error")
		h.writeError(w, http.StatusInternalServerError, "internal error", requestID)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg, RequestID: requestID})
}

// splitProxyPath extracts the tenant id and upstream path from
// /api/{tenant}/{path...}.
func splitProxyPath(p string) (tenantID, upstreamPath string, ok bool) {
	trimmed := strings.TrimPrefix(p, "/api/")
	if trimmed == p || trimmed == "" {
		return "", "", false
	}
	tenantID, upstreamPath, found := strings.Cut(trimmed, "/")
	if !found || tenantID == "" || upstreamPath == "" {
		return "", "", false
	}
	return tenantID, "/" + upstreamPath, true
}

// userContextFrom reads user identity and consent headers.
func userContextFrom(r *http.Request) UserContext {
	user := UserContext{UserID: r.Header.Get(HeaderUserID)}
	if user.UserID == "" {
		user.UserID = AnonymousUserID
	}
	if optOut, err := strconv.ParseBool(r.Header.Get(HeaderUserOptOut)); err == nil {
		user.OptOut = optOut
	}
	return user
}

// clientIP extracts the caller address, preferring X-Forwarded-For.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// retryAfterSeconds formats a Retry-After header value, rounding up so
// clients never retry early.
func retryAfterSeconds(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// hopByHop reports whether a response header must not be forwarded.
func hopByHop(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Content-Length":
		return true
	}
	return false
}
