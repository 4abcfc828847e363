// Package proxy implements the request orchestration pipeline: cache
// lookup, in-flight deduplication of identical upstream calls,
// circuit-guarded retries, optional response enhancement, and write-through
// caching.
package proxy

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/commercegate/edge-proxy/pkg/tenant"
)

// UserContext identifies the requesting end user for personalization and
// cache-key scoping.
type UserContext struct {
	// UserID is the end-user identifier; "anonymous" when unknown.
	UserID string

	// Segments are optional audience segments supplied by the caller.
	Segments []string

	// OptOut disables personalization for this user.
	OptOut bool
}

// AnonymousUserID is the UserID for unidentified users.
const AnonymousUserID = "anonymous"

// Request is one inbound proxy request, resolved against tenant
// configuration by the HTTP layer.
type Request struct {
	Tenant    *tenant.Tenant
	Endpoint  *tenant.Endpoint // nil when no endpoint policy matches
	Method    string
	Path      string
	Header    http.Header
	Query     url.Values
	Body      []byte
	User      UserContext
	RequestID string
}

// Response is the orchestrator's result.
type Response struct {
	Status   int
	Header   http.Header
	Data     []byte
	Enhanced bool
	CacheHit bool
}

// Enhancer rewrites response data through personalization/ML logic. It is
// an external collaborator: calls are bounded by the orchestrator's
// enhancement timeout and failures never surface to the client.
type Enhancer interface {
	Enhance(ctx context.Context, data []byte, endpoint *tenant.Endpoint, user UserContext, t *tenant.Tenant) ([]byte, error)
}

// MetricsSink receives request telemetry. Implementations must be safe for
// concurrent use; errors or panics inside a sink never affect the response.
type MetricsSink interface {
	RecordRequest(req *Request)
	RecordResponse(req *Request, resp *Response, latency time.Duration)
	RecordError(req *Request, err error)
	RecordUpstream(tenantID, path string, status int, latency time.Duration)
}

// NopSink is a MetricsSink that discards everything.
type NopSink struct{}

func (NopSink) RecordRequest(*Request)                            {}
func (NopSink) RecordResponse(*Request, *Response, time.Duration) {}
func (NopSink) RecordError(*Request, error)                       {}
func (NopSink) RecordUpstream(string, string, int, time.Duration) {}

// cacheKeyOf builds the pattern-matchable cache key. Query parameters are
// sorted for determinism; the user suffix keeps personalized variants
// apart.
func cacheKeyOf(tenantID, method, path string, query url.Values, userKey string) string {
	parts := []string{tenantID, method, path}

	if len(query) > 0 {
		names := make([]string, 0, len(query))
		for name := range query {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			parts = append(parts, name+"="+query.Get(name))
		}
	}

	parts = append(parts, "u", userKey)
	return strings.Join(parts, ":")
}

// dedupKeyOf builds the in-flight deduplication key. It is intentionally
// coarser than the cache key: concurrent requests for the same logical
// resource share one upstream fetch regardless of user or query, and
// personalization is applied per caller afterwards.
func dedupKeyOf(tenantID, method, path string) string {
	return tenantID + ":" + method + ":" + path
}

// userKeyOf reduces a user context to its cache-key component.
func userKeyOf(user UserContext) string {
	if user.UserID == "" {
		return AnonymousUserID
	}
	return user.UserID
}
