package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/commercegate/edge-proxy/pkg/tenant"
)

func newTestHandler(t *testing.T, env *testEnv) *Handler {
	t.Helper()
	return NewHandler(env.orchestrator, env.registry)
}

func doRequest(h *Handler, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_ProxiesAndSetsHeaders(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.upstream.HandleJSON("/products/1", http.StatusOK, `{"id":1}`)
	h := newTestHandler(t, env)

	rec := doRequest(h, http.MethodGet, "/api/acme/products/1", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(HeaderCache); got != "MISS" {
		t.Errorf("%s = %q, want MISS", HeaderCache, got)
	}
	if got := rec.Header().Get(HeaderEnhanced); got != "false" {
		t.Errorf("%s = %q, want false", HeaderEnhanced, got)
	}
	if rec.Header().Get(HeaderRequestID) == "" {
		t.Errorf("%s should be set", HeaderRequestID)
	}
	if rec.Header().Get(HeaderResponseTime) == "" {
		t.Errorf("%s should be set", HeaderResponseTime)
	}

	rec = doRequest(h, http.MethodGet, "/api/acme/products/1", nil)
	if got := rec.Header().Get(HeaderCache); got != "HIT" {
		t.Errorf("%s = %q on second request, want HIT", HeaderCache, got)
	}
}

func TestHandler_PropagatesRequestID(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.upstream.HandleJSON("/products/1", http.StatusOK, `{}`)
	h := newTestHandler(t, env)

	rec := doRequest(h, http.MethodGet, "/api/acme/products/1", map[string]string{
		HeaderRequestID: "caller-supplied",
	})
	if got := rec.Header().Get(HeaderRequestID); got != "caller-supplied" {
		t.Errorf("%s = %q, want caller-supplied", HeaderRequestID, got)
	}
}

func TestHandler_UnknownTenant(t *testing.T) {
	env := newTestEnv(t, Config{})
	h := newTestHandler(t, env)

	rec := doRequest(h, http.MethodGet, "/api/nobody/products/1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body: %v", err)
	}
	if body.Error != "unknown tenant" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestHandler_MalformedPath(t *testing.T) {
	env := newTestEnv(t, Config{})
	h := newTestHandler(t, env)

	for _, target := range []string{"/api/", "/api/acme", "/other/acme/products"} {
		rec := doRequest(h, http.MethodGet, target, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", target, rec.Code)
		}
	}
}

func TestHandler_RateLimited(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.upstream.HandleJSON("/products/1", http.StatusOK, `{}`)

	src := tenant.StaticSource{{
		ID:         "acme",
		Name:       "Acme Commerce",
		BaseURL:    env.upstream.URL(),
		RateLimits: tenant.RateLimits{PerSecond: 2},
	}}
	if err := env.registry.Reload(context.Background(), src); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	h := newTestHandler(t, env)

	headers := map[string]string{HeaderUserID: "u1"}
	for i := 0; i < 2; i++ {
		rec := doRequest(h, http.MethodGet, "/api/acme/products/1", headers)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}

	rec := doRequest(h, http.MethodGet, "/api/acme/products/1", headers)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 {
		t.Errorf("Retry-After = %q, want a positive integer", rec.Header().Get("Retry-After"))
	}
}

func TestHandler_CircuitOpenReturns503(t *testing.T) {
	env := newTestEnv(t, Config{RetryAttempts: 1})
	env.upstream.HandleAbort("/products/1")
	h := newTestHandler(t, env)

	for i := 0; i < 2; i++ {
		rec := doRequest(h, http.MethodGet, "/api/acme/products/1", nil)
		if rec.Code != http.StatusBadGateway {
			t.Fatalf("request %d: status = %d, want 502", i, rec.Code)
		}
	}

	rec := doRequest(h, http.MethodGet, "/api/acme/products/1", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("503 should carry Retry-After")
	}
}

func TestHandler_UserOptOutHeader(t *testing.T) {
	enh := &testEnhancer{}
	env := newTestEnv(t, Config{}, WithEnhancer(enh))
	env.upstream.HandleJSON("/products/1", http.StatusOK, `{"id":1}`)
	h := newTestHandler(t, env)

	rec := doRequest(h, http.MethodGet, "/api/acme/products/1", map[string]string{
		HeaderUserID:     "u1",
		HeaderUserOptOut: "true",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get(HeaderEnhanced); got != "false" {
		t.Errorf("%s = %q, want false for opted-out user", HeaderEnhanced, got)
	}
	if enh.callCount() != 0 {
		t.Errorf("enhancer calls = %d, want 0", enh.callCount())
	}
}

func TestSplitProxyPath(t *testing.T) {
	tests := []struct {
		in       string
		tenantID string
		path     string
		ok       bool
	}{
		{"/api/acme/products/1", "acme", "/products/1", true},
		{"/api/acme/products", "acme", "/products", true},
		{"/api/acme", "", "", false},
		{"/api/acme/", "", "", false},
		{"/api/", "", "", false},
		{"/health", "", "", false},
	}

	for _, tt := range tests {
		tenantID, path, ok := splitProxyPath(tt.in)
		if tenantID != tt.tenantID || path != tt.path || ok != tt.ok {
			t.Errorf("splitProxyPath(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.in, tenantID, path, ok, tt.tenantID, tt.path, tt.ok)
		}
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "1"},
		{300 * time.Millisecond, "1"},
		{time.Second, "1"},
		{1500 * time.Millisecond, "2"},
		{30 * time.Second, "30"},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.d); got != tt.want {
			t.Errorf("retryAfterSeconds(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
