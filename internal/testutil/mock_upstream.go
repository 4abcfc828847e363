// Package testutil provides shared test helpers.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"
)

// MockUpstream is a fake third-party API for tests. Handlers are
// registered per path; unregistered paths return 404.
type MockUpstream struct {
	server *httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc

	// Delay is applied before every response.
	Delay time.Duration

	requestCount atomic.Int64
}

// NewMockUpstream starts a mock upstream server. Call Close when done.
func NewMockUpstream() *MockUpstream {
	m := &MockUpstream{handlers: make(map[string]http.HandlerFunc)}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the server's base URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Close shuts the server down.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// Handle registers a handler for an exact path.
func (m *MockUpstream) Handle(path string, fn http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = fn
}

// HandleJSON registers a handler returning a fixed JSON body.
func (m *MockUpstream) HandleJSON(path string, status int, body string) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

// HandleAbort registers a handler that kills the connection without a
// response, producing a network error at the client.
func (m *MockUpstream) HandleAbort(path string) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	})
}

// RequestCount returns how many requests the server has seen.
func (m *MockUpstream) RequestCount() int64 {
	return m.requestCount.Load()
}

// ResetCount zeroes the request counter.
func (m *MockUpstream) ResetCount() {
	m.requestCount.Store(0)
}

func (m *MockUpstream) serve(w http.ResponseWriter, r *http.Request) {
	m.requestCount.Add(1)

	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}

	m.mu.Lock()
	fn, ok := m.handlers[r.URL.Path]
	m.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	fn(w, r)
}
