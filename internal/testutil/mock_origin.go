// Package testutil provides testing utilities for the offline shell worker.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock origin path.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockOrigin is a configurable origin server for tests. Paths without a
// configured response answer 404.
type MockOrigin struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	offline  bool

	// Tracking
	requestCount int
	pathCounts   map[string]int
	methods      map[string]int
}

// NewMockOrigin creates and starts a new mock origin.
func NewMockOrigin() *MockOrigin {
	mock := &MockOrigin{
		handlers:   make(map[string]http.HandlerFunc),
		pathCounts: make(map[string]int),
		methods:    make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.pathCounts[r.URL.Path]++
		mock.methods[r.Method]++
		offline := mock.offline
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if offline {
			// Drop the connection so the client sees a transport failure.
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
					return
				}
			}
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		if exists {
			handler(w, r)
			return
		}
		http.NotFound(w, r)
	}))

	return mock
}

// URL returns the mock server URL (scheme://host:port).
func (m *MockOrigin) URL() string {
	return m.server.URL
}

// Client returns an HTTP client wired to the mock server.
func (m *MockOrigin) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockOrigin) Close() {
	m.server.Close()
}

// SetOffline makes every subsequent request fail at the transport level.
func (m *MockOrigin) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// Reset clears all tracking counters.
func (m *MockOrigin) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.pathCounts = make(map[string]int)
	m.methods = make(map[string]int)
}

// SetHandler sets a custom handler for a specific path.
func (m *MockOrigin) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockOrigin) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		status := resp.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetShell configures the standard app-shell assets under basePath.
func (m *MockOrigin) SetShell(basePath, version string) {
	html := NewHTMLResponse("<!doctype html><title>planner " + version + "</title>")
	m.SetResponse(basePath+"/", html)
	m.SetResponse(basePath+"/index.html", html)
	m.SetResponse(basePath+"/manifest.json", MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"name":"Workout Planner","version":"` + version + `"}`,
		Headers:    map[string]string{"Content-Type": "application/manifest+json"},
	})
	m.SetResponse(basePath+"/icons/icon-192.png", NewPNGResponse("icon-192-"+version))
	m.SetResponse(basePath+"/icons/icon-512.png", NewPNGResponse("icon-512-"+version))
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockOrigin) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// GetPathCount returns the number of requests made for path.
func (m *MockOrigin) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts[path]
}

// GetMethodCount returns the number of requests made with method.
func (m *MockOrigin) GetMethodCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.methods[method]
}

// NewHTMLResponse creates a 200 text/html response.
func NewHTMLResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "text/html; charset=utf-8"},
	}
}

// NewPNGResponse creates a 200 image/png response with a fake payload.
func NewPNGResponse(payload string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       "\x89PNG\r\n\x1a\n" + payload,
		Headers:    map[string]string{"Content-Type": "image/png"},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       "internal server error",
		Headers:    map[string]string{"Content-Type": "text/plain"},
	}
}
